package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunVersionText(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "muxi") {
		t.Errorf("version output missing program name: %q", out.String())
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output missing go_version: %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version -o json is not JSON: %v\n%s", err, out.String())
	}
	for _, key := range []string{"version", "go_version", "os", "arch"} {
		if info[key] == "" {
			t.Errorf("version JSON missing %q", key)
		}
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run with no args: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: muxi") {
		t.Errorf("expected usage text, got %q", out.String())
	}
}

func TestRunArgErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-zap"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: muxi ask"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			err := run(context.Background(), &out, &errOut, tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRunFlagForms(t *testing.T) {
	// -o=json and --output=json are equivalent to -o json.
	for _, form := range []string{"-o=json", "--output=json"} {
		var out, errOut bytes.Buffer
		if err := run(context.Background(), &out, &errOut, []string{form, "version"}); err != nil {
			t.Fatalf("run with %s: %v", form, err)
		}
		var info map[string]string
		if err := json.Unmarshal(out.Bytes(), &info); err != nil {
			t.Errorf("%s did not produce JSON: %v", form, err)
		}
	}
}

func TestRunHelpFlag(t *testing.T) {
	for _, flag := range []string{"-h", "-help", "--help"} {
		var out, errOut bytes.Buffer
		if err := run(context.Background(), &out, &errOut, []string{flag}); err != nil {
			t.Fatalf("run %s: %v", flag, err)
		}
		if !strings.Contains(out.String(), "Commands:") {
			t.Errorf("%s did not print help", flag)
		}
	}
}

func TestRunServeMissingConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-config", "/nonexistent/muxi.yaml", "serve"})
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want config-not-found", err)
	}
}
