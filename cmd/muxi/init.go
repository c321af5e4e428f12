package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ranaroussi/muxi-sub001/internal/defaults"
)

// runInit prepares a working directory: the data directory that will
// hold the SQLite files and a starter config.yaml. Anything already
// present is left untouched, so re-running init is safe.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing muxi workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", dataDir)

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(cfgPath, defaults.ConfigYAML); err != nil {
		return fmt.Errorf("write starter config: %w", err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", cfgPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Point config.yaml at your model provider and tool servers,")
	fmt.Fprintln(w, "then run: muxi serve")
	return nil
}

// writeIfMissing creates path with content unless it already exists.
// O_EXCL makes the existence check and the create one atomic step.
func writeIfMissing(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
