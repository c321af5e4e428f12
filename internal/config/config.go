// Package config handles muxi configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config locations probed when no
// -config flag is given: the working directory first, then the user
// config directory, then the system one.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "muxi", "config.yaml"))
	}
	return append(paths, "/etc/muxi/config.yaml")
}

// FindConfig resolves the config file path. A non-empty explicit path
// wins but must exist; otherwise the first hit from
// [DefaultSearchPaths] is used.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, candidate := range DefaultSearchPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all muxi configuration.
type Config struct {
	Listen    ListenConfig  `yaml:"listen"`
	Model     ModelConfig   `yaml:"model"`
	Memory    MemoryConfig  `yaml:"memory"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Agents    []AgentConfig `yaml:"agents"`
	MCP       MCPConfig     `yaml:"mcp"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines where the API server binds.
type ListenConfig struct {
	Address string `yaml:"address"` // empty binds all interfaces
	Port    int    `yaml:"port"`
}

// ModelConfig defines the model provider the agent talks to.
type ModelConfig struct {
	Provider   string `yaml:"provider"` // currently: ollama
	BaseURL    string `yaml:"baseurl"`
	ChatModel  string `yaml:"chat_model"`
	EmbedModel string `yaml:"embed_model"`
}

// MemoryConfig defines conversation buffer and vector store settings.
type MemoryConfig struct {
	// MaxMessages caps the rolling per-conversation buffer. System
	// messages survive trimming.
	MaxMessages int `yaml:"max_messages"`
	// VectorDB is the sqlite file backing the vector store. Empty
	// disables persistence-backed retrieval.
	VectorDB string `yaml:"vector_db"`
}

// MQTTConfig defines the optional MQTT presence/event publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// AgentConfig declares one routable agent profile.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Keywords     []string `yaml:"keywords"`
	Model        string   `yaml:"model"` // overrides model.chat_model when set
	SystemPrompt string   `yaml:"system_prompt"`
	Default      bool     `yaml:"default"`
}

// MCPConfig defines the MCP server registrations made at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server. Exactly one of URL and
// Command must be set: URL selects the SSE-negotiated HTTP transport,
// Command spawns a local subprocess.
type MCPServerConfig struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	Command     string            `yaml:"command"`
	Env         []string          `yaml:"env"` // extra KEY=VALUE vars for command servers
	Credentials map[string]string `yaml:"credentials"`
	Timeout     int               `yaml:"timeout"` // seconds, default 60
}

// Load reads path, expands ${VAR} references against the environment,
// parses the YAML, and normalizes the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize applies defaults and validates cross-field constraints.
// Called by Load; exposed so tests and Default can share it.
func (c *Config) Normalize() error {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5050
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "ollama"
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "http://localhost:11434"
	}
	if c.Model.ChatModel == "" {
		c.Model.ChatModel = "qwen3:4b"
	}
	if c.Model.EmbedModel == "" {
		c.Model.EmbedModel = "nomic-embed-text"
	}
	if c.Memory.MaxMessages <= 0 {
		c.Memory.MaxMessages = 50
	}
	if c.MQTT.Enabled && c.MQTT.URL == "" {
		return fmt.Errorf("mqtt enabled but no url configured")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "muxi"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat)
	}

	seen := make(map[string]bool)
	for i := range c.MCP.Servers {
		s := &c.MCP.Servers[i]
		if s.Name == "" {
			return fmt.Errorf("mcp server %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp server %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if (s.URL == "") == (s.Command == "") {
			return fmt.Errorf("mcp server %q: exactly one of url or command is required", s.Name)
		}
		if s.Timeout <= 0 {
			s.Timeout = 60
		}
	}

	defaults := 0
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent profile without a name")
		}
		if a.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("more than one default agent profile")
	}

	return nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 5050},
		Agents: []AgentConfig{
			{
				Name:        "assistant",
				Description: "General-purpose assistant",
				Default:     true,
			},
		},
	}
	// Normalization cannot fail on the baked-in values.
	_ = cfg.Normalize()
	return cfg
}
