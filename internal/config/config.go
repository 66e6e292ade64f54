// Package config loads workspace settings from ~/.kbtz/workspace.toml.
// CLI flags take precedence over config values.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full workspace.toml document.
type Config struct {
	Workspace Workspace        `toml:"workspace"`
	Agent     map[string]Agent `toml:"agent"`
}

// Workspace holds the [workspace] table.
type Workspace struct {
	Concurrency *int    `toml:"concurrency"`
	Manual      *bool   `toml:"manual"`
	Prefer      *string `toml:"prefer"`
	Backend     *string `toml:"backend"`
	LogLevel    *string `toml:"log_level"`
}

// Agent holds one [agent.<name>] table. Command may be a plain string
// (the binary) or an array whose first element is the binary and the
// rest prefix args inserted before generated args.
type Agent struct {
	Command any      `toml:"command"`
	Args    []string `toml:"args"`
}

// Binary returns the agent's binary path, or "" when unset.
func (a Agent) Binary() string {
	parts, _ := a.commandParts()
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// PrefixArgs returns args to insert before generated args.
func (a Agent) PrefixArgs() []string {
	parts, _ := a.commandParts()
	if len(parts) < 2 {
		return nil
	}
	return parts[1:]
}

// validate rejects malformed command values early, at load time.
func (a Agent) validate() error {
	_, err := a.commandParts()
	return err
}

func (a Agent) commandParts() ([]string, error) {
	switch v := a.Command.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command array must contain only strings")
			}
			parts = append(parts, s)
		}
		return parts, nil
	default:
		return nil, fmt.Errorf("command must be a string or an array of strings")
	}
}

// Load reads the config file at path. A missing file yields the zero
// Config without error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for name, agent := range cfg.Agent {
		if err := agent.validate(); err != nil {
			return Config{}, fmt.Errorf("agent.%s: %w", name, err)
		}
	}
	return cfg, nil
}
