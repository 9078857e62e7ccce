// ABOUTME: Agent profile loading for the perch-agent CLI
// ABOUTME: Loads TOML profile from XDG path with environment variable expansion

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Profile identifies the operator running this CLI. Kept separate from the
// shared YAML config so several operators can point at one deployment.
type Profile struct {
	Agent AgentProfile `toml:"agent"`
}

type AgentProfile struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// getProfilePath returns the path to the agent profile file.
// Priority: PERCH_PROFILE env var > XDG_CONFIG_HOME/perch/profile.toml > ~/.config/perch/profile.toml
func getProfilePath() string {
	if envPath := os.Getenv("PERCH_PROFILE"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "profile.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "perch", "profile.toml")
}

// LoadProfile reads a profile from the given path, expanding environment variables.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var p Profile
	if _, err := toml.Decode(expanded, &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating profile: %w", err)
	}

	return &p, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required profile fields are present.
func (p *Profile) Validate() error {
	if p.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if p.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	return nil
}

const starterConfig = `gateway:
  host: "gateway.example.com"
  tls: true

pool:
  capacity: 10
  max_reconnect_attempts: 5
  reconnect_base: "1s"
  reconnect_max: "30s"

queue:
  backend: "sqlite"
  sqlite:
    path: "%s"

workspace:
  id: "CHANGE-ME"
  grace_window: "1500ms"

auth:
  jwt_secret: "${PERCH_JWT_SECRET}"
  token_ttl: "24h"

logging:
  level: "info"
  format: "text"
`

const starterProfile = `[agent]
id = "%s"
name = "%s"
`

// runInit writes a starter config and profile, refusing to clobber
// existing files.
func runInit() error {
	configPath := getConfigPath()
	profilePath := getProfilePath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	queuePath := filepath.Join(filepath.Dir(configPath), "queue.db")

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("config already exists: %s\n", configPath)
	} else {
		if err := os.WriteFile(configPath, []byte(fmt.Sprintf(starterConfig, queuePath)), 0600); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Printf("wrote %s\n", configPath)
	}

	if _, err := os.Stat(profilePath); err == nil {
		fmt.Printf("profile already exists: %s\n", profilePath)
		return nil
	}

	name := "Agent"
	if user := os.Getenv("USER"); user != "" {
		name = user
	}
	content := fmt.Sprintf(starterProfile, "agent-"+uuid.NewString()[:8], name)
	if err := os.WriteFile(profilePath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	fmt.Printf("wrote %s\n", profilePath)
	fmt.Println("edit workspace.id in the config before connecting")
	return nil
}
