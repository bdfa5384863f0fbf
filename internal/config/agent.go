package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// AgentServiceConfig is the [agent]-table of a Host Agent's own config
// file, distinct from (and much smaller than) the coordinator's Config.
type AgentServiceConfig struct {
	Port            uint16 `toml:"port"`
	ShutdownCommand string `toml:"shutdown_command"`
}

// AgentAuthConfig is the [auth]-table: a Host Agent has exactly one shared
// secret, used both to validate inbound commands and to sign its own
// startup broadcast.
type AgentAuthConfig struct {
	SharedSecret string `toml:"shared_secret"`
}

// AgentBroadcastConfig is the optional [broadcast]-table controlling the
// startup UDP announcement (§4.7/§6); omitted entirely, the agent never
// announces itself and relies solely on the coordinator's poll cycle.
type AgentBroadcastConfig struct {
	Enable        bool   `toml:"enable"`
	Hostname      string `toml:"hostname"`
	CoordinatorIP string `toml:"coordinator_ip"`
	Port          uint16 `toml:"port"`
}

// AgentConfig is the fully parsed Host Agent config file.
type AgentConfig struct {
	Agent     AgentServiceConfig   `toml:"agent"`
	Auth      AgentAuthConfig      `toml:"auth"`
	Broadcast AgentBroadcastConfig `toml:"broadcast"`
}

// LoadAgent reads, parses, and validates a Host Agent config file at path.
func LoadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", path, err)
	}

	if err := ValidateAgent(&cfg); err != nil {
		return nil, fmt.Errorf("validate agent config %s: %w", path, err)
	}

	return &cfg, nil
}

// ValidateAgent checks the structural invariants TOML decoding can't enforce.
func ValidateAgent(cfg *AgentConfig) error {
	if cfg.Agent.Port == 0 {
		return fmt.Errorf("agent.port must be set")
	}
	if cfg.Agent.ShutdownCommand == "" {
		return fmt.Errorf("agent.shutdown_command must be set")
	}
	if cfg.Auth.SharedSecret == "" {
		return fmt.Errorf("auth.shared_secret must be set")
	}
	if cfg.Broadcast.Enable {
		if cfg.Broadcast.Hostname == "" {
			return fmt.Errorf("broadcast.hostname must be set when broadcast.enable is true")
		}
		if cfg.Broadcast.CoordinatorIP == "" {
			return fmt.Errorf("broadcast.coordinator_ip must be set when broadcast.enable is true")
		}
		if cfg.Broadcast.Port == 0 {
			return fmt.Errorf("broadcast.port must be set when broadcast.enable is true")
		}
	}
	return nil
}
