package config

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads, parses, validates, and path-resolves the config file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Hosts == nil {
		cfg.Hosts = map[string]HostConfig{}
	}
	if cfg.Clients == nil {
		cfg.Clients = map[string]ClientConfig{}
	}

	resolveConfigRelativePaths(path, &cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return &cfg, nil
}

// resolveConfigRelativePaths resolves TLS cert/key paths and the DB path
// against the config file's directory; ":memory:" is left untouched.
func resolveConfigRelativePaths(configPath string, cfg *Config) {
	dir := filepath.Dir(configPath)

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Clean(filepath.Join(dir, p))
	}

	cfg.Server.TLS.CertPath = resolve(cfg.Server.TLS.CertPath)
	cfg.Server.TLS.KeyPath = resolve(cfg.Server.TLS.KeyPath)

	if cfg.DB.Path != "" && cfg.DB.Path != ":memory:" {
		cfg.DB.Path = resolve(cfg.DB.Path)
	}
}

// Validate checks structural invariants that TOML decoding alone can't
// enforce: valid auth mode, required fields per mode, non-empty secrets.
func Validate(cfg *Config) error {
	if cfg.Server.Port == 0 {
		return fmt.Errorf("server.port must be set")
	}

	switch cfg.Server.Auth.Mode {
	case "", AuthModeNone:
	case AuthModeToken:
		// token may be empty (auto-generated at startup).
	case AuthModeOIDC:
		a := cfg.Server.Auth
		if a.Issuer == "" || a.ClientID == "" || a.ClientSecret == "" {
			return fmt.Errorf("server.auth mode=oidc requires issuer, client_id, and client_secret")
		}
	case AuthModeExternal:
		// exceptions_version may legitimately be 0 (will warn downstream).
	default:
		return fmt.Errorf("server.auth.mode %q is not one of none, token, oidc, external", cfg.Server.Auth.Mode)
	}

	for name, h := range cfg.Hosts {
		if h.IP == "" {
			return fmt.Errorf("hosts.%s: ip must be set", name)
		}
		if h.Port == 0 {
			return fmt.Errorf("hosts.%s: port must be set", name)
		}
		if h.SharedSecret == "" {
			return fmt.Errorf("hosts.%s: shared_secret must be set", name)
		}
	}

	for name, c := range cfg.Clients {
		if c.SharedSecret == "" {
			return fmt.Errorf("clients.%s: shared_secret must be set", name)
		}
	}

	return nil
}
