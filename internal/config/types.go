// Package config loads the coordinator's TOML configuration file and
// watches it for changes, republishing only the hosts/clients sections at
// runtime per the hot-reload contract.
package config

// TLSConfig controls in-process TLS termination.
type TLSConfig struct {
	Enable            bool   `toml:"enable"`
	CertPath          string `toml:"cert_path"`
	KeyPath           string `toml:"key_path"`
	PersistSelfSigned bool   `toml:"persist_self_signed"`
}

// Auth mode identifiers, matching the TOML "mode" discriminator.
const (
	AuthModeNone     = "none"
	AuthModeToken    = "token"
	AuthModeOIDC     = "oidc"
	AuthModeExternal = "external"
)

// AuthConfig is the flattened union of all four auth modes; only the
// fields relevant to Mode are meaningful.
type AuthConfig struct {
	Mode              string   `toml:"mode"`
	Token             string   `toml:"token"`
	Issuer            string   `toml:"issuer"`
	ClientID          string   `toml:"client_id"`
	ClientSecret      string   `toml:"client_secret"`
	Scopes            []string `toml:"scopes"`
	ExceptionsVersion uint32   `toml:"exceptions_version"`
	CookieSecret      string   `toml:"cookie_secret"`
}

// ServerConfig holds every [server]-table setting. Per the hot-reload
// contract (C9), every field here is applied only at process startup;
// edits made while running are diaged and ignored with a warning.
type ServerConfig struct {
	Port uint16 `toml:"port"`
	Bind string `toml:"bind"`
	// BroadcastPort is the UDP port the startup-announcement listener
	// (C7) binds. Not enumerated in the historical TOML sketch this was
	// distilled from; added here under [server] since it shares that
	// table's startup-only reload semantics.
	BroadcastPort uint16     `toml:"broadcast_port"`
	TLS           TLSConfig  `toml:"tls"`
	Auth          AuthConfig `toml:"auth"`
}

// DBConfig controls the optional durable store.
type DBConfig struct {
	Enable bool   `toml:"enable"`
	Path   string `toml:"path"`
}

// HostConfig is one [hosts.<name>] entry.
type HostConfig struct {
	IP           string `toml:"ip"`
	MAC          string `toml:"mac"`
	Port         uint16 `toml:"port"`
	SharedSecret string `toml:"shared_secret"`
	EnforceState bool   `toml:"enforce_state"`
}

// ClientConfig is one [clients.<name>] entry.
type ClientConfig struct {
	SharedSecret string `toml:"shared_secret"`
}

// Config is the fully parsed, validated TOML document.
type Config struct {
	Server  ServerConfig            `toml:"server"`
	DB      DBConfig                `toml:"db"`
	Hosts   map[string]HostConfig   `toml:"hosts"`
	Clients map[string]ClientConfig `toml:"clients"`
}

// Snapshot is the hot-reloadable subset of Config: hosts and clients only.
// Downstream components (poller, M2M client lookup, reconciler) read this,
// never ServerConfig, at runtime.
type Snapshot struct {
	Hosts   map[string]HostConfig
	Clients map[string]ClientConfig
	// Epoch increases on every successful reload; useful for tests and logs.
	Epoch uint64
}

func snapshotOf(cfg *Config, epoch uint64) *Snapshot {
	return &Snapshot{Hosts: cfg.Hosts, Clients: cfg.Clients, Epoch: epoch}
}
