// Package persistence provides the coordinator's optional SQLite-backed
// durable store: lease mirror, host address overrides, and small auth
// secrets (cookie signing key, static token).
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/shuthost/shuthost/internal/leasestore"
)

// Store is a SQLite-backed durable store. The zero value is not usable;
// construct with Open.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at path. path may be ":memory:"
// for ephemeral, test-only durability.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateV1}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			hostname TEXT NOT NULL,
			source_kind TEXT NOT NULL,
			source_value TEXT NOT NULL,
			PRIMARY KEY (hostname, source_kind, source_value)
		);
		CREATE TABLE IF NOT EXISTS host_overrides (
			hostname TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// InsertLease implements leasestore.Durable.
func (s *Store) InsertLease(host string, source leasestore.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO leases (hostname, source_kind, source_value) VALUES (?, ?, ?)",
		host, string(source.Kind), source.Name,
	)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

// DeleteLease implements leasestore.Durable.
func (s *Store) DeleteLease(host string, source leasestore.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM leases WHERE hostname = ? AND source_kind = ? AND source_value = ?",
		host, string(source.Kind), source.Name,
	)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// DeleteClientLeases implements leasestore.Durable.
func (s *Store) DeleteClientLeases(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM leases WHERE source_kind = ? AND source_value = ?",
		string(leasestore.SourceClient), name,
	)
	if err != nil {
		return fmt.Errorf("delete client leases: %w", err)
	}
	return nil
}

// LoadLeases implements leasestore.Durable.
func (s *Store) LoadLeases() (leasestore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT hostname, source_kind, source_value FROM leases")
	if err != nil {
		return nil, fmt.Errorf("load leases: %w", err)
	}
	defer rows.Close()

	out := leasestore.Snapshot{}
	for rows.Next() {
		var host, kind, value string
		if err := rows.Scan(&host, &kind, &value); err != nil {
			return nil, fmt.Errorf("scan lease row: %w", err)
		}
		set, ok := out[host]
		if !ok {
			set = map[leasestore.Source]struct{}{}
			out[host] = set
		}
		set[leasestore.Source{Kind: leasestore.SourceKind(kind), Name: value}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lease rows: %w", err)
	}
	return out, nil
}

// HostOverride is a runtime (ip, port) override for a configured host.
type HostOverride struct {
	IP   string
	Port uint16
}

// SaveHostOverride upserts a host's runtime address override.
func (s *Store) SaveHostOverride(hostname string, o HostOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO host_overrides (hostname, ip, port) VALUES (?, ?, ?) ON CONFLICT(hostname) DO UPDATE SET ip=excluded.ip, port=excluded.port",
		hostname, o.IP, o.Port,
	)
	if err != nil {
		return fmt.Errorf("save host override: %w", err)
	}
	return nil
}

// LoadHostOverrides returns every persisted host override.
func (s *Store) LoadHostOverrides() (map[string]HostOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT hostname, ip, port FROM host_overrides")
	if err != nil {
		return nil, fmt.Errorf("load host overrides: %w", err)
	}
	defer rows.Close()

	out := map[string]HostOverride{}
	for rows.Next() {
		var hostname, ip string
		var port uint16
		if err := rows.Scan(&hostname, &ip, &port); err != nil {
			return nil, fmt.Errorf("scan host override row: %w", err)
		}
		out[hostname] = HostOverride{IP: ip, Port: port}
	}
	return out, rows.Err()
}

// GetKV reads a small auth-secret value (cookie_secret, auth_token). Returns
// ("", false, nil) if absent.
func (s *Store) GetKV(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, true, nil
}

// SetKV upserts a small auth-secret value.
func (s *Store) SetKV(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}
