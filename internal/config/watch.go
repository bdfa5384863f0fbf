package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shuthost/shuthost/internal/pubsub"
)

// debounceDuration coalesces rapid-fire fsnotify events from editors that
// write via temp-file-then-rename.
const debounceDuration = 500 * time.Millisecond

// Holder owns the live Config and fans out hosts/clients changes to
// subscribers. ServerConfig is readable via Current() but is never
// republished after startup: per C9, [server] edits are diagnosed and
// ignored at runtime.
type Holder struct {
	path string

	mu      sync.RWMutex
	current *Config
	epoch   atomic.Uint64

	snapshots *pubsub.Broadcaster[*Snapshot]

	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewHolder loads the config at path once and returns a ready Holder. Call
// Watch to begin hot-reloading.
func NewHolder(path string) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	h := &Holder{
		path:      path,
		current:   cfg,
		snapshots: pubsub.NewWithValue(snapshotOf(cfg, 0)),
		log:       slog.Default().With("component", "config"),
	}
	return h, nil
}

// Current returns the full config as loaded at startup or last reload.
// Callers that need hot-reloadable state should use Snapshot/Subscribe
// instead and never read ServerConfig after startup.
func (h *Holder) Current() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Snapshot returns the current hosts/clients snapshot.
func (h *Holder) Snapshot() *Snapshot {
	snap, _ := h.snapshots.Current()
	return snap
}

// Subscribe registers for hosts/clients snapshot updates.
func (h *Holder) Subscribe(buffer int) (<-chan *Snapshot, func()) {
	return h.snapshots.Subscribe(buffer)
}

// Watch starts watching the config file's parent directory (to tolerate
// atomic-rename editors) until ctx is cancelled.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	h.watcher = watcher

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go h.loop(ctx)
	return nil
}

func (h *Holder) loop(ctx context.Context) {
	defer h.watcher.Close()

	target, err := filepath.Abs(h.path)
	if err != nil {
		target = h.path
	}
	targetBase := filepath.Base(h.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		if err := h.reload(); err != nil {
			h.log.Error("config reload failed, keeping previous config", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !eventMatchesTarget(event, target, targetBase) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, reload)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn("config watcher error", "error", err)
		}
	}
}

func eventMatchesTarget(event fsnotify.Event, target, targetBase string) bool {
	if abs, err := filepath.Abs(event.Name); err == nil && abs == target {
		return true
	}
	return filepath.Base(event.Name) == targetBase || event.Name == target
}

// reload reloads the config file, diffs [server] against the previous
// value (warning if it changed, since only hosts/clients hot-apply), and
// publishes a new hosts/clients snapshot.
func (h *Holder) reload() error {
	newCfg, err := Load(h.path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	if serverChanged(oldCfg.Server, newCfg.Server) {
		h.log.Warn("server config changed on disk but only applies at startup; ignoring for this run")
	}

	epoch := h.epoch.Add(1)
	h.snapshots.Publish(snapshotOf(newCfg, epoch))
	h.log.Info("config reloaded", "epoch", epoch, "hosts", len(newCfg.Hosts), "clients", len(newCfg.Clients))
	return nil
}

func serverChanged(a, b ServerConfig) bool {
	if a.Port != b.Port || a.Bind != b.Bind || a.BroadcastPort != b.BroadcastPort {
		return true
	}
	if a.TLS != b.TLS {
		return true
	}
	if a.Auth.Mode != b.Auth.Mode || a.Auth.Issuer != b.Auth.Issuer || a.Auth.ClientID != b.Auth.ClientID {
		return true
	}
	return false
}
