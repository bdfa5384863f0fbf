// Package reconcile implements the host-control reconciler (C8): an
// edge-triggered task that wakes or shuts down a host whenever its
// lease-implied desired state diverges from its observed state, plus a
// drift enforcer for hosts that opt into enforce_state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/shuthost/shuthost/internal/codec"
	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/hoststatus"
	"github.com/shuthost/shuthost/internal/leasestore"
	"github.com/shuthost/shuthost/internal/wol"
)

// Fixed timing constants for control operations, distinct from the
// poller's own status-probe timing.
const (
	PollTimeout  = 60 * time.Second
	PollInterval = 200 * time.Millisecond

	ShutdownDialTimeout  = 2 * time.Second
	ShutdownWriteTimeout = 2 * time.Second
	ShutdownReadTimeout  = 2 * time.Second

	// EnforceStabilizationThreshold is how long a diverged enforced-host
	// state must be stable before the enforcer re-triggers a wake/shutdown,
	// preventing it from hammering a host mid-transition.
	EnforceStabilizationThreshold = 5 * time.Second
)

// ErrorKind distinguishes the ways a control operation can fail.
type ErrorKind int

const (
	NotFound ErrorKind = iota
	Timeout
	OperationFailed
)

// ControlError is returned by HandleHostState on failure.
type ControlError struct {
	Kind    ErrorKind
	Host    string
	Desired hoststatus.State
	Err     error
}

func (e *ControlError) Error() string {
	switch e.Kind {
	case NotFound:
		return "unknown host"
	case Timeout:
		return fmt.Sprintf("timeout waiting for host %q: %v", e.Host, e.Err)
	default:
		return fmt.Sprintf("operation failed for host %q (desired %s): %v", e.Host, e.Desired, e.Err)
	}
}

func (e *ControlError) Unwrap() error { return e.Err }

// ConfigSource supplies the live host config snapshot.
type ConfigSource interface {
	Snapshot() *config.Snapshot
}

// StatusSource is the subset of *hoststatus.Poller the reconciler needs.
type StatusSource interface {
	Snapshot() hoststatus.Status
	Subscribe(buffer int) (<-chan hoststatus.Status, func())
	StableSince(host string) (time.Time, bool)
	PollUntilState(ctx context.Context, host string, desired hoststatus.State, timeout, interval time.Duration) error
}

// LeaseSource is the subset of *leasestore.Store the reconciler needs.
type LeaseSource interface {
	Snapshot() leasestore.Snapshot
	Subscribe(buffer int) (<-chan leasestore.Snapshot, func())
}

// Reconciler wires config, lease, and status observables together and
// drives host wake/shutdown to keep observed state matching desired state.
type Reconciler struct {
	cfg    ConfigSource
	leases LeaseSource
	status StatusSource
	log    *slog.Logger
}

// New creates a Reconciler.
func New(cfg ConfigSource, leases LeaseSource, status StatusSource) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		leases: leases,
		status: status,
		log:    slog.Default().With("component", "reconcile"),
	}
}

// HandleHostState inspects host's current state against leaseSet's
// implied desired state and, if they diverge, wakes or shuts the host down
// and waits for the transition to complete.
func (r *Reconciler) HandleHostState(ctx context.Context, host string, leaseSet map[leasestore.Source]struct{}) error {
	desiredRunning := len(leaseSet) > 0

	current := r.status.Snapshot()[host]

	snap := r.cfg.Snapshot()
	hostCfg, ok := snap.Hosts[host]
	if !ok {
		return &ControlError{Kind: NotFound, Host: host}
	}

	r.log.Debug("checking host state", "host", host, "desired_running", desiredRunning, "current", current)

	switch {
	case desiredRunning && current != hoststatus.Online:
		return r.wakeAndWait(ctx, host, hostCfg)
	case !desiredRunning && current == hoststatus.Online:
		return r.shutdownAndWait(ctx, host, hostCfg)
	default:
		return nil
	}
}

// SpawnHandleHostState runs HandleHostState in a new goroutine, logging
// (never propagating) any failure.
func (r *Reconciler) SpawnHandleHostState(ctx context.Context, host string, leaseSet map[leasestore.Source]struct{}) {
	go func() {
		if err := r.HandleHostState(ctx, host, leaseSet); err != nil {
			r.log.Warn("host control action failed", "host", host, "error", err)
		}
	}()
}

func (r *Reconciler) wakeAndWait(ctx context.Context, host string, hostCfg config.HostConfig) error {
	if wol.Disabled(hostCfg.MAC) {
		r.log.Info("WoL disabled for host", "host", host)
	} else {
		r.log.Info("sending WoL packet", "host", host, "mac", hostCfg.MAC)
		if err := wol.Wake(hostCfg.MAC); err != nil {
			return &ControlError{Kind: OperationFailed, Host: host, Desired: hoststatus.Online, Err: err}
		}
	}
	return r.pollAndWait(ctx, host, hoststatus.Online)
}

func (r *Reconciler) shutdownAndWait(ctx context.Context, host string, hostCfg config.HostConfig) error {
	if _, err := sendShutdown(hostCfg.IP, hostCfg.Port, hostCfg.SharedSecret); err != nil {
		return &ControlError{Kind: OperationFailed, Host: host, Desired: hoststatus.Offline, Err: err}
	}
	return r.pollAndWait(ctx, host, hoststatus.Offline)
}

func (r *Reconciler) pollAndWait(ctx context.Context, host string, desired hoststatus.State) error {
	err := r.status.PollUntilState(ctx, host, desired, PollTimeout, PollInterval)
	switch {
	case err == nil:
		return nil
	case err == hoststatus.ErrNotFound:
		return &ControlError{Kind: NotFound, Host: host}
	case err == hoststatus.ErrShuttingDown:
		return &ControlError{Kind: OperationFailed, Host: host, Desired: desired, Err: err}
	default:
		return &ControlError{Kind: Timeout, Host: host, Desired: desired, Err: err}
	}
}

// sendShutdown opens a TCP connection to the host and sends a signed
// "shutdown" command, returning its textual reply.
func sendShutdown(ip string, port uint16, secret string) (string, error) {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))

	conn, err := net.DialTimeout("tcp", addr, ShutdownDialTimeout)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	msg := codec.Sign("shutdown", secret, time.Now())

	if err := conn.SetWriteDeadline(time.Now().Add(ShutdownWriteTimeout)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte(msg)); err != nil {
		return "", fmt.Errorf("write shutdown request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(ShutdownReadTimeout)); err != nil {
		return "", err
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("read shutdown response: %w", err)
	}
	return string(buf[:n]), nil
}

// ShouldEnforceAction reports whether an enforce_state host's diverged
// state should trigger a control action now. Factored out from the
// enforcer loop so it can be unit tested without any I/O.
func ShouldEnforceAction(hostCfg config.HostConfig, desiredRunning bool, current hoststatus.State, stableFor time.Duration) bool {
	if !hostCfg.EnforceState {
		return false
	}

	isRunning := current == hoststatus.Online
	needsAction := desiredRunning != isRunning

	return needsAction && stableFor >= EnforceStabilizationThreshold
}

// RunOnLeaseChange is the edge-triggered reconciler: it reacts only to
// hosts whose desired-online bit actually flipped between one lease
// snapshot and the next, never re-evaluating hosts that didn't change.
func (r *Reconciler) RunOnLeaseChange(ctx context.Context) {
	leaseCh, unsubscribe := r.leases.Subscribe(8)
	defer unsubscribe()

	prevDesired := desiredOnlineSet(r.leases.Snapshot())

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-leaseCh:
			if !ok {
				return
			}
			newDesired := desiredOnlineSet(snap)
			for host := range symmetricDifference(prevDesired, newDesired) {
				leaseSet := snap[host]
				r.SpawnHandleHostState(ctx, host, leaseSet)
			}
			prevDesired = newDesired
		}
	}
}

// RunEnforcer ticks alongside the status poller, re-triggering control
// actions for enforce_state hosts whose observed state has diverged from
// their lease-implied desired state for at least the stabilization window.
func (r *Reconciler) RunEnforcer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.enforceOnce()
		}
	}
}

func (r *Reconciler) enforceOnce() {
	now := time.Now()
	snap := r.cfg.Snapshot()
	leases := r.leases.Snapshot()
	status := r.status.Snapshot()

	for host, hostCfg := range snap.Hosts {
		leaseSet := leases[host]
		desiredRunning := leases.DesiredOnline(host)
		current := status[host]

		stableFor := EnforceStabilizationThreshold
		if since, ok := r.status.StableSince(host); ok {
			stableFor = now.Sub(since)
		}

		if ShouldEnforceAction(hostCfg, desiredRunning, current, stableFor) {
			r.SpawnHandleHostState(context.Background(), host, leaseSet)
		}
	}
}

func desiredOnlineSet(snap leasestore.Snapshot) map[string]struct{} {
	out := map[string]struct{}{}
	for host := range snap {
		if snap.DesiredOnline(host) {
			out[host] = struct{}{}
		}
	}
	return out
}

func symmetricDifference(a, b map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range a {
		if _, ok := b[k]; !ok {
			out[k] = struct{}{}
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}
