package hoststatus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shuthost/shuthost/internal/codec"
	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/pubsub"
)

// Fixed timing constants shared by every probe, per the resource model.
const (
	PollInterval   = 2 * time.Second
	ConnectTimeout = 500 * time.Millisecond
	ReadTimeout    = 400 * time.Millisecond
)

// ErrNotFound is returned by PollUntilState when host isn't in the current
// config snapshot.
var ErrNotFound = errors.New("host not found in config")

// ErrShuttingDown is returned by PollUntilState when ctx is cancelled before
// the desired state is observed.
var ErrShuttingDown = errors.New("coordinator shutting down")

// TimeoutError reports that a PollUntilState deadline elapsed first.
type TimeoutError struct {
	Host    string
	Desired State
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for host %q to reach state %s", e.Host, e.Desired)
}

// ConfigSource supplies the live hosts snapshot the poller walks each cycle.
type ConfigSource interface {
	Snapshot() *config.Snapshot
}

// Poller probes every configured host at a fixed cadence and republishes
// the status map whenever anything changes.
type Poller struct {
	cfg       ConfigSource
	overrides *Overrides

	status      *pubsub.Broadcaster[Status]
	transitions *transitions
}

// NewPoller creates a Poller over cfg's live host list, resolving addresses
// through overrides when present.
func NewPoller(cfg ConfigSource, overrides *Overrides) *Poller {
	return &Poller{
		cfg:         cfg,
		overrides:   overrides,
		status:      pubsub.NewWithValue(Status{}),
		transitions: newTransitions(),
	}
}

// Snapshot returns the current status map.
func (p *Poller) Snapshot() Status {
	snap, _ := p.status.Current()
	return snap
}

// MarkOnline flips host to Online immediately, independent of the poll
// cycle. Used by the broadcast listener (C7) to fast-path a host to Online
// the instant its startup announcement validates; the next poll cycle will
// confirm (or, if the announcement was stale, correct) the classification.
func (p *Poller) MarkOnline(host string) {
	now := time.Now()
	previous := p.Snapshot()
	next := make(Status, len(previous)+1)
	for k, v := range previous {
		next[k] = v
	}

	changed := next[host] != Online
	next[host] = Online
	p.transitions.recordIfChanged(host, changed, now)
	if changed {
		p.status.Publish(next)
	}
}

// Subscribe registers for status-map publishes.
func (p *Poller) Subscribe(buffer int) (<-chan Status, func()) {
	return p.status.Subscribe(buffer)
}

// StableSince reports when host's classification last changed.
func (p *Poller) StableSince(host string) (time.Time, bool) {
	return p.transitions.StableSince(host)
}

// Run polls every configured host every PollInterval until ctx is done.
// Missed ticks are delayed, never coalesced: time.Ticker already has this
// behavior.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	p.pollOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Poller) pollOnce() {
	snap := p.cfg.Snapshot()
	overrides := p.overrides.Snapshot()

	now := time.Now()
	previous := p.Snapshot()
	next := make(Status, len(snap.Hosts))
	changed := false

	for name, host := range snap.Hosts {
		ip, port := resolveAddress(name, host, overrides)
		state := classify(probe(ip, port, host.SharedSecret, now))
		next[name] = state

		if previous[name] != state {
			changed = true
		}
		p.transitions.recordIfChanged(name, previous[name] != state, now)
	}

	if changed || len(next) != len(previous) {
		p.status.Publish(next)
	}
}

// PollUntilState blocks until host reaches desired, timeout elapses, or ctx
// is cancelled. It shares the same probe as the background loop.
func (p *Poller) PollUntilState(ctx context.Context, host string, desired State, timeout, interval time.Duration) error {
	snap := p.cfg.Snapshot()
	hostCfg, ok := snap.Hosts[host]
	if !ok {
		return ErrNotFound
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() bool {
		overrides := p.overrides.Snapshot()
		ip, port := resolveAddress(host, hostCfg, overrides)
		return classify(probe(ip, port, hostCfg.SharedSecret, time.Now())) == desired
	}

	if check() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ErrShuttingDown
		case <-ticker.C:
			if check() {
				return nil
			}
			if time.Now().After(deadline) {
				return &TimeoutError{Host: host, Desired: desired}
			}
		}
	}
}

func resolveAddress(name string, host config.HostConfig, overrides map[string]Override) (string, uint16) {
	if ov, ok := overrides[name]; ok {
		return ov.IP, ov.Port
	}
	return host.IP, host.Port
}

// classify turns a raw probe outcome into a State: any non-ERROR reply is
// Online, everything else (timeout, refusal, ERROR reply) is Offline.
func classify(reply string, ok bool) State {
	if !ok {
		return Offline
	}
	if strings.HasPrefix(reply, "ERROR") {
		return Offline
	}
	return Online
}

// probe opens a TCP connection with a connect deadline, writes a signed
// "status" message, and reads the reply with a read deadline.
func probe(ip string, port uint16, secret string, now time.Time) (string, bool) {
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))

	conn, err := net.DialTimeout("tcp", addr, ConnectTimeout)
	if err != nil {
		return "", false
	}
	defer conn.Close()

	if err := conn.SetDeadline(now.Add(ReadTimeout)); err != nil {
		return "", false
	}

	msg := codec.Sign("status", secret, now)
	if _, err := conn.Write([]byte(msg)); err != nil {
		return "", false
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return "", false
	}
	return string(buf[:n]), true
}
