// Package broadcast implements the UDP startup-announcement listener (C7):
// host agents that just came up optionally announce themselves so the
// coordinator doesn't have to wait for the next poll cycle.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shuthost/shuthost/internal/codec"
	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/hoststatus"
	"github.com/shuthost/shuthost/internal/persistence"
)

// bufferSize is the fixed datagram read buffer. Per the resolved open
// question, an announcement that fills the whole buffer is treated as
// possibly truncated and dropped rather than acted on.
const bufferSize = 4096

// AgentStartup is the JSON shape of a signed startup announcement payload.
type AgentStartup struct {
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	Port      uint16 `json:"port"`
}

// ConfigSource supplies the live host list, used to look up a claimed
// host's shared secret before running full HMAC validation.
type ConfigSource interface {
	Snapshot() *config.Snapshot
}

// StatusSetter is the subset of *hoststatus.Poller the listener needs.
type StatusSetter interface {
	MarkOnline(host string)
}

// OverrideWriter is the subset of *hoststatus.Overrides the listener needs.
type OverrideWriter interface {
	Set(hostname string, ov hoststatus.Override)
}

// OverridePersister optionally mirrors host overrides to durable storage.
type OverridePersister interface {
	SaveHostOverride(hostname string, o persistence.HostOverride) error
}

// Listener binds a UDP socket and validates every inbound datagram as a
// signed AgentStartup announcement.
type Listener struct {
	cfg       ConfigSource
	status    StatusSetter
	overrides OverrideWriter
	durable   OverridePersister
	log       *slog.Logger

	conn *net.UDPConn
}

// New creates a Listener. Bind is deferred to Run/ListenAndServe so tests
// can construct a Listener without a live socket.
func New(cfg ConfigSource, status StatusSetter, overrides OverrideWriter, durable OverridePersister) *Listener {
	return &Listener{
		cfg:       cfg,
		status:    status,
		overrides: overrides,
		durable:   durable,
		log:       slog.Default().With("component", "broadcast"),
	}
}

// ListenAndServe binds 0.0.0.0:port and serves datagrams until conn is
// closed (by Close or process shutdown).
func (l *Listener) ListenAndServe(port uint16) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: int(port)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	l.conn = conn

	buf := make([]byte, bufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil // conn closed: normal shutdown path
		}
		l.handleDatagram(buf[:n], n == bufferSize)
	}
}

// Close stops the listener.
func (l *Listener) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

func (l *Listener) handleDatagram(raw []byte, possiblyTruncated bool) {
	if possiblyTruncated {
		l.log.Debug("dropping possibly-truncated broadcast datagram")
		return
	}

	l.HandleMessage(string(raw))
}

// HandleMessage validates and applies one signed announcement. Exported so
// tests can feed wire bytes directly without a live socket.
func (l *Listener) HandleMessage(raw string) {
	snap := l.cfg.Snapshot()

	hostname, ok := peekHostname(raw)
	if !ok {
		l.log.Debug("dropping broadcast datagram: could not locate hostname")
		return
	}

	hostCfg, ok := snap.Hosts[hostname]
	if !ok {
		l.log.Debug("dropping broadcast datagram: unknown hostname", "hostname", hostname)
		return
	}

	validation := codec.Validate(raw, hostCfg.SharedSecret, time.Now())
	if validation.Result != codec.Valid {
		l.log.Debug("dropping broadcast datagram: invalid signature", "hostname", hostname, "result", validation.Result.String())
		return
	}

	var announcement AgentStartup
	if err := json.Unmarshal([]byte(validation.Payload), &announcement); err != nil {
		l.log.Debug("dropping broadcast datagram: invalid JSON payload", "hostname", hostname, "error", err)
		return
	}
	if announcement.Hostname != hostname {
		l.log.Debug("dropping broadcast datagram: payload hostname mismatch", "claimed", hostname, "payload", announcement.Hostname)
		return
	}

	l.status.MarkOnline(hostname)

	if announcement.IPAddress != hostCfg.IP || announcement.Port != hostCfg.Port {
		l.overrides.Set(hostname, hoststatus.Override{IP: announcement.IPAddress, Port: announcement.Port})
		if l.durable != nil {
			override := persistence.HostOverride{IP: announcement.IPAddress, Port: announcement.Port}
			if err := l.durable.SaveHostOverride(hostname, override); err != nil {
				l.log.Warn("failed to persist host override", "hostname", hostname, "error", err)
			}
		}
	}
}

// peekHostname extracts the "hostname" field from the signed message's JSON
// payload (the middle '|'-delimited field) without running full HMAC
// validation, so the right secret can be looked up first.
func peekHostname(raw string) (string, bool) {
	fields := splitThree(raw)
	if fields == nil {
		return "", false
	}

	var partial struct {
		Hostname string `json:"hostname"`
	}
	if err := json.Unmarshal([]byte(fields[1]), &partial); err != nil {
		return "", false
	}
	if partial.Hostname == "" {
		return "", false
	}
	return partial.Hostname, true
}

// splitThree splits on '|' into exactly three fields, or returns nil.
func splitThree(raw string) []string {
	fields := strings.Split(raw, "|")
	if len(fields) != 3 {
		return nil
	}
	return fields
}
