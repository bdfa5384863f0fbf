package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/hoststatus"
	"github.com/shuthost/shuthost/internal/leasestore"
	"github.com/shuthost/shuthost/internal/metrics"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin browser dashboard only; no cross-origin WS clients are
	// part of this surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the JSON-discriminated envelope every outbound frame uses.
type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsInitial struct {
	Hosts   map[string]hostView   `json:"hosts"`
	Clients map[string]struct{}  `json:"clients"`
	Status  map[string]string    `json:"status"`
	Leases  map[string][]string  `json:"leases"`
}

type hostView struct {
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
	Port uint16 `json:"port"`
}

type wsHostStatus struct {
	Host  string `json:"host"`
	State string `json:"state"`
}

type wsLeaseUpdate struct {
	Host   string   `json:"host"`
	Leases []string `json:"leases"`
}

type wsConfigChanged struct {
	Hosts   map[string]hostView `json:"hosts"`
	Clients map[string]struct{} `json:"clients"`
}

// handleWS serves GET /ws: after upgrading, it sends one Initial snapshot
// built fresh (never a stale bootstrap captured before the upgrade), then
// streams HostStatus/LeaseUpdate/ConfigChanged deltas for the life of the
// connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Each connection gets its own correlation ID so concurrent dashboard
	// sessions can be told apart in the logs.
	connLog := s.log.With("ws_conn", uuid.NewString())

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	var writeMu sync.Mutex
	writeFrame := func(frame wsFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(frame)
	}

	if err := writeFrame(wsFrame{Type: "Initial", Data: s.buildInitial()}); err != nil {
		logWriteError(connLog, err)
		return
	}

	ctx := r.Context()

	statusCh, unsubStatus := s.status.Subscribe(8)
	defer unsubStatus()
	leaseCh, unsubLease := s.leases.Subscribe(8)
	defer unsubLease()
	cfgCh, unsubCfg := s.cfg.Subscribe(8)
	defer unsubCfg()

	// readLoop drains and discards inbound frames so the connection's read
	// deadline keeps advancing and a client-initiated close is observed
	// promptly; this endpoint is server-push only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			if err := s.pushStatus(writeFrame, status); err != nil {
				logWriteError(connLog, err)
				return
			}
		case snap, ok := <-leaseCh:
			if !ok {
				return
			}
			if err := s.pushLeases(writeFrame, snap); err != nil {
				logWriteError(connLog, err)
				return
			}
		case cfgSnap, ok := <-cfgCh:
			if !ok {
				return
			}
			hosts, clients := viewFromConfig(cfgSnap.Hosts, cfgSnap.Clients)
			if err := writeFrame(wsFrame{Type: "ConfigChanged", Data: wsConfigChanged{Hosts: hosts, Clients: clients}}); err != nil {
				logWriteError(connLog, err)
				return
			}
		}
	}
}

func (s *Server) pushStatus(writeFrame func(wsFrame) error, status hoststatus.Status) error {
	for host, state := range status {
		if err := writeFrame(wsFrame{Type: "HostStatus", Data: wsHostStatus{Host: host, State: state.String()}}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pushLeases(writeFrame func(wsFrame) error, snap leasestore.Snapshot) error {
	for host, set := range snap {
		names := make([]string, 0, len(set))
		for src := range set {
			names = append(names, src.String())
		}
		if err := writeFrame(wsFrame{Type: "LeaseUpdate", Data: wsLeaseUpdate{Host: host, Leases: names}}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) buildInitial() wsInitial {
	snap := s.cfg.Snapshot()
	hosts, clients := viewFromConfig(snap.Hosts, snap.Clients)

	status := s.status.Snapshot()
	statusOut := make(map[string]string, len(status))
	for host, state := range status {
		statusOut[host] = state.String()
	}

	leases := s.leases.Snapshot()
	leaseOut := make(map[string][]string, len(leases))
	for host, set := range leases {
		names := make([]string, 0, len(set))
		for src := range set {
			names = append(names, src.String())
		}
		leaseOut[host] = names
	}

	return wsInitial{Hosts: hosts, Clients: clients, Status: statusOut, Leases: leaseOut}
}

func viewFromConfig(hostsCfg map[string]config.HostConfig, clientsCfg map[string]config.ClientConfig) (map[string]hostView, map[string]struct{}) {
	hosts := make(map[string]hostView, len(hostsCfg))
	for name, h := range hostsCfg {
		hosts[name] = hostView{IP: h.IP, MAC: h.MAC, Port: h.Port}
	}
	clients := make(map[string]struct{}, len(clientsCfg))
	for name := range clientsCfg {
		clients[name] = struct{}{}
	}
	return hosts, clients
}

// logWriteError distinguishes an already-closed connection (routine, logged
// at info level) from a genuine write failure (logged at warn level).
func logWriteError(log *slog.Logger, err error) {
	if errors.Is(err, websocket.ErrCloseSent) || isNetClosedErr(err) {
		log.Info("websocket connection closed", "error", err)
		return
	}
	log.Warn("websocket write failed", "error", err)
}

func isNetClosedErr(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}
