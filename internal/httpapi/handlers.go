package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shuthost/shuthost/internal/leasestore"
	"github.com/shuthost/shuthost/internal/metrics"
	"github.com/shuthost/shuthost/internal/reconcile"
	"github.com/shuthost/shuthost/openapi"
)

// serveOpenAPISpec serves the bundled OpenAPI contract document verbatim.
func serveOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(openapi.Raw())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// handleHostsStatus serves GET /api/hosts_status: a hostname -> "online"/
// "offline" snapshot over every configured host.
func (s *Server) handleHostsStatus(w http.ResponseWriter, r *http.Request) {
	status := s.status.Snapshot()
	out := make(map[string]string, len(status))
	for host, state := range status {
		out[host] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}

// leaseActionFromPath validates the {action} path parameter, shared by the
// web and M2M lease routes.
func leaseActionFromPath(r *http.Request) (take bool, ok bool) {
	switch chi.URLParam(r, "action") {
	case "take":
		return true, true
	case "release":
		return false, true
	default:
		return false, false
	}
}

// handleWebLeaseAction serves POST /api/lease/{host}/{take|release}: the
// web UI always mutates asynchronously, returning immediately regardless
// of whether the host actually reaches the desired state.
func (s *Server) handleWebLeaseAction(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	take, ok := leaseActionFromPath(r)
	if !ok {
		writeText(w, http.StatusBadRequest, "Invalid action")
		return
	}

	source := leasestore.WebInterface()
	if err := s.mutateLease(host, source, take); err != nil {
		writeText(w, http.StatusInternalServerError, "Failed to update lease")
		return
	}

	snap := s.leases.Snapshot()
	s.recon.SpawnHandleHostState(context.Background(), host, snap[host])

	if take {
		writeText(w, http.StatusOK, "Lease taken (async)")
	} else {
		writeText(w, http.StatusOK, "Lease released (async)")
	}
}

// handleResetClientLeases serves POST /api/reset_leases/{client}: purges
// every lease the named client holds across all hosts, then reconciles
// every host that actually lost a lease.
func (s *Server) handleResetClientLeases(w http.ResponseWriter, r *http.Request) {
	client := chi.URLParam(r, "client")

	before := s.leases.Snapshot()
	affected := hostsHoldingClientLease(before, client)

	if err := s.leases.PurgeClient(client); err != nil {
		writeText(w, http.StatusInternalServerError, "Failed to reset leases")
		return
	}
	metrics.RecordLeaseChange(string(leasestore.SourceClient), "purge")

	after := s.leases.Snapshot()
	for _, host := range affected {
		s.recon.SpawnHandleHostState(context.Background(), host, after[host])
	}

	writeText(w, http.StatusOK, "Leases reset")
}

func hostsHoldingClientLease(snap leasestore.Snapshot, client string) []string {
	source := leasestore.Client(client)
	var hosts []string
	for host, set := range snap {
		if _, ok := set[source]; ok {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

func (s *Server) mutateLease(host string, source leasestore.Source, take bool) error {
	action := "remove"
	var err error
	if take {
		action = "add"
		err = s.leases.Add(host, source)
	} else {
		err = s.leases.Remove(host, source)
	}
	if err == nil {
		metrics.RecordLeaseChange(string(source.Kind), action)
	}
	return err
}

// handleM2MLeaseAction serves POST /api/m2m/lease/{host}/{action}: a
// separately-authenticated path used by automation clients. Validation
// happens in m2mValidate; this handler only runs once the request has
// already been proven to hold a correctly-signed, matching action for a
// known client.
func (s *Server) handleM2MLeaseAction(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	take, ok := leaseActionFromPath(r)
	if !ok {
		writeText(w, http.StatusBadRequest, "Invalid action")
		return
	}

	clientID, action, verr := s.m2mValidate(r)
	if verr != nil {
		writeText(w, verr.status, verr.message)
		return
	}
	if (action == "take") != take {
		writeText(w, http.StatusBadRequest, "Action mismatch")
		return
	}

	source := leasestore.Client(clientID)
	if err := s.mutateLease(host, source, take); err != nil {
		writeText(w, http.StatusInternalServerError, "Failed to update lease")
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	leaseSet := s.leases.Snapshot()[host]

	if async {
		s.recon.SpawnHandleHostState(context.Background(), host, leaseSet)
		if take {
			writeText(w, http.StatusOK, "Lease taken (async)")
		} else {
			writeText(w, http.StatusOK, "Lease released (async)")
		}
		return
	}

	if err := s.recon.HandleHostState(r.Context(), host, leaseSet); err != nil {
		s.writeControlError(w, err)
		return
	}
	if take {
		writeText(w, http.StatusOK, "Lease taken, host is online")
	} else {
		writeText(w, http.StatusOK, "Lease released, host is offline")
	}
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	ctrlErr, ok := err.(*reconcile.ControlError)
	if !ok {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch ctrlErr.Kind {
	case reconcile.NotFound:
		writeText(w, http.StatusNotFound, "Unknown host")
	case reconcile.Timeout:
		writeText(w, http.StatusGatewayTimeout, "Timed out waiting for host to reach desired state")
	default:
		writeText(w, http.StatusInternalServerError, "Operation failed")
	}
}
