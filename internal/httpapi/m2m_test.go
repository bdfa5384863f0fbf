package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shuthost/shuthost/internal/codec"
	"github.com/shuthost/shuthost/internal/hoststatus"
	"github.com/shuthost/shuthost/internal/reconcile"
)

func m2mRequest(method, path, clientID, action, secret string, at time.Time) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Client-ID", clientID)
	req.Header.Set("X-Request", codec.Sign(action, secret, at))
	return req
}

func TestHandleM2MLeaseActionSyncSuccess(t *testing.T) {
	t.Parallel()
	srv, _, status, _, _ := newTestServer(t)
	status.pollOutcomes["web-1"] = nil

	req := m2mRequest(http.MethodPost, "/api/m2m/lease/web-1/take", "ci-runner", "take", "clientsecret", time.Now())
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "Lease taken, host is online" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestHandleM2MLeaseActionAsync(t *testing.T) {
	t.Parallel()
	srv, _, _, _, recon := newTestServer(t)

	req := m2mRequest(http.MethodPost, "/api/m2m/lease/web-1/release?async=true", "ci-runner", "release", "clientsecret", time.Now())
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "Lease released (async)" {
		t.Fatalf("body = %q", w.Body.String())
	}
	if len(recon.spawned) != 1 {
		t.Fatalf("spawned = %v, want one call", recon.spawned)
	}
}

func TestHandleM2MLeaseActionMissingClientID(t *testing.T) {
	t.Parallel()
	srv, _, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/m2m/lease/web-1/take", nil)
	req.Header.Set("X-Request", codec.Sign("take", "clientsecret", time.Now()))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleM2MLeaseActionUnknownClient(t *testing.T) {
	t.Parallel()
	srv, _, _, _, _ := newTestServer(t)

	req := m2mRequest(http.MethodPost, "/api/m2m/lease/web-1/take", "ghost", "take", "whatever", time.Now())
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleM2MLeaseActionInvalidHMAC(t *testing.T) {
	t.Parallel()
	srv, _, _, _, _ := newTestServer(t)

	req := m2mRequest(http.MethodPost, "/api/m2m/lease/web-1/take", "ci-runner", "take", "wrongsecret", time.Now())
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleM2MLeaseActionStaleTimestamp(t *testing.T) {
	t.Parallel()
	srv, _, _, _, _ := newTestServer(t)

	req := m2mRequest(http.MethodPost, "/api/m2m/lease/web-1/take", "ci-runner", "take", "clientsecret", time.Now().Add(-time.Hour))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleM2MLeaseActionMismatchedAction(t *testing.T) {
	t.Parallel()
	srv, _, _, _, _ := newTestServer(t)

	// Signed payload says "release" but the path says "take".
	req := m2mRequest(http.MethodPost, "/api/m2m/lease/web-1/take", "ci-runner", "release", "clientsecret", time.Now())
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleM2MLeaseActionSyncControlErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		kind    reconcile.ErrorKind
		wantErr int
	}{
		{"not found", reconcile.NotFound, http.StatusNotFound},
		{"timeout", reconcile.Timeout, http.StatusGatewayTimeout},
		{"operation failed", reconcile.OperationFailed, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, _, _, _, recon := newTestServer(t)
			recon.handleErr = &reconcile.ControlError{Kind: tc.kind, Host: "web-1", Desired: hoststatus.Online}

			req := m2mRequest(http.MethodPost, "/api/m2m/lease/web-1/take", "ci-runner", "take", "clientsecret", time.Now())
			w := httptest.NewRecorder()
			srv.Router().ServeHTTP(w, req)

			if w.Code != tc.wantErr {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantErr)
			}
		})
	}
}
