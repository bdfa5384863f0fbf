package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/shuthost/shuthost/internal/codec"
)

// m2mError carries an HTTP status and a plain-text message to return for a
// failed M2M request.
type m2mError struct {
	status  int
	message string
}

func (e *m2mError) Error() string { return e.message }

// m2mValidate checks an M2M lease request's X-Client-ID and X-Request
// headers against the configured client roster, in the fixed order the
// wire contract requires: client header present, request header present
// and well-formed, client known, signature fresh and valid. It returns the
// client ID and the bare action payload ("take"/"release") carried by the
// signed request on success.
func (s *Server) m2mValidate(r *http.Request) (clientID, action string, err *m2mError) {
	clientID = r.Header.Get("X-Client-ID")
	if clientID == "" {
		return "", "", &m2mError{http.StatusBadRequest, "Missing X-Client-ID header"}
	}

	raw := r.Header.Get("X-Request")
	if raw == "" {
		return "", "", &m2mError{http.StatusBadRequest, "Missing X-Request header"}
	}
	if strings.Count(raw, "|") != 2 {
		return "", "", &m2mError{http.StatusBadRequest, "Invalid request format"}
	}

	snap := s.cfg.Snapshot()
	client, ok := snap.Clients[clientID]
	if !ok {
		return "", "", &m2mError{http.StatusForbidden, "Unknown client"}
	}

	validation := codec.Validate(raw, client.SharedSecret, time.Now())
	switch validation.Result {
	case codec.InvalidTimestamp:
		return "", "", &m2mError{http.StatusUnauthorized, "Timestamp out of range"}
	case codec.InvalidHmac:
		return "", "", &m2mError{http.StatusUnauthorized, "Invalid HMAC signature"}
	case codec.MalformedMessage:
		return "", "", &m2mError{http.StatusBadRequest, "Invalid request format"}
	}

	return clientID, validation.Payload, nil
}
