package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"
)

// Session ttl per mode, per the resource model's fixed timeout table.
const (
	tokenSessionTTL   = 8 * time.Hour
	oidcSessionMaxTTL = 7 * 24 * time.Hour
)

const (
	purposeTokenSession = "token_session"
	purposeOIDCSession  = "oidc_session"
	purposeOIDCState    = "oidc_state"
	purposeOIDCNonce    = "oidc_nonce"
	purposeOIDCPKCE     = "oidc_pkce"
	purposeReturnTo     = "return_to"
)

// IssueTokenSession stamps a token_session cookie: the session carries a
// sha256 of the token rather than the token itself, so a leaked session
// cookie never discloses the static credential.
func (r *Runtime) IssueTokenSession(w http.ResponseWriter, secure bool, token string) {
	hash := sha256.Sum256([]byte(token))
	expiresAt := time.Now().Add(tokenSessionTTL)
	signed, err := r.sign(purposeTokenSession, "", hex.EncodeToString(hash[:]), expiresAt)
	if err != nil {
		r.log.Error("failed to sign token session", "error", err)
		return
	}
	r.setCookie(w, secure, cookieSession, signed, expiresAt)
}

// IssueOIDCSession stamps an oidc_session cookie from a validated
// id_token's subject and expiry, capped at oidcSessionMaxTTL regardless of
// what the provider asked for.
func (r *Runtime) IssueOIDCSession(w http.ResponseWriter, secure bool, sub string, providerExpiresAt time.Time) {
	capped := time.Now().Add(oidcSessionMaxTTL)
	expiresAt := providerExpiresAt
	if expiresAt.After(capped) {
		expiresAt = capped
	}
	signed, err := r.sign(purposeOIDCSession, sub, "", expiresAt)
	if err != nil {
		r.log.Error("failed to sign oidc session", "error", err)
		return
	}
	r.setCookie(w, secure, cookieSession, signed, expiresAt)
}

// Authenticated reports whether r carries a valid, unexpired session (or,
// in Token mode, a matching Bearer/cookie token) for the active mode.
func (r *Runtime) Authenticated(req *http.Request) bool {
	switch r.Mode {
	case Disabled:
		return true

	case Token:
		if bearer, ok := bearerToken(req); ok && constantTimeEqual(bearer, r.StaticToken) {
			return true
		}
		if cookie, ok := readCookie(req, cookieToken); ok && constantTimeEqual(cookie, r.StaticToken) {
			return true
		}
		if raw, ok := readCookie(req, cookieSession); ok {
			if c, valid := r.verify(raw, purposeTokenSession); valid {
				staticHash := sha256.Sum256([]byte(r.StaticToken))
				if constantTimeEqual(c.TokenHash, hex.EncodeToString(staticHash[:])) {
					return true
				}
			}
		}
		return false

	case OIDC:
		raw, ok := readCookie(req, cookieSession)
		if !ok {
			return false
		}
		_, valid := r.verify(raw, purposeOIDCSession)
		return valid

	case External:
		return true

	default:
		return false
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ClearSession removes whichever session cookie the active mode uses.
func (r *Runtime) ClearSession(w http.ResponseWriter, secure bool) {
	r.clearCookie(w, secure, cookieToken)
	r.clearCookie(w, secure, cookieSession)
}

// RememberReturnTo stamps a short-lived signed cookie carrying the path the
// user was trying to reach, consumed once login completes.
func (r *Runtime) RememberReturnTo(w http.ResponseWriter, secure bool, path string) {
	expiresAt := time.Now().Add(transientCookieTTL)
	signed, err := r.sign(purposeReturnTo, path, "", expiresAt)
	if err != nil {
		return
	}
	r.setCookie(w, secure, cookieReturnTo, signed, expiresAt)
}

// ConsumeReturnTo reads and clears the return-to cookie, defaulting to "/".
func (r *Runtime) ConsumeReturnTo(w http.ResponseWriter, req *http.Request, secure bool) string {
	defer r.clearCookie(w, secure, cookieReturnTo)

	raw, ok := readCookie(req, cookieReturnTo)
	if !ok {
		return "/"
	}
	c, valid := r.verify(raw, purposeReturnTo)
	if !valid || c.Sub == "" {
		return "/"
	}
	return c.Sub
}
