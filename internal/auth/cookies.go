package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Cookie names. Distinct names per concern so a stale cookie from a
// previous auth mode is simply ignored rather than misread.
const (
	cookieToken     = "shuthost_token"
	cookieSession   = "shuthost_session"
	cookieOIDCState = "shuthost_oidc_state"
	cookieOIDCNonce = "shuthost_oidc_nonce"
	cookieOIDCPKCE  = "shuthost_oidc_pkce"
	cookieReturnTo  = "shuthost_return_to"
)

// transientCookieTTL bounds the OIDC state/nonce/pkce_verifier/return_to
// cookies: they only need to survive one redirect round trip to the
// provider and back.
const transientCookieTTL = 10 * time.Minute

// claims is the signed payload carried by every cookie this package
// issues. purpose scopes a signature to its cookie so a state cookie can
// never be replayed as a session cookie even though both are HS256 JWTs
// under the same secret.
type claims struct {
	jwt.RegisteredClaims
	Purpose   string `json:"purpose"`
	Sub       string `json:"sub,omitempty"`
	TokenHash string `json:"token_hash,omitempty"`
}

func (r *Runtime) sign(purpose, sub, tokenHash string, expiresAt time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Purpose:   purpose,
		Sub:       sub,
		TokenHash: tokenHash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(r.CookieSecret)
}

// verify parses raw as a signed claims token, rejecting anything whose
// purpose doesn't match, whose signature doesn't check out, or whose exp
// has passed (jwt.ParseWithClaims enforces expiry on its own).
func (r *Runtime) verify(raw, purpose string) (*claims, bool) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method)
		}
		return r.CookieSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}
	if c.Purpose != purpose {
		return nil, false
	}
	return &c, true
}

func (r *Runtime) setCookie(w http.ResponseWriter, secure bool, name, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (r *Runtime) clearCookie(w http.ResponseWriter, secure bool, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func readCookie(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}
