package auth

import (
	"net/http"
	"time"
)

const oidcCallbackPath = "/oidc/callback"

// LoginGet serves the static token-entry form (Token mode), or bounces
// straight to the provider/home (OIDC/Disabled mode) if already signed in.
func (r *Runtime) LoginGet(w http.ResponseWriter, req *http.Request) {
	switch r.Mode {
	case Token:
		if r.Authenticated(req) {
			http.Redirect(w, req, "/", http.StatusFound)
			return
		}
		errMsg := ""
		if req.URL.Query().Get("error") != "" {
			errMsg = "<p style='color:#b00'>Invalid token. Please try again.</p>"
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(loginFormHTML(errMsg)))

	case OIDC:
		if r.Authenticated(req) {
			http.Redirect(w, req, "/", http.StatusFound)
			return
		}
		http.Redirect(w, req, "/oidc/login", http.StatusTemporaryRedirect)

	default:
		http.Redirect(w, req, "/", http.StatusTemporaryRedirect)
	}
}

func loginFormHTML(errMsg string) string {
	return `<html><head><title>Login</title></head><body style="font-family:sans-serif">` +
		`<h1>Login</h1>` + errMsg +
		`<form method="post"><label>Access Token ` +
		`<input name="token" type="password" autofocus required /></label>` +
		`<button type="submit">Login</button></form></body></html>`
}

// LoginPost validates a submitted static token and, on success, issues a
// token_session cookie and redirects to the remembered return_to path.
func (r *Runtime) LoginPost(w http.ResponseWriter, req *http.Request) {
	if r.Mode != Token {
		http.Redirect(w, req, "/login?error="+ErrorUnknown, http.StatusFound)
		return
	}

	if err := req.ParseForm(); err != nil {
		http.Redirect(w, req, "/login?error="+ErrorToken, http.StatusFound)
		return
	}
	token := req.PostFormValue("token")
	if !constantTimeEqual(token, r.StaticToken) {
		http.Redirect(w, req, "/login?error="+ErrorToken, http.StatusFound)
		return
	}

	secure := IsSecureContext(req)
	if !secure {
		http.Redirect(w, req, "/login?error="+ErrorInsecure, http.StatusFound)
		return
	}

	r.IssueTokenSession(w, secure, token)
	returnTo := r.ConsumeReturnTo(w, req, secure)
	http.Redirect(w, req, returnTo, http.StatusFound)
}

// Logout clears whichever session cookie is active and redirects to /login.
func (r *Runtime) Logout(w http.ResponseWriter, req *http.Request) {
	r.ClearSession(w, IsSecureContext(req))
	http.Redirect(w, req, "/login", http.StatusFound)
}

// OIDCLogin builds a fresh authorization URL and stamps the state/nonce/
// pkce_verifier transient cookies consumed by OIDCCallback.
func (r *Runtime) OIDCLogin(w http.ResponseWriter, req *http.Request) {
	if r.Mode != OIDC {
		http.Redirect(w, req, "/", http.StatusTemporaryRedirect)
		return
	}

	secure := IsSecureContext(req)
	if !secure {
		http.Redirect(w, req, "/login?error="+ErrorInsecure, http.StatusTemporaryRedirect)
		return
	}

	if r.Authenticated(req) {
		http.Redirect(w, req, r.ConsumeReturnTo(w, req, secure), http.StatusFound)
		return
	}

	client, err := buildOIDCClient(req.Context(), r.OIDC, requestOrigin(req)+oidcCallbackPath)
	if err != nil {
		r.log.Error("failed to build oidc client", "error", err)
		http.Error(w, "oidc setup failed", http.StatusInternalServerError)
		return
	}

	state, err := randomURLSafeString(24)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	nonce, err := randomURLSafeString(24)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	verifier := generatePKCEVerifier()

	r.stampTransient(w, secure, cookieOIDCState, purposeOIDCState, state)
	r.stampTransient(w, secure, cookieOIDCNonce, purposeOIDCNonce, nonce)
	r.stampTransient(w, secure, cookieOIDCPKCE, purposeOIDCPKCE, verifier)

	http.Redirect(w, req, client.AuthCodeURL(state, nonce, verifier), http.StatusFound)
}

// OIDCCallback verifies the provider's state + exchanges the code for an
// id_token, issuing an oidc_session cookie on success.
func (r *Runtime) OIDCCallback(w http.ResponseWriter, req *http.Request) {
	if r.Mode != OIDC {
		http.Redirect(w, req, "/", http.StatusTemporaryRedirect)
		return
	}

	secure := IsSecureContext(req)
	q := req.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		r.log.Warn("oidc provider returned an error", "error", providerErr, "description", q.Get("error_description"))
		r.clearOIDCTransients(w, secure)
		http.Redirect(w, req, "/login?error="+ErrorOIDC, http.StatusFound)
		return
	}

	stateCookie, stateOK := r.readTransient(req, cookieOIDCState, purposeOIDCState)
	if !stateOK || q.Get("state") == "" || stateCookie != q.Get("state") {
		r.log.Warn("oidc callback state mismatch or missing")
		r.clearOIDCTransients(w, secure)
		http.Redirect(w, req, "/login?error="+ErrorOIDC, http.StatusFound)
		return
	}

	code := q.Get("code")
	if code == "" {
		r.clearOIDCTransients(w, secure)
		http.Redirect(w, req, "/login?error="+ErrorOIDC, http.StatusFound)
		return
	}

	verifier, _ := r.readTransient(req, cookieOIDCPKCE, purposeOIDCPKCE)
	nonce, _ := r.readTransient(req, cookieOIDCNonce, purposeOIDCNonce)

	result, err := exchangeWithRetry(req.Context(), r.OIDC, requestOrigin(req)+oidcCallbackPath, code, verifier, nonce)
	if err != nil {
		r.log.Error("oidc token exchange/verification failed", "error", err)
		r.clearOIDCTransients(w, secure)
		http.Redirect(w, req, "/login?error="+ErrorOIDC, http.StatusFound)
		return
	}

	r.clearOIDCTransients(w, secure)
	r.IssueOIDCSession(w, secure, result.Subject, result.ExpiresAt)

	returnTo := r.ConsumeReturnTo(w, req, secure)
	http.Redirect(w, req, returnTo, http.StatusFound)
}

func (r *Runtime) stampTransient(w http.ResponseWriter, secure bool, cookieName, purpose, value string) {
	exp := time.Now().Add(transientCookieTTL)
	signed, err := r.sign(purpose, value, "", exp)
	if err != nil {
		return
	}
	r.setCookie(w, secure, cookieName, signed, exp)
}

func (r *Runtime) readTransient(req *http.Request, cookieName, purpose string) (string, bool) {
	raw, ok := readCookie(req, cookieName)
	if !ok {
		return "", false
	}
	c, valid := r.verify(raw, purpose)
	if !valid {
		return "", false
	}
	return c.Sub, true
}

func (r *Runtime) clearOIDCTransients(w http.ResponseWriter, secure bool) {
	r.clearCookie(w, secure, cookieOIDCState)
	r.clearCookie(w, secure, cookieOIDCNonce)
	r.clearCookie(w, secure, cookieOIDCPKCE)
}

func requestOrigin(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if IsSecureContext(r) {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	return proto + "://" + host
}
