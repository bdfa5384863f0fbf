package auth

import (
	"net/http"
	"strings"
)

// Middleware enforces the resolved auth mode on every request it wraps.
// An unauthenticated request either redirects to /login (browser clients,
// detected via Accept: text/html) or gets a bare 401 (API/M2M clients).
func (r *Runtime) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.Authenticated(req) {
			next.ServeHTTP(w, req)
			return
		}

		if !wantsHTML(req) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		secure := IsSecureContext(req)
		r.RememberReturnTo(w, secure, req.URL.RequestURI())

		loginPath := "/login"
		if r.Mode == OIDC {
			loginPath = "/oidc/login"
		}
		http.Redirect(w, req, loginPath, http.StatusTemporaryRedirect)
	})
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
