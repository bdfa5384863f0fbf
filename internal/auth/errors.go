package auth

// Login error taxonomy: the query-string value appended to
// /login?error=<key>. Rendered only as a redirect target, never as a
// stack trace to the client.
const (
	ErrorInsecure       = "insecure"
	ErrorToken          = "token"
	ErrorOIDC           = "oidc"
	ErrorSessionExpired = "session_expired"
	ErrorUnknown        = "unknown"
)
