// Package auth resolves the configured auth mode and drives the
// login/callback/session-cookie lifecycle that guards the HTTP surface
// (C5): Disabled, Static Token, OIDC Authorization-Code+PKCE, and External
// (delegated to an upstream reverse proxy).
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/shuthost/shuthost/internal/config"
)

// Mode identifies which of the four closed auth variants is active.
type Mode int

const (
	Disabled Mode = iota
	Token
	OIDC
	External
)

func (m Mode) String() string {
	switch m {
	case Token:
		return "token"
	case OIDC:
		return "oidc"
	case External:
		return "external"
	default:
		return "disabled"
	}
}

// Runtime is the resolved, ready-to-serve auth configuration: exactly one
// of its mode-specific fields is meaningful, selected by Mode.
type Runtime struct {
	Mode Mode

	// Token mode.
	StaticToken string

	// OIDC mode.
	OIDC *OIDCConfig

	// External mode.
	ExceptionsVersion uint32

	// CookieSecret signs every cookie this runtime issues (session and
	// transient), regardless of mode, so transient OIDC cookies work even
	// before a mode-specific session exists.
	CookieSecret []byte

	log *slog.Logger
}

// OIDCConfig is the provider configuration needed to build an oauth2 client
// and verify id_tokens.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// SecretStore optionally persists a generated cookie signing secret so it
// survives process restarts; without one, a secret is regenerated (and
// logged once) on every start, invalidating prior sessions.
type SecretStore interface {
	GetKV(key string) (value string, ok bool, err error)
	SetKV(key, value string) error
}

const (
	cookieSecretKVKey = "cookie_secret"
	authTokenKVKey    = "auth_token"
)

// Resolve builds a Runtime from the loaded [server.auth] table. store may
// be nil (no durable backing configured).
func Resolve(cfg config.AuthConfig, store SecretStore) (*Runtime, error) {
	secret, err := resolveCookieSecret(cfg.CookieSecret, store)
	if err != nil {
		return nil, fmt.Errorf("resolve cookie secret: %w", err)
	}

	log := slog.Default().With("component", "auth")

	switch cfg.Mode {
	case config.AuthModeNone:
		log.Info("auth mode resolved", "mode", "disabled")
		return &Runtime{Mode: Disabled, CookieSecret: secret, log: log}, nil

	case config.AuthModeToken:
		token, err := resolveStaticToken(cfg.Token, store, log)
		if err != nil {
			return nil, fmt.Errorf("resolve static token: %w", err)
		}
		log.Info("auth mode resolved", "mode", "token")
		return &Runtime{Mode: Token, StaticToken: token, CookieSecret: secret, log: log}, nil

	case config.AuthModeOIDC:
		if cfg.Issuer == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("oidc auth mode requires issuer, client_id, and client_secret")
		}
		log.Info("auth mode resolved", "mode", "oidc", "issuer", cfg.Issuer)
		return &Runtime{
			Mode: OIDC,
			OIDC: &OIDCConfig{
				Issuer:       cfg.Issuer,
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				Scopes:       cfg.Scopes,
			},
			CookieSecret: secret,
			log:          log,
		}, nil

	case config.AuthModeExternal:
		log.Info("auth mode resolved", "mode", "external", "exceptions_version", cfg.ExceptionsVersion)
		return &Runtime{Mode: External, ExceptionsVersion: cfg.ExceptionsVersion, CookieSecret: secret, log: log}, nil

	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func resolveCookieSecret(configured string, store SecretStore) ([]byte, error) {
	if configured != "" {
		secret, err := base64.StdEncoding.DecodeString(configured)
		if err != nil {
			return nil, fmt.Errorf("decode cookie_secret: %w", err)
		}
		return secret, nil
	}

	if store != nil {
		if existing, ok, err := store.GetKV(cookieSecretKVKey); err != nil {
			return nil, err
		} else if ok {
			secret, err := base64.StdEncoding.DecodeString(existing)
			if err != nil {
				return nil, fmt.Errorf("decode stored cookie_secret: %w", err)
			}
			return secret, nil
		}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	if store != nil {
		if err := store.SetKV(cookieSecretKVKey, base64.StdEncoding.EncodeToString(secret)); err != nil {
			return nil, err
		}
	} else {
		slog.Default().Warn("no durable store configured: generated cookie secret will not survive a restart")
	}

	return secret, nil
}

// resolveStaticToken returns the configured token verbatim, else loads a
// previously-generated one from store, else mints and persists a new one —
// mirroring resolveCookieSecret so a restart never invalidates an
// auto-generated credential that was never explicitly configured.
func resolveStaticToken(configured string, store SecretStore, log *slog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if store != nil {
		if existing, ok, err := store.GetKV(authTokenKVKey); err != nil {
			return "", err
		} else if ok {
			return existing, nil
		}
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	if store != nil {
		if err := store.SetKV(authTokenKVKey, token); err != nil {
			return "", err
		}
		log.Warn("no static token configured, generated and persisted one", "token", token)
	} else {
		log.Warn("no static token configured, generated one for this run (no durable store: will not survive a restart)", "token", token)
	}

	return token, nil
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func generateToken() (string, error) {
	out := make([]byte, 48)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenAlphabet))))
		if err != nil {
			return "", err
		}
		out[i] = tokenAlphabet[n.Int64()]
	}
	return string(out), nil
}
