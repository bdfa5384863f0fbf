package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// discoveryTimeout bounds the provider metadata + JWKS fetch that happens
// on every login and every callback (verify failures trigger one rebuild).
const discoveryTimeout = 10 * time.Second

// providerMetadata is the subset of the OIDC discovery document
// (.well-known/openid-configuration) this client needs.
type providerMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	Issuer                string `json:"issuer"`
}

// oidcClient is a just-in-time-built OIDC client: discovery + JWKS are
// fetched fresh on every build rather than cached across the process
// lifetime, so a verify failure can simply rebuild and retry once to
// absorb key rotation, matching the resource model's "refresh on verify
// failure" ownership note for the OIDC client.
type oidcClient struct {
	cfg      *OIDCConfig
	oauth2   *oauth2.Config
	jwks     *keyfunc.Keyfunc
	metadata providerMetadata
}

func buildOIDCClient(ctx context.Context, cfg *OIDCConfig, redirectURL string) (*oidcClient, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	meta, err := discover(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JWKSURI})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	return &oidcClient{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  meta.AuthorizationEndpoint,
				TokenURL: meta.TokenEndpoint,
			},
			RedirectURL: redirectURL,
			Scopes:      cfg.Scopes,
		},
		jwks:     jwks,
		metadata: meta,
	}, nil
}

func discover(ctx context.Context, issuer string) (providerMetadata, error) {
	url := issuer
	if len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	url += "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return providerMetadata{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return providerMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providerMetadata{}, fmt.Errorf("discovery document fetch returned %s", resp.Status)
	}

	var meta providerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return providerMetadata{}, fmt.Errorf("decode discovery document: %w", err)
	}
	return meta, nil
}

func randomURLSafeString(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AuthCodeURL builds the provider authorization URL for state/nonce/pkceVerifier.
func (c *oidcClient) AuthCodeURL(state, nonce, pkceVerifier string) string {
	return c.oauth2.AuthCodeURL(state,
		oauth2.S256ChallengeOption(pkceVerifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
}

// generatePKCEVerifier produces a fresh PKCE code verifier.
func generatePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// idTokenClaims is the subset of id_token claims this client checks.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce"`
}

// verifyIDToken checks signature (via JWKS), issuer, audience, expiry, and
// nonce, returning the verified claims.
func (c *oidcClient) verifyIDToken(rawIDToken, expectedNonce string) (*idTokenClaims, error) {
	var claims idTokenClaims
	token, err := jwt.ParseWithClaims(rawIDToken, &claims, c.jwks.Keyfunc,
		jwt.WithIssuer(c.metadata.Issuer),
		jwt.WithAudience(c.cfg.ClientID),
	)
	if err != nil {
		return nil, fmt.Errorf("parse id_token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("id_token failed validation")
	}
	if claims.Nonce == "" || claims.Nonce != expectedNonce {
		return nil, fmt.Errorf("id_token nonce mismatch")
	}
	return &claims, nil
}

// exchangeResult carries what the callback handler needs out of a
// successful code exchange + id_token verification.
type exchangeResult struct {
	Subject   string
	ExpiresAt time.Time
}

// exchangeCode redeems the single-use authorization code for a raw id_token.
// This must never be retried: a second POST of the same code is rejected by
// every provider.
func (c *oidcClient) exchangeCode(ctx context.Context, code, pkceVerifier string) (string, error) {
	token, err := c.oauth2.Exchange(ctx, code, oauth2.VerifierOption(pkceVerifier))
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", fmt.Errorf("token response missing id_token")
	}
	return rawIDToken, nil
}

// exchangeWithRetry redeems the authorization code exactly once, then
// verifies the resulting id_token. On verification failure it rebuilds the
// client to fetch a fresh JWKS (absorbing provider key rotation) and
// retries verification only — the code itself is never re-exchanged.
func exchangeWithRetry(ctx context.Context, cfg *OIDCConfig, redirectURL, code, pkceVerifier, expectedNonce string) (*exchangeResult, error) {
	client, err := buildOIDCClient(ctx, cfg, redirectURL)
	if err != nil {
		return nil, err
	}

	rawIDToken, err := client.exchangeCode(ctx, code, pkceVerifier)
	if err != nil {
		return nil, err
	}

	claims, err := client.verifyIDToken(rawIDToken, expectedNonce)
	if err != nil {
		client, rebuildErr := buildOIDCClient(ctx, cfg, redirectURL)
		if rebuildErr != nil {
			return nil, err
		}
		claims, err = client.verifyIDToken(rawIDToken, expectedNonce)
		if err != nil {
			return nil, err
		}
	}

	return &exchangeResult{
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
