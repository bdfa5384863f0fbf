package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := Resolve(testConfig(), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return rt
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	rt := testRuntime(t)
	signed, err := rt.sign(purposeTokenSession, "", "somehash", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, ok := rt.verify(signed, purposeTokenSession)
	if !ok {
		t.Fatal("verify rejected a freshly signed token")
	}
	if claims.TokenHash != "somehash" {
		t.Fatalf("TokenHash = %q, want somehash", claims.TokenHash)
	}
}

func TestVerifyRejectsPurposeMismatch(t *testing.T) {
	t.Parallel()

	rt := testRuntime(t)
	signed, err := rt.sign(purposeOIDCState, "state-value", "", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, ok := rt.verify(signed, purposeOIDCSession); ok {
		t.Fatal("verify accepted a token signed for a different purpose")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	rt := testRuntime(t)
	signed, err := rt.sign(purposeTokenSession, "", "h", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, ok := rt.verify(signed, purposeTokenSession); ok {
		t.Fatal("verify accepted an expired token")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	t.Parallel()

	rt := testRuntime(t)
	signed, err := rt.sign(purposeTokenSession, "", "h", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := signed[:len(signed)-1] + "x"
	if _, ok := rt.verify(tampered, purposeTokenSession); ok {
		t.Fatal("verify accepted a tampered signature")
	}
}

func TestVerifyRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	t.Parallel()

	rt1 := testRuntime(t)
	rt2 := testRuntime(t)

	signed, err := rt1.sign(purposeTokenSession, "", "h", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, ok := rt2.verify(signed, purposeTokenSession); ok {
		t.Fatal("verify accepted a token signed under a different runtime's secret")
	}
}

func TestSetAndReadCookie(t *testing.T) {
	t.Parallel()

	rt := testRuntime(t)
	rec := httptest.NewRecorder()
	rt.setCookie(rec, true, cookieSession, "value-here", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(rec.Result().Cookies()[0])

	val, ok := readCookie(req, cookieSession)
	if !ok || val != "value-here" {
		t.Fatalf("readCookie = (%q, %v), want (value-here, true)", val, ok)
	}

	resultCookie := rec.Result().Cookies()[0]
	if !resultCookie.Secure || !resultCookie.HttpOnly {
		t.Fatalf("cookie attributes = %+v, want Secure+HttpOnly", resultCookie)
	}
	if resultCookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("SameSite = %v, want Strict", resultCookie.SameSite)
	}
}

func TestClearCookieExpiresImmediately(t *testing.T) {
	t.Parallel()

	rt := testRuntime(t)
	rec := httptest.NewRecorder()
	rt.clearCookie(rec, true, cookieSession)

	c := rec.Result().Cookies()[0]
	if c.MaxAge >= 0 {
		t.Fatalf("MaxAge = %d, want negative", c.MaxAge)
	}
}
