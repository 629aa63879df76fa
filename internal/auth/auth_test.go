package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signRS(t *testing.T, key *rsa.PrivateKey, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		Name: "Test User",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestVerifyRS256(t *testing.T) {
	key := newKey(t)
	v, err := NewVerifier(&key.PublicKey, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	claims, err := v.Verify(signRS(t, key, "user-1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if claims.Subject != "user-1" || claims.Name != "Test User" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	v, _ := NewVerifier(&key.PublicKey, nil)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"})
	hsStr, _ := hs.SignedString([]byte("secret"))

	cases := map[string]string{
		"empty":       "",
		"garbage":     "not.a.token",
		"expired":     signRS(t, key, "user-1", time.Now().Add(-time.Minute)),
		"wrong key":   signRS(t, other, "user-1", time.Now().Add(time.Hour)),
		"no subject":  signRS(t, key, "", time.Now().Add(time.Hour)),
		"hs256 unset": hsStr,
	}
	for name, tok := range cases {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestVerifyHS256Secret(t *testing.T) {
	v, err := NewVerifier(nil, []byte("secret"))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-2"})
	s, _ := tok.SignedString([]byte("secret"))
	id, err := v.UserID(t.Context(), s)
	if err != nil || id != "user-2" {
		t.Fatalf("expected user-2, got %q err=%v", id, err)
	}
}

func TestNewVerifierNeedsKey(t *testing.T) {
	if _, err := NewVerifier(nil, nil); err == nil {
		t.Fatalf("expected error without key material")
	}
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	v, _ := NewVerifier(&key.PublicKey, nil)
	var seen string
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context()).Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signRS(t, key, "user-3", time.Now().Add(time.Hour)))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || seen != "user-3" {
		t.Fatalf("expected pass-through for user-3, got %d %q", rr.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "bogus"})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad cookie token, got %d", rr.Code)
	}
}
