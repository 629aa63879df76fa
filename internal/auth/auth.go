package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the access token claims issued by the account service. The
// voice platform's account linking hands us the same tokens.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks RS256 tokens against a public key and, when configured,
// HS256 tokens against a shared secret.
type Verifier struct {
	pubKey  *rsa.PublicKey
	secret  []byte
	methods []string
}

func NewVerifier(pubKey *rsa.PublicKey, secret []byte) (*Verifier, error) {
	v := &Verifier{pubKey: pubKey, secret: secret}
	if pubKey != nil {
		v.methods = append(v.methods, jwt.SigningMethodRS256.Alg())
	}
	if len(secret) > 0 {
		v.methods = append(v.methods, jwt.SigningMethodHS256.Alg())
	}
	if len(v.methods) == 0 {
		return nil, errors.New("no jwt public key or secret configured")
	}
	return v, nil
}

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(keyData)
}

// Verify parses and validates a raw token. Every failure is reported as
// ErrInvalidToken.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFor, jwt.WithValidMethods(v.methods))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

func (v *Verifier) keyFor(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA:
		if v.pubKey != nil {
			return v.pubKey, nil
		}
	case *jwt.SigningMethodHMAC:
		if len(v.secret) > 0 {
			return v.secret, nil
		}
	}
	return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
}

// UserID resolves a bearer token to the user id carried in its subject.
func (v *Verifier) UserID(_ context.Context, token string) (string, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

type contextKey string

const claimsKey contextKey = "claims"

// Middleware validates the request's bearer token and stores the claims in
// the request context.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := ExtractToken(r)
			if tokenStr == "" {
				writeError(w, http.StatusUnauthorized, "missing token")
				return
			}
			claims, err := v.Verify(tokenStr)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// ExtractToken reads the Authorization header, then the auth_token cookie
// used by browser websocket clients.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "code": status})
}
