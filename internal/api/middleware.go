package api

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// ClaimsFromContext returns the claims JWTMiddleware verified for the
// request, if any.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// LoadPublicKey reads a PEM-encoded RSA public key (PKCS#1 or PKIX) from path.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("api: read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("api: parse public key %q: %w", path, err)
	}
	return key, nil
}

// JWTMiddleware rejects requests that do not carry a valid RS256 token signed
// by pubKey. The token is taken from the Authorization Bearer header or, for
// WebSocket clients that cannot set headers, the access_token query
// parameter. Failures are logged to logger, get a 401 JSON error and next is
// not called. A nil logger uses slog.Default().
func JWTMiddleware(pubKey *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	keyFunc := func(*jwt.Token) (any, error) { return pubKey, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				logger.Warn("api: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims := &jwt.RegisteredClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				logger.Warn("api: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || tok == "" {
			return "", errors.New("malformed Authorization header")
		}
		return tok, nil
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, nil
	}
	return "", errors.New("missing bearer token")
}
