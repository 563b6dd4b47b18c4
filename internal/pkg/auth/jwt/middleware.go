package jwt

import (
	"context"
	"net/http"
	"strings"

	"chatrelay/internal/pkg/logx"
)

type contextKey string

// ContextAuthPayloadKey is the request context key holding the verified *Payload.
const ContextAuthPayloadKey contextKey = "auth_payload"

// TokenQueryParam carries the token on websocket handshakes, where browsers cannot set headers.
const TokenQueryParam = "token"

// IdentityExtractorMiddleware validates a token from the Authorization header (or the
// token query parameter) and stores its Payload in the request context.
// It never rejects a request; handlers decide whether an identity is required.
func IdentityExtractorMiddleware(secretKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractToken(r)
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			payload, err := ParseToken(tokenString, secretKey)
			if err != nil {
				logx.Warn("Invalid or expired JWT provided, treating as anonymous", "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), ContextAuthPayloadKey, payload)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	return r.URL.Query().Get(TokenQueryParam)
}

// GetPayloadFromContext returns the verified Payload, or nil for anonymous requests.
func GetPayloadFromContext(r *http.Request) *Payload {
	payload, ok := r.Context().Value(ContextAuthPayloadKey).(*Payload)
	if !ok {
		return nil
	}
	return payload
}
