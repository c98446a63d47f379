package server

import (
	"context"
	"net/http"
	"strings"
)

// APIKeyHeader is an alternative to a bearer token.
const APIKeyHeader = "X-API-Key"

type credentialsKey struct{}

// CredentialsMiddleware extracts the caller's credentials from the
// Authorization bearer token or the X-API-Key header. It never rejects: a
// request without credentials runs as the anonymous identity and the tool
// pipeline decides what that identity may do.
func CredentialsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(APIKeyHeader)
		if auth := r.Header.Get("Authorization"); auth != "" {
			token = strings.TrimSpace(auth)
			if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), credentialsKey{}, token)))
	})
}

// Credentials returns the credentials presented with the request, or "".
func Credentials(ctx context.Context) string {
	token, _ := ctx.Value(credentialsKey{}).(string)
	return token
}
