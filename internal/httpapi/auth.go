package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/dgrijalva/jwt-go"
)

type ctxKey string

const ctxUserIDKey ctxKey = "httpapi.user_id"

// publicPaths never require a bearer token.
var publicPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// claims is the minimal bearer-token shape the ops surface accepts: a
// subject identifying the caller's user id, standard exp/iat.
type claims struct {
	jwt.StandardClaims
}

// wrapWithAuth validates a Bearer JWT signed with an HMAC method
// (HS256, HS384 or HS512) against the
// configured signing key and injects the token subject as the request's
// user id. Requests to publicPaths bypass the check.
func wrapWithAuth(next http.Handler, signingKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if signingKey == "" {
			unauthorized(w, "authentication not configured")
			return
		}
		token := extractBearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			unauthorized(w, "missing bearer token")
			return
		}
		parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(signingKey), nil
		})
		if err != nil || !parsed.Valid {
			unauthorized(w, "invalid bearer token")
			return
		}
		c := parsed.Claims.(*claims)
		if c.Subject == "" {
			unauthorized(w, "token missing subject")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserIDKey, c.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// userIDFromContext returns the bearer token subject injected by
// wrapWithAuth.
func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserIDKey).(string)
	return id
}

// wrapWithCORS allows the operational dashboard, served from a separate
// origin, to call the ops surface directly.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
