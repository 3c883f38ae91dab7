package middleware

import (
	"context"
	"net/http"

	"teenlancer/internal/auth"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxClaims    ctxKey = "claims"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, ctxClaims, c)
}

func Claims(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(ctxClaims).(*auth.Claims)
	return c, ok && c != nil
}

// SecurityHeaders fits the JSON API and the small server-rendered approval
// page, which only uses inline styles.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; style-src 'unsafe-inline'; img-src 'self' data:; form-action 'self'; frame-ancestors 'none'; base-uri 'none'")
		next.ServeHTTP(w, r)
	})
}
