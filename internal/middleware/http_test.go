package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"teenlancer/internal/auth"
	"teenlancer/internal/models"
	"teenlancer/internal/rate"
)

func TestClientIPTrustProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.5")

	if got := ClientIP(r, false); got != "10.0.0.5" {
		t.Fatalf("unexpected direct IP: %s", got)
	}
	if got := ClientIP(r, true); got != "1.2.3.4" {
		t.Fatalf("unexpected proxied IP: %s", got)
	}
}

func TestAuthnRequiresValidBearer(t *testing.T) {
	issuer := auth.NewIssuer("0123456789abcdef0123456789abcdef", time.Hour)
	var seen *auth.Claims
	h := Authn(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Claims(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rr.Code)
	}

	tok, err := issuer.Issue("teen-1", "teen@example.com", models.RoleTeen)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || seen == nil || seen.UserID() != "teen-1" || seen.Role != models.RoleTeen {
		t.Fatalf("valid token: code=%d claims=%+v", rr.Code, seen)
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	h := RateLimit(rate.NewLimiter(), "signup", 1, time.Minute, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "9.9.9.9:1000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i+1, want, rr.Code)
		}
		if want == http.StatusTooManyRequests && rr.Header().Get("Retry-After") == "" {
			t.Fatalf("missing Retry-After header")
		}
	}
}
