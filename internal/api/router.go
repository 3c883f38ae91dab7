package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"teenlancer/internal/auth"
	"teenlancer/internal/captcha"
	"teenlancer/internal/config"
	"teenlancer/internal/metrics"
	"teenlancer/internal/middleware"
	"teenlancer/internal/rate"
	"teenlancer/internal/realtime"
	"teenlancer/internal/service"
	"teenlancer/internal/util"
	"teenlancer/internal/version"
)

const maxBodyBytes = 64 << 10

// Probe is a named readiness check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	Issuer     *auth.Issuer
	Subscriber realtime.Subscriber
	Captcha    captcha.Verifier
	Probes     []Probe
	Log        logrus.FieldLogger
}

type Handlers struct {
	cfg             config.Config
	svc             *service.Service
	issuer          *auth.Issuer
	sub             realtime.Subscriber
	limiter         *rate.Limiter
	captchaVerifier captcha.Verifier
	probes          []Probe
	log             logrus.FieldLogger
}

func NewRouter(cfg config.Config, svc *service.Service, opts Options) http.Handler {
	h := &Handlers{
		cfg:             cfg,
		svc:             svc,
		issuer:          opts.Issuer,
		sub:             opts.Subscriber,
		limiter:         rate.NewLimiter(),
		captchaVerifier: opts.Captcha,
		probes:          opts.Probes,
		log:             opts.Log,
	}
	if h.captchaVerifier == nil {
		h.captchaVerifier = captcha.New(cfg)
	}
	if h.log == nil {
		h.log = logrus.StandardLogger()
	}
	if h.issuer == nil {
		h.issuer = auth.NewIssuer(cfg.JWTSecret, 0)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(h.log))
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"Retry-After", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, version.Current())
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.With(middleware.RateLimit(h.limiter, "parent_approve", 30, time.Minute, cfg.TrustProxy)).Get("/parent-approve", h.ParentApprovePage)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(h.limiter, "signup", 10, time.Minute, cfg.TrustProxy)).Post("/signups", h.CreateSignup)
		r.With(middleware.RateLimit(h.limiter, "resend_email", 10, time.Minute, cfg.TrustProxy)).Post("/signups/{id}/resend-email", h.ResendSignupEmail)
		r.With(middleware.RateLimit(h.limiter, "status", 120, time.Minute, cfg.TrustProxy)).Get("/approvals/status", h.ApprovalStatus)
		r.With(middleware.RateLimit(h.limiter, "decide", 30, time.Minute, cfg.TrustProxy)).Post("/approvals/decide", h.DecideApproval)
		r.Get("/approvals/{id}/events", h.ApprovalEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.issuer))
			r.Post("/parent-accounts", h.CreateParentAccount)
			r.With(middleware.RateLimit(h.limiter, "bank_otp", 10, time.Minute, cfg.TrustProxy)).Post("/bank-approvals", h.RequestBankApproval)
			r.With(middleware.RateLimit(h.limiter, "bank_verify", 30, time.Minute, cfg.TrustProxy)).Post("/bank-approvals/{id}/verify", h.VerifyBankApproval)
			r.Post("/bank-accounts", h.CreateBankAccount)
			r.Get("/bank-accounts", h.ListBankAccounts)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusNotFound, "not_found", "not found", middleware.RequestID(r.Context()))
	})
	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	comps := map[string]any{}
	ok := true
	check := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			ok = false
			comps[name] = map[string]any{"ok": false, "error": err.Error()}
			return
		}
		comps[name] = map[string]any{"ok": true}
	}
	check("database", h.svc.Ping)
	for _, p := range h.probes {
		check(p.Name, p.Check)
	}
	body := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": comps,
		"status":     "ready",
	}
	if !ok {
		body["status"] = "degraded"
		util.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	util.WriteJSON(w, http.StatusOK, body)
}

// decodeJSON reads a bounded JSON body. It writes the 400 itself.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		util.WriteError(w, http.StatusBadRequest, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return false
	}
	return true
}

func callerFrom(r *http.Request) (service.Caller, bool) {
	c, ok := middleware.Claims(r.Context())
	if !ok {
		return service.Caller{}, false
	}
	return service.Caller{UserID: c.UserID(), Role: c.Role, Email: c.Email}, true
}
