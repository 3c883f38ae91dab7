package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"teenlancer/internal/auth"
	"teenlancer/internal/config"
	"teenlancer/internal/db"
	"teenlancer/internal/logger"
	"teenlancer/internal/models"
	"teenlancer/internal/notify"
	"teenlancer/internal/provision"
	"teenlancer/internal/realtime"
	"teenlancer/internal/service"
	"teenlancer/internal/store"
	"teenlancer/internal/util"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

type outbox struct {
	mu     sync.Mutex
	emails []notify.Email
	texts  []notify.SMS
}

func (o *outbox) Name() string { return "test" }

func (o *outbox) SendEmail(_ context.Context, msg notify.Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emails = append(o.emails, msg)
	return nil
}

func (o *outbox) SendSMS(_ context.Context, msg notify.SMS) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.texts = append(o.texts, msg)
	return nil
}

var (
	tokenRx = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)
	codeRx  = regexp.MustCompile(`Code (\d{6})`)
)

func (o *outbox) lastToken(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.emails) - 1; i >= 0; i-- {
		if m := tokenRx.FindStringSubmatch(o.emails[i].Text); m != nil {
			return m[1]
		}
	}
	t.Fatalf("no approval link sent")
	return ""
}

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.texts) == 0 {
		t.Fatalf("no sms sent")
	}
	m := codeRx.FindStringSubmatch(o.texts[len(o.texts)-1].Body)
	if m == nil {
		t.Fatalf("no code in sms")
	}
	return m[1]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testAPI struct {
	server *httptest.Server
	svc    *service.Service
	store  *store.Store
	broker *realtime.MemoryBroker
	outbox *outbox
	issuer *auth.Issuer
	clock  *testClock
}

type apiOption func(*config.Config, *service.Deps)

func newTestAPI(t *testing.T, opts ...apiOption) *testAPI {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 4, 4, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrations(context.Background(), sqdb, db.DialectSQLite, filepath.Join("..", "..", "migrations", "sqlite")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	st := store.New(sqdb, db.DialectSQLite)
	sealer, err := util.NewSealer("api-test-payload-key-0123456789")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	cfg := config.Config{
		PublicBaseURL:          "http://approve.test",
		JWTSecret:              testJWTSecret,
		SignupApprovalTTLHours: 168,
		BankApprovalTTLHours:   24,
		MinTeenAge:             13,
		MaxTeenAge:             17,
		OTPValidityMinutes:     15,
		OTPMaxAttempts:         5,
		OTPCooldownSeconds:     120,
		EmailCooldownSeconds:   120,
		SideEffectTimeoutSec:   2,
	}
	broker := realtime.NewMemoryBroker()
	box := &outbox{}
	clock := &testClock{t: time.Now().UTC().Truncate(time.Second)}
	deps := service.Deps{
		Store:       st,
		Publisher:   broker,
		Email:       box,
		SMS:         box,
		Provisioner: &provision.StoreProvisioner{Users: st},
		Sealer:      sealer,
		Log:         logger.Discard(),
		Now:         clock.Now,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	svc := service.New(cfg, deps)
	issuer := auth.NewIssuer(testJWTSecret, time.Hour)
	ts := httptest.NewServer(NewRouter(cfg, svc, Options{
		Issuer:     issuer,
		Subscriber: broker,
		Log:        logger.Discard(),
	}))
	t.Cleanup(func() {
		ts.Close()
		svc.Wait()
		_ = broker.Close()
	})
	return &testAPI{server: ts, svc: svc, store: st, broker: broker, outbox: box, issuer: issuer, clock: clock}
}

func (a *testAPI) do(t *testing.T, method, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := a.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (a *testAPI) token(t *testing.T, u models.User) string {
	t.Helper()
	tok, err := a.issuer.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func signupBody() map[string]any {
	return map[string]any{
		"full_name":    "Sam Teen",
		"email":        "sam@example.com",
		"birthdate":    time.Now().UTC().AddDate(-15, 0, 0).Format("2006-01-02"),
		"parent_email": "p@x.com",
		"parent_name":  "Pat",
	}
}
