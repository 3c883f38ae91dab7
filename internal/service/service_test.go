package service

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"teenlancer/internal/config"
	"teenlancer/internal/db"
	"teenlancer/internal/logger"
	"teenlancer/internal/models"
	"teenlancer/internal/notify"
	"teenlancer/internal/payments"
	"teenlancer/internal/provision"
	"teenlancer/internal/realtime"
	"teenlancer/internal/store"
	"teenlancer/internal/util"
)

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

type fakeEmail struct {
	mu   sync.Mutex
	sent []notify.Email
	fail error
}

func (f *fakeEmail) Name() string { return "fake" }

func (f *fakeEmail) SendEmail(_ context.Context, msg notify.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeEmail) last(t *testing.T) notify.Email {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("no email sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []notify.SMS
	fail error
}

func (f *fakeSMS) Name() string { return "fake" }

func (f *fakeSMS) SendSMS(_ context.Context, msg notify.SMS) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, msg)
	return nil
}

var (
	tokenRx = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)
	codeRx  = regexp.MustCompile(`Code (\d{6})`)
)

func (f *fakeSMS) lastCode(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("no sms sent")
	}
	m := codeRx.FindStringSubmatch(f.sent[len(f.sent)-1].Body)
	if m == nil {
		t.Fatalf("no code in sms %q", f.sent[len(f.sent)-1].Body)
	}
	return m[1]
}

func linkToken(t *testing.T, msg notify.Email) string {
	t.Helper()
	m := tokenRx.FindStringSubmatch(msg.Text)
	if m == nil {
		t.Fatalf("no token in email body %q", msg.Text)
	}
	return m[1]
}

type blockingProvisioner struct{}

func (blockingProvisioner) Name() string { return "blocking" }

func (blockingProvisioner) ProvisionTeen(ctx context.Context, _ provision.TeenAccount) (provision.Result, error) {
	<-ctx.Done()
	return provision.Result{}, ctx.Err()
}

type harness struct {
	svc    *Service
	store  *store.Store
	broker *realtime.MemoryBroker
	clock  *testClock
	email  *fakeEmail
	sms    *fakeSMS
}

func testConfig() config.Config {
	return config.Config{
		PublicBaseURL:          "http://approve.test",
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
}

func newHarness(t *testing.T, prov provision.AccountProvisioner) *harness {
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
	sealer, err := util.NewSealer("test-payload-key-0123456789")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	broker := realtime.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	if prov == nil {
		prov = &provision.StoreProvisioner{Users: st}
	}
	h := &harness{
		store:  st,
		broker: broker,
		clock:  &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		email:  &fakeEmail{},
		sms:    &fakeSMS{},
	}
	h.svc = New(testConfig(), Deps{
		Store:       st,
		Publisher:   broker,
		Email:       h.email,
		SMS:         h.sms,
		Provisioner: prov,
		Sealer:      sealer,
		Log:         logger.Discard(),
		Now:         h.clock.Now,
	})
	t.Cleanup(h.svc.Wait)
	return h
}

func signupRequest() TeenSignupRequest {
	return TeenSignupRequest{
		FullName:    "Sam Teen",
		Email:       "Sam@Example.com",
		Birthdate:   "2011-05-20",
		ParentEmail: "p@x.com",
		ParentName:  "Pat",
		ParentPhone: "+15550001111",
	}
}

func TestCreateTeenSignupEmailsParentLink(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.CreateTeenSignup(ctx, signupRequest())
	if err != nil {
		t.Fatalf("create signup: %v", err)
	}
	if res.Status != models.StatusPending || !res.EmailSent || res.Version != 1 {
		t.Fatalf("unexpected signup result: %+v", res)
	}
	msg := h.email.last(t)
	if msg.To != "p@x.com" {
		t.Fatalf("expected email to parent, got %q", msg.To)
	}
	if !regexp.MustCompile(`http://approve\.test/parent-approve\?action=approve&token=`).MatchString(msg.Text) {
		t.Fatalf("approve link missing from email: %q", msg.Text)
	}

	byID, err := h.svc.CheckStatus(ctx, models.LookupKey{ID: res.ApprovalID})
	if err != nil || byID.Status != models.StatusPending {
		t.Fatalf("status by id: %+v %v", byID, err)
	}
	byEmail, err := h.svc.CheckStatus(ctx, models.LookupKey{OwnerContact: "sam@example.com", Birthdate: "2011-05-20"})
	if err != nil || byEmail.ID != res.ApprovalID {
		t.Fatalf("status by email: %+v %v", byEmail, err)
	}
	if _, err := h.svc.CheckStatus(ctx, models.LookupKey{OwnerContact: "sam@example.com", Birthdate: "2010-01-01"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong birthdate must not match, got %v", err)
	}
	if _, err := h.svc.CheckStatus(ctx, models.LookupKey{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty key must be invalid, got %v", err)
	}
}

func TestCreateTeenSignupValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tooYoung := signupRequest()
	tooYoung.Birthdate = "2014-01-01"
	tooOld := signupRequest()
	tooOld.Birthdate = "2007-01-01"
	badEmail := signupRequest()
	badEmail.ParentEmail = "not-an-email"
	samePerson := signupRequest()
	samePerson.ParentEmail = "sam@example.com"

	for name, req := range map[string]TeenSignupRequest{
		"too young":   tooYoung,
		"too old":     tooOld,
		"bad email":   badEmail,
		"same person": samePerson,
	} {
		if _, err := h.svc.CreateTeenSignup(ctx, req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
	if len(h.email.sent) != 0 {
		t.Fatalf("no email may be sent for invalid input")
	}
}

func TestCreateTeenSignupReportsEmailFailureSeparately(t *testing.T) {
	h := newHarness(t, nil)
	h.email.fail = errors.New("smtp down")

	res, err := h.svc.CreateTeenSignup(context.Background(), signupRequest())
	if err != nil {
		t.Fatalf("signup must succeed when email fails: %v", err)
	}
	if res.EmailSent {
		t.Fatalf("expected email_sent=false")
	}
	if _, err := h.store.GetApprovalByID(context.Background(), res.ApprovalID); err != nil {
		t.Fatalf("record must exist: %v", err)
	}
}

func TestDecideRepeatSameOutcomeDoesNotRewrite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.svc.CreateTeenSignup(ctx, signupRequest())
	if err != nil {
		t.Fatalf("create signup: %v", err)
	}
	token := linkToken(t, h.email.last(t))

	h.clock.Advance(time.Minute)
	first, err := h.svc.Decide(ctx, token, models.ActionReject, "too young for this")
	if err != nil {
		t.Fatalf("first reject: %v", err)
	}
	if !first.Changed || first.Approval.Status != models.StatusRejected || first.Approval.Version != 2 {
		t.Fatalf("unexpected first decision: %+v", first)
	}

	h.clock.Advance(time.Minute)
	again, err := h.svc.Decide(ctx, token, models.ActionReject, "another reason")
	if err != nil {
		t.Fatalf("repeat reject must succeed: %v", err)
	}
	if again.Changed {
		t.Fatalf("repeat decision must not report a change")
	}
	rec, err := h.store.GetApprovalByID(ctx, res.ApprovalID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rec.Version != 2 || rec.RejectionReason == nil || *rec.RejectionReason != "too young for this" {
		t.Fatalf("terminal record was rewritten: %+v", rec)
	}
	if rec.DecidedAt == nil || first.Approval.DecidedAt == nil || !rec.DecidedAt.Equal(*first.Approval.DecidedAt) {
		t.Fatalf("decided_at changed: %v vs %v", rec.DecidedAt, first.Approval.DecidedAt)
	}

	if _, err := h.svc.Decide(ctx, token, models.ActionApprove, ""); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("different outcome must conflict, got %v", err)
	}
}

func TestDecideExpiredLinkMakesNoChange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.svc.CreateTeenSignup(ctx, signupRequest())
	if err != nil {
		t.Fatalf("create signup: %v", err)
	}
	token := linkToken(t, h.email.last(t))

	h.clock.Advance(8 * 24 * time.Hour)
	snap, err := h.svc.CheckStatus(ctx, models.LookupKey{Token: token})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != models.StatusExpired {
		t.Fatalf("expected expired on read, got %s", snap.Status)
	}
	if _, err := h.svc.Decide(ctx, token, models.ActionApprove, ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	rec, err := h.store.GetApprovalByID(ctx, res.ApprovalID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rec.Status != models.StatusPending || rec.Version != 1 || rec.DecidedAt != nil {
		t.Fatalf("expired record was mutated: %+v", rec)
	}
}

func TestDecideApprovePublishesAndProvisions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.svc.CreateTeenSignup(ctx, signupRequest())
	if err != nil {
		t.Fatalf("create signup: %v", err)
	}
	token := linkToken(t, h.email.last(t))

	stream, err := h.broker.Subscribe(ctx, models.ChangeFilter{RecordID: res.ApprovalID})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	out, err := h.svc.Decide(ctx, token, models.ActionApprove, "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.Approval.Status != models.StatusApproved || out.ProvisionState != ProvisionDone {
		t.Fatalf("unexpected approve result: %+v", out)
	}

	select {
	case ev := <-stream.Events():
		if ev.OldStatus != models.StatusPending || ev.NewStatus != models.StatusApproved || ev.Version != 2 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no change event published")
	}

	teen, err := h.store.GetUserByEmail(ctx, "sam@example.com")
	if err != nil {
		t.Fatalf("teen not provisioned: %v", err)
	}
	parent, err := h.store.GetUserByEmail(ctx, "p@x.com")
	if err != nil {
		t.Fatalf("parent not provisioned: %v", err)
	}
	if teen.ParentID == nil || *teen.ParentID != parent.ID {
		t.Fatalf("teen not linked to parent: %+v", teen)
	}
	h.svc.Wait()
	if got := h.email.last(t); got.To != "sam@example.com" {
		t.Fatalf("expected approval result email to teen, got %q", got.To)
	}
}

func TestDecideSideEffectTimeoutKeepsApproval(t *testing.T) {
	h := newHarness(t, blockingProvisioner{})
	h.svc.sideEffectTimeout = 50 * time.Millisecond
	ctx := context.Background()
	res, err := h.svc.CreateTeenSignup(ctx, signupRequest())
	if err != nil {
		t.Fatalf("create signup: %v", err)
	}
	token := linkToken(t, h.email.last(t))

	out, err := h.svc.Decide(ctx, token, models.ActionApprove, "")
	if !errors.Is(err, ErrSideEffectTimeout) {
		t.Fatalf("expected side effect timeout, got %v", err)
	}
	if out.Approval.Status != models.StatusApproved || out.ProvisionState != ProvisionRunning {
		t.Fatalf("approval must stand after timeout: %+v", out)
	}

	h.svc.Wait()
	rec, err := h.store.GetApprovalByID(ctx, res.ApprovalID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rec.Status != models.StatusApproved || rec.ProvisionState != ProvisionFailed || rec.ProvisionError == nil {
		t.Fatalf("expected recorded provision failure: %+v", rec)
	}
}

func TestResendApprovalEmailCooldownAndRotation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.svc.CreateTeenSignup(ctx, signupRequest())
	if err != nil {
		t.Fatalf("create signup: %v", err)
	}
	oldToken := linkToken(t, h.email.last(t))

	_, err = h.svc.ResendApprovalEmail(ctx, res.ApprovalID)
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfterSeconds() != 120 {
		t.Fatalf("expected 120s rate limit, got %v", err)
	}

	h.clock.Advance(2*time.Minute + time.Second)
	out, err := h.svc.ResendApprovalEmail(ctx, res.ApprovalID)
	if err != nil || !out.EmailSent {
		t.Fatalf("resend: %+v %v", out, err)
	}
	newToken := linkToken(t, h.email.last(t))
	if newToken == oldToken {
		t.Fatalf("resend must rotate the link token")
	}
	if _, err := h.svc.Decide(ctx, oldToken, models.ActionApprove, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old link must stop working, got %v", err)
	}
	if _, err := h.svc.Decide(ctx, newToken, models.ActionReject, ""); err != nil {
		t.Fatalf("new link: %v", err)
	}
	if _, err := h.svc.ResendApprovalEmail(ctx, res.ApprovalID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("decided signup cannot be resent, got %v", err)
	}
}

// seedTeenWithParent creates a teen and links a parent with a phone through
// the parent account endpoint.
func seedTeenWithParent(t *testing.T, h *harness) Caller {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()
	teen := models.User{ID: "teen-1", Email: "teen@example.com", FullName: "Sam Teen", Role: models.RoleTeen, CreatedAt: now, UpdatedAt: now}
	if err := h.store.CreateUser(ctx, teen); err != nil {
		t.Fatalf("create teen: %v", err)
	}
	caller := Caller{UserID: teen.ID, Role: models.RoleTeen, Email: teen.Email}
	res, err := h.svc.CreateParentAccount(ctx, caller, ParentAccountRequest{Email: "Parent@Example.com", Phone: "+15551230000"})
	if err != nil {
		t.Fatalf("create parent account: %v", err)
	}
	if !res.Created || !res.Linked {
		t.Fatalf("unexpected parent result: %+v", res)
	}
	return caller
}

func TestCreateParentAccountFindsExistingAndResyncsPhone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	caller := seedTeenWithParent(t, h)

	res, err := h.svc.CreateParentAccount(ctx, caller, ParentAccountRequest{Email: "parent@example.com", Phone: "+15559998888"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Created {
		t.Fatalf("existing parent must be found, not created")
	}
	u, err := h.store.GetUserByID(ctx, res.ParentID)
	if err != nil || u.Phone == nil || *u.Phone != "+15559998888" {
		t.Fatalf("user phone not re-synced: %+v %v", u, err)
	}
	p, err := h.store.GetParentProfile(ctx, res.ParentID)
	if err != nil || p.Phone == nil || *p.Phone != "+15559998888" {
		t.Fatalf("profile phone not re-synced: %+v %v", p, err)
	}
	if !res.PhoneChanged {
		t.Fatalf("expected the phone replacement to be reported")
	}
	var changes []models.AuditEntry
	entries, err := h.store.ListAudit(ctx, res.ParentID, 20)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	for _, e := range entries {
		if e.Action == "parent_account.phone_changed" {
			changes = append(changes, e)
		}
	}
	if len(changes) != 1 || changes[0].Actor != caller.UserID ||
		!strings.Contains(changes[0].MetadataJSON, `"caller_role":"teen"`) ||
		!strings.Contains(changes[0].MetadataJSON, `"previous_last4":"0000"`) ||
		!strings.Contains(changes[0].MetadataJSON, `"new_last4":"8888"`) {
		t.Fatalf("expected one audited phone change by the teen, got %+v", changes)
	}

	same, err := h.svc.CreateParentAccount(ctx, caller, ParentAccountRequest{Email: "parent@example.com", Phone: "+15559998888"})
	if err != nil || same.PhoneChanged {
		t.Fatalf("re-sync with the same number is not a change: %+v %v", same, err)
	}

	if _, err := h.svc.CreateParentAccount(ctx, Caller{UserID: "x", Role: models.RolePoster}, ParentAccountRequest{Email: "a@b.com", Phone: "+15550000000"}); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("poster must be forbidden, got %v", err)
	}
}

func TestBankApprovalBlocksAfterFiveFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	caller := seedTeenWithParent(t, h)

	req, err := h.svc.RequestBankApproval(ctx, caller)
	if err != nil || !req.CodeSent {
		t.Fatalf("request code: %+v %v", req, err)
	}
	code := h.sms.lastCode(t)
	wrong := "111111"
	if code == wrong {
		wrong = "222222"
	}

	for i := 1; i <= 4; i++ {
		_, err := h.svc.VerifyBankApproval(ctx, caller, req.ApprovalID, wrong)
		var ic *InvalidCodeError
		if !errors.As(err, &ic) || ic.AttemptsLeft != 5-i {
			t.Fatalf("attempt %d: expected invalid code with %d left, got %v", i, 5-i, err)
		}
	}
	if _, err := h.svc.VerifyBankApproval(ctx, caller, req.ApprovalID, wrong); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("fifth failure must block, got %v", err)
	}
	if _, err := h.svc.VerifyBankApproval(ctx, caller, req.ApprovalID, code); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("correct code after block must be refused, got %v", err)
	}

	h.clock.Advance(2*time.Minute + time.Second)
	again, err := h.svc.RequestBankApproval(ctx, caller)
	if err != nil || again.ApprovalID != req.ApprovalID {
		t.Fatalf("new code for same request: %+v %v", again, err)
	}
	snap, err := h.svc.VerifyBankApproval(ctx, caller, req.ApprovalID, h.sms.lastCode(t))
	if err != nil || snap.Status != models.StatusApproved || snap.Version != 2 {
		t.Fatalf("fresh code must approve: %+v %v", snap, err)
	}
}

func TestBankApprovalRequestCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	caller := seedTeenWithParent(t, h)

	if _, err := h.svc.RequestBankApproval(ctx, caller); err != nil {
		t.Fatalf("first request: %v", err)
	}
	h.clock.Advance(30 * time.Second)
	_, err := h.svc.RequestBankApproval(ctx, caller)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("second request must be rate limited, got %v", err)
	}
	if rl.RetryAfter != 90*time.Second {
		t.Fatalf("expected 90s wait, got %s", rl.RetryAfter)
	}
	if len(h.sms.sent) != 1 {
		t.Fatalf("rate limited request must not send, sent=%d", len(h.sms.sent))
	}
}

func TestBankApprovalSMSFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	caller := seedTeenWithParent(t, h)

	h.sms.fail = errors.New("twilio 503")
	if _, err := h.svc.RequestBankApproval(ctx, caller); !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected provider failure, got %v", err)
	}
	h.sms.fail = nil
	if _, err := h.svc.RequestBankApproval(ctx, caller); err != nil {
		t.Fatalf("retry after failed send must not hit the cooldown: %v", err)
	}
}

func TestCreateBankAccountRequiresParentApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	caller := seedTeenWithParent(t, h)
	req := BankAccountRequest{
		AccountHolderName: "Sam Teen",
		AccountType:       "checking",
		RoutingNumber:     "123456789",
		AccountNumber:     "12345678901234567",
	}

	if _, err := h.svc.CreateBankAccount(ctx, caller, req); !errors.Is(err, ErrParentApprovalRequired) {
		t.Fatalf("expected parent approval required, got %v", err)
	}

	pending, err := h.svc.RequestBankApproval(ctx, caller)
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	if _, err := h.svc.VerifyBankApproval(ctx, caller, pending.ApprovalID, h.sms.lastCode(t)); err != nil {
		t.Fatalf("verify: %v", err)
	}

	acct, err := h.svc.CreateBankAccount(ctx, caller, req)
	if err != nil {
		t.Fatalf("create bank account: %v", err)
	}
	if acct.VerificationStatus != "pending" || !acct.RequiresVerification {
		t.Fatalf("expected pending verification: %+v", acct)
	}
	if acct.AccountLast4 != "4567" || acct.RoutingLast4 != "6789" {
		t.Fatalf("expected last-4 only: %+v", acct)
	}
	list, err := h.svc.ListBankAccounts(ctx, caller)
	if err != nil || len(list) != 1 || list[0].ID != acct.ID {
		t.Fatalf("list: %+v %v", list, err)
	}
}

func TestCreateBankAccountValidation(t *testing.T) {
	h := newHarness(t, nil)
	caller := seedTeenWithParent(t, h)
	cases := []BankAccountRequest{
		{AccountHolderName: "Sam", AccountType: "checking", RoutingNumber: "12345678", AccountNumber: "1234"},
		{AccountHolderName: "Sam", AccountType: "checking", RoutingNumber: "123456789", AccountNumber: "123"},
		{AccountHolderName: "Sam", AccountType: "checking", RoutingNumber: "123456789", AccountNumber: "123456789012345678"},
		{AccountHolderName: "Sam", AccountType: "brokerage", RoutingNumber: "123456789", AccountNumber: "1234"},
		{AccountHolderName: "Sam", AccountType: "checking", RoutingNumber: "12345678a", AccountNumber: "1234"},
	}
	for i, c := range cases {
		if _, err := h.svc.CreateBankAccount(context.Background(), caller, c); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestExpireStalePersistsAndPublishes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.svc.CreateTeenSignup(ctx, signupRequest())
	if err != nil {
		t.Fatalf("create signup: %v", err)
	}
	stream, err := h.broker.Subscribe(ctx, models.ChangeFilter{OwnerContact: "sam@example.com"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	if n, err := h.svc.ExpireStale(ctx); err != nil || n != 0 {
		t.Fatalf("nothing should expire yet: n=%d err=%v", n, err)
	}
	h.clock.Advance(8 * 24 * time.Hour)
	n, err := h.svc.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	select {
	case ev := <-stream.Events():
		if ev.RecordID != res.ApprovalID || ev.NewStatus != models.StatusExpired {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no expiry event")
	}
	rec, err := h.store.GetApprovalByID(ctx, res.ApprovalID)
	if err != nil || rec.Status != models.StatusExpired || rec.Version != 2 {
		t.Fatalf("expected persisted expiry: %+v %v", rec, err)
	}
}

// liveProvider stands in for a real payout provider.
type liveProvider struct {
	mu        sync.Mutex
	existings []string
}

func (p *liveProvider) Name() string { return "live-fake" }
func (p *liveProvider) Live() bool   { return true }

func (p *liveProvider) EnsureConnectedAccount(_ context.Context, _ string, existingID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.existings = append(p.existings, existingID)
	if existingID != "" {
		return existingID, nil
	}
	return "acct_live_1", nil
}

func (p *liveProvider) AttachBankAccount(_ context.Context, _ string, in payments.BankAccountInput) (payments.BankAccountResult, error) {
	return payments.BankAccountResult{ProviderID: "ba_live_1", Last4: last4(in.AccountNumber), Status: "new"}, nil
}

func TestCreateBankAccountKeepsOnlyLiveProviderIDs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.Now()
	poster := models.User{ID: "poster-1", Email: "poster@example.com", FullName: "Pat Poster", Role: models.RolePoster, CreatedAt: now, UpdatedAt: now}
	if err := h.store.CreateUser(ctx, poster); err != nil {
		t.Fatalf("create poster: %v", err)
	}
	caller := Caller{UserID: poster.ID, Role: models.RolePoster, Email: poster.Email}
	req := BankAccountRequest{AccountHolderName: "Pat Poster", AccountType: "savings", RoutingNumber: "123456789", AccountNumber: "000123456789"}

	if _, err := h.svc.CreateBankAccount(ctx, caller, req); err != nil {
		t.Fatalf("create with noop provider: %v", err)
	}
	u, err := h.store.GetUserByID(ctx, poster.ID)
	if err != nil {
		t.Fatalf("reload poster: %v", err)
	}
	if u.StripeAccountID != nil {
		t.Fatalf("placeholder account id must not be stored, got %q", *u.StripeAccountID)
	}

	// A placeholder left behind by an older run is not handed to a live provider.
	if err := h.store.SetStripeAccount(ctx, poster.ID, "acct_placeholder_0123456789abcdef"); err != nil {
		t.Fatalf("seed placeholder: %v", err)
	}
	live := &liveProvider{}
	h.svc.payments = live
	if _, err := h.svc.CreateBankAccount(ctx, caller, req); err != nil {
		t.Fatalf("create with live provider: %v", err)
	}
	if len(live.existings) != 1 || live.existings[0] != "" {
		t.Fatalf("live provider must not see the placeholder, got %+v", live.existings)
	}
	u, err = h.store.GetUserByID(ctx, poster.ID)
	if err != nil || u.StripeAccountID == nil || *u.StripeAccountID != "acct_live_1" {
		t.Fatalf("expected live account id to be stored: %+v %v", u, err)
	}
}
