package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teenlancer/internal/auth"
	"teenlancer/internal/metrics"
	"teenlancer/internal/models"
	"teenlancer/internal/notify"
	"teenlancer/internal/provision"
	"teenlancer/internal/store"
)

const maxReasonLen = 500

type TeenSignupRequest struct {
	FullName    string `json:"full_name" validate:"required,min=2,max=120"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Phone       string `json:"phone" validate:"omitempty,e164"`
	Birthdate   string `json:"birthdate" validate:"required,datetime=2006-01-02"`
	ParentEmail string `json:"parent_email" validate:"required,email,max=254"`
	ParentPhone string `json:"parent_phone" validate:"omitempty,e164"`
	ParentName  string `json:"parent_name" validate:"omitempty,max=120"`
}

type SignupResult struct {
	ApprovalID string                `json:"approval_id"`
	Status     models.ApprovalStatus `json:"status"`
	Version    int64                 `json:"version"`
	ExpiresAt  time.Time             `json:"expires_at"`
	EmailSent  bool                  `json:"email_sent"`
}

// DecisionResult is what an approve or reject click returns. Changed is
// false when the click repeated an outcome that was already recorded.
type DecisionResult struct {
	Approval       models.StatusSnapshot `json:"approval"`
	Changed        bool                  `json:"changed"`
	ProvisionState string                `json:"provision_state,omitempty"`
}

type ResendResult struct {
	ApprovalID string    `json:"approval_id"`
	EmailSent  bool      `json:"email_sent"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func ageOn(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}

func (s *Service) normalizeSignup(req *TeenSignupRequest) error {
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = store.NormalizeEmail(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Birthdate = strings.TrimSpace(req.Birthdate)
	req.ParentEmail = store.NormalizeEmail(req.ParentEmail)
	req.ParentPhone = strings.TrimSpace(req.ParentPhone)
	req.ParentName = strings.TrimSpace(req.ParentName)
	if err := validateStruct(req); err != nil {
		return err
	}
	if req.Email == req.ParentEmail {
		return invalidf("parent_email must differ from email")
	}
	birth, err := time.Parse("2006-01-02", req.Birthdate)
	if err != nil {
		return invalidf("birthdate must be a date (YYYY-MM-DD)")
	}
	age := ageOn(birth, s.now())
	if age < s.cfg.MinTeenAge || age > s.cfg.MaxTeenAge {
		return invalidf("age must be between %d and %d", s.cfg.MinTeenAge, s.cfg.MaxTeenAge)
	}
	return nil
}

// CreateTeenSignup stores a pending signup and emails the parent an
// approval link. The record exists even when the email could not be sent;
// EmailSent tells the caller to offer a resend.
func (s *Service) CreateTeenSignup(ctx context.Context, req TeenSignupRequest) (SignupResult, error) {
	if err := s.normalizeSignup(&req); err != nil {
		return SignupResult{}, err
	}
	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return SignupResult{}, ErrAlreadyRegistered
	} else if !isNotFound(err) {
		return SignupResult{}, err
	}

	payload, err := s.sealer.SealJSON(models.TeenSignupPayload{
		FullName:    req.FullName,
		Email:       req.Email,
		Phone:       req.Phone,
		Birthdate:   req.Birthdate,
		ParentEmail: req.ParentEmail,
		ParentPhone: req.ParentPhone,
		ParentName:  req.ParentName,
	})
	if err != nil {
		return SignupResult{}, err
	}
	raw, hash, err := auth.NewLinkToken()
	if err != nil {
		return SignupResult{}, err
	}
	now := s.now()
	rec := models.ApprovalRecord{
		ID:             uuid.NewString(),
		Kind:           models.KindTeenSignup,
		TokenHash:      hash,
		OwnerContact:   req.Email,
		Status:         models.StatusPending,
		Version:        1,
		Payload:        payload,
		ProvisionState: ProvisionNone,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.SignupApprovalTTL()),
		LastNotifiedAt: &now,
	}
	if err := s.store.CreateApproval(ctx, rec); err != nil {
		return SignupResult{}, err
	}
	s.audit(ctx, req.Email, "signup.created", rec.ID, map[string]any{"parent_email": req.ParentEmail})

	sent := s.sendParentApproval(ctx, rec, raw, req.FullName, req.ParentName, req.ParentEmail)
	s.log.WithFields(logrus.Fields{"approval_id": rec.ID, "email_sent": sent}).Info("teen signup created")
	return SignupResult{
		ApprovalID: rec.ID,
		Status:     rec.Status,
		Version:    rec.Version,
		ExpiresAt:  rec.ExpiresAt,
		EmailSent:  sent,
	}, nil
}

func (s *Service) sendParentApproval(ctx context.Context, rec models.ApprovalRecord, token, teenName, parentName, parentEmail string) bool {
	msg, err := notify.ParentApprovalEmail(parentEmail, notify.ParentApprovalData{
		ParentName: parentName,
		TeenName:   teenName,
		BaseURL:    s.cfg.PublicBaseURL,
		Token:      token,
		ExpiresAt:  rec.ExpiresAt,
	})
	if err == nil {
		err = s.sendEmail(ctx, msg)
	}
	if err != nil {
		s.log.WithError(err).WithField("approval_id", rec.ID).Warn("parent approval email failed")
		return false
	}
	return true
}

// ResendApprovalEmail mails a fresh link for a pending signup. The previous
// link stops working.
func (s *Service) ResendApprovalEmail(ctx context.Context, approvalID string) (ResendResult, error) {
	approvalID = strings.TrimSpace(approvalID)
	if approvalID == "" {
		return ResendResult{}, invalidf("approval id is required")
	}
	rec, err := s.store.GetApprovalByID(ctx, approvalID)
	if err != nil {
		return ResendResult{}, err
	}
	if rec.Kind != models.KindTeenSignup {
		return ResendResult{}, ErrNotFound
	}
	now := s.now()
	switch rec.EffectiveStatus(now) {
	case models.StatusPending:
	case models.StatusExpired:
		return ResendResult{}, ErrExpired
	default:
		return ResendResult{}, ErrNotPending
	}
	if rec.LastNotifiedAt != nil {
		if wait := rec.LastNotifiedAt.Add(s.emailCooldown).Sub(now); wait > 0 {
			return ResendResult{}, &RateLimitError{RetryAfter: wait, Reason: "approval email was sent recently"}
		}
	}

	var p models.TeenSignupPayload
	if err := s.sealer.OpenJSON(rec.Payload, &p); err != nil {
		return ResendResult{}, err
	}
	raw, hash, err := auth.NewLinkToken()
	if err != nil {
		return ResendResult{}, err
	}
	if err := s.store.RotateApprovalToken(ctx, rec.ID, hash, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ResendResult{}, ErrNotPending
		}
		return ResendResult{}, err
	}
	sent := s.sendParentApproval(ctx, rec, raw, p.FullName, p.ParentName, p.ParentEmail)
	s.audit(ctx, p.Email, "signup.email_resent", rec.ID, map[string]any{"email_sent": sent})
	if !sent {
		return ResendResult{ApprovalID: rec.ID, ExpiresAt: rec.ExpiresAt}, ErrProviderFailed
	}
	return ResendResult{ApprovalID: rec.ID, EmailSent: true, ExpiresAt: rec.ExpiresAt}, nil
}

// CheckStatus reads the effective status by token, id, or the teen's email
// with an optional birthdate check. The email path returns the newest
// matching signup.
func (s *Service) CheckStatus(ctx context.Context, key models.LookupKey) (models.StatusSnapshot, error) {
	now := s.now()
	switch {
	case strings.TrimSpace(key.Token) != "":
		rec, err := s.store.GetApprovalByTokenHash(ctx, auth.HashToken(key.Token))
		if err != nil {
			return models.StatusSnapshot{}, err
		}
		return rec.Snapshot(now), nil
	case strings.TrimSpace(key.ID) != "":
		rec, err := s.store.GetApprovalByID(ctx, strings.TrimSpace(key.ID))
		if err != nil {
			return models.StatusSnapshot{}, err
		}
		return rec.Snapshot(now), nil
	case strings.TrimSpace(key.OwnerContact) != "":
		return s.statusByContact(ctx, key)
	}
	return models.StatusSnapshot{}, invalidf("token, id or email is required")
}

func (s *Service) statusByContact(ctx context.Context, key models.LookupKey) (models.StatusSnapshot, error) {
	birthdate := strings.TrimSpace(key.Birthdate)
	if birthdate != "" {
		if _, err := time.Parse("2006-01-02", birthdate); err != nil {
			return models.StatusSnapshot{}, invalidf("birthdate must be a date (YYYY-MM-DD)")
		}
	}
	recs, err := s.store.ListApprovalsByOwner(ctx, models.KindTeenSignup, store.NormalizeEmail(key.OwnerContact), 10)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	now := s.now()
	for _, rec := range recs {
		if birthdate != "" {
			var p models.TeenSignupPayload
			if err := s.sealer.OpenJSON(rec.Payload, &p); err != nil || p.Birthdate != birthdate {
				continue
			}
		}
		return rec.Snapshot(now), nil
	}
	return models.StatusSnapshot{}, ErrNotFound
}

// Decide applies a parent's approve or reject click. Repeating the recorded
// outcome returns the stored result untouched. An expired link is refused
// without a write. On approve the teen's account is provisioned; if that
// takes longer than the side effect timeout the approved result is returned
// together with ErrSideEffectTimeout.
func (s *Service) Decide(ctx context.Context, token string, action models.ApprovalAction, reason string) (DecisionResult, error) {
	token = strings.TrimSpace(token)
	reason = strings.TrimSpace(reason)
	if token == "" {
		return DecisionResult{}, invalidf("token is required")
	}
	if action != models.ActionApprove && action != models.ActionReject {
		return DecisionResult{}, invalidf("action must be approve or reject")
	}
	if len(reason) > maxReasonLen {
		return DecisionResult{}, invalidf("reason is too long")
	}

	rec, err := s.store.GetApprovalByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return DecisionResult{}, err
	}
	if rec.Kind != models.KindTeenSignup {
		return DecisionResult{}, ErrNotFound
	}
	outcome := action.Outcome()
	if res, settled, err := s.settled(rec, outcome); settled {
		s.recordDecision(rec.Kind, err)
		return res, err
	}

	var reasonPtr *string
	if outcome == models.StatusRejected && reason != "" {
		reasonPtr = &reason
	}
	updated, err := s.store.DecideApproval(ctx, rec.ID, outcome, reasonPtr, s.now())
	if errors.Is(err, store.ErrConflict) {
		again, getErr := s.store.GetApprovalByID(ctx, rec.ID)
		if getErr != nil {
			return DecisionResult{}, getErr
		}
		if res, settled, err := s.settled(again, outcome); settled {
			s.recordDecision(rec.Kind, err)
			return res, err
		}
		return DecisionResult{}, ErrNotPending
	}
	if err != nil {
		return DecisionResult{}, err
	}
	metrics.RecordDecision(string(rec.Kind), string(outcome))
	s.publish(ctx, rec.Status, updated)
	s.audit(ctx, "parent", "signup."+string(outcome), updated.ID, map[string]any{"version": updated.Version})
	s.log.WithFields(logrus.Fields{"approval_id": updated.ID, "status": updated.Status, "version": updated.Version}).Info("signup decided")

	res := DecisionResult{Approval: updated.Snapshot(s.now()), Changed: true, ProvisionState: updated.ProvisionState}
	if outcome == models.StatusApproved {
		state, err := s.provisionSignup(ctx, updated)
		res.ProvisionState = state
		if err != nil {
			return res, err
		}
	} else {
		s.goBackground(func(ctx context.Context) { s.notifyTeenResult(ctx, updated, false) })
	}
	return res, nil
}

// settled applies the rules for a record that is no longer pending. It
// reports false when the record is still open for a decision.
func (s *Service) settled(rec models.ApprovalRecord, outcome models.ApprovalStatus) (DecisionResult, bool, error) {
	now := s.now()
	switch rec.EffectiveStatus(now) {
	case models.StatusPending:
		return DecisionResult{}, false, nil
	case models.StatusExpired:
		return DecisionResult{Approval: rec.Snapshot(now)}, true, ErrExpired
	case outcome:
		return DecisionResult{Approval: rec.Snapshot(now), ProvisionState: rec.ProvisionState}, true, nil
	}
	return DecisionResult{Approval: rec.Snapshot(now)}, true, ErrAlreadyDecided
}

func (s *Service) recordDecision(kind models.ApprovalKind, err error) {
	switch {
	case err == nil:
		metrics.RecordDecision(string(kind), "repeat")
	case errors.Is(err, ErrExpired):
		metrics.RecordDecision(string(kind), "expired")
	default:
		metrics.RecordDecision(string(kind), "conflict")
	}
}

// goBackground runs fn detached from the request, tracked by Wait.
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.sideEffectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// provisionSignup creates the teen's account for an approved signup. The
// provisioner runs in its own goroutine and records its own outcome, so a
// timeout here leaves provision_state at running until it finishes.
func (s *Service) provisionSignup(ctx context.Context, rec models.ApprovalRecord) (string, error) {
	var p models.TeenSignupPayload
	if err := s.sealer.OpenJSON(rec.Payload, &p); err != nil {
		msg := "signup payload unreadable"
		s.log.WithError(err).WithField("approval_id", rec.ID).Error("provision skipped")
		_ = s.store.UpdateProvisionState(ctx, rec.ID, ProvisionFailed, &msg)
		metrics.RecordProvision(ProvisionFailed)
		return ProvisionFailed, nil
	}
	if err := s.store.UpdateProvisionState(ctx, rec.ID, ProvisionRunning, nil); err != nil {
		s.log.WithError(err).WithField("approval_id", rec.ID).Warn("mark provision running failed")
	}

	done := make(chan string, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pctx, cancel := context.WithTimeout(context.Background(), 2*s.sideEffectTimeout)
		defer cancel()
		done <- s.runProvision(pctx, rec, p)
	}()

	timer := time.NewTimer(s.sideEffectTimeout)
	defer timer.Stop()
	select {
	case state := <-done:
		return state, nil
	case <-timer.C:
		s.log.WithField("approval_id", rec.ID).Warn("provisioning still running after timeout")
		return ProvisionRunning, ErrSideEffectTimeout
	case <-ctx.Done():
		return ProvisionRunning, ErrSideEffectTimeout
	}
}

func (s *Service) runProvision(ctx context.Context, rec models.ApprovalRecord, p models.TeenSignupPayload) string {
	log := s.log.WithFields(logrus.Fields{"approval_id": rec.ID, "provisioner": s.provisioner.Name()})
	res, err := s.provisioner.ProvisionTeen(ctx, provision.TeenAccount{
		ApprovalID:  rec.ID,
		FullName:    p.FullName,
		Email:       p.Email,
		Phone:       p.Phone,
		Birthdate:   p.Birthdate,
		ParentEmail: p.ParentEmail,
		ParentPhone: p.ParentPhone,
		ParentName:  p.ParentName,
	})
	state := ProvisionDone
	var errMsg *string
	if err != nil {
		state = ProvisionFailed
		msg := err.Error()
		errMsg = &msg
		log.WithError(err).Error("provision teen account failed")
	} else {
		log.WithFields(logrus.Fields{"teen_id": res.TeenID, "parent_id": res.ParentID}).Info("teen account provisioned")
	}
	metrics.RecordProvision(state)
	if err := s.store.UpdateProvisionState(context.Background(), rec.ID, state, errMsg); err != nil {
		log.WithError(err).Warn("record provision state failed")
	}
	if state == ProvisionDone {
		s.audit(context.Background(), "system", "signup.provisioned", rec.ID, map[string]any{"teen_id": res.TeenID})
		s.notifyTeenResult(ctx, rec, true)
	}
	return state
}

// notifyTeenResult is secondary to the decision; failures are only logged.
func (s *Service) notifyTeenResult(ctx context.Context, rec models.ApprovalRecord, approved bool) {
	var p models.TeenSignupPayload
	if err := s.sealer.OpenJSON(rec.Payload, &p); err != nil {
		return
	}
	reason := ""
	if rec.RejectionReason != nil {
		reason = *rec.RejectionReason
	}
	msg, err := notify.SignupResultEmail(p.Email, notify.SignupResultData{TeenName: p.FullName, Approved: approved, Reason: reason})
	if err == nil {
		err = s.sendEmail(ctx, msg)
	}
	if err != nil {
		s.log.WithError(err).WithField("approval_id", rec.ID).Warn("signup result email failed")
	}
}
