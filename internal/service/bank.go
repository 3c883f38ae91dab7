package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teenlancer/internal/auth"
	"teenlancer/internal/metrics"
	"teenlancer/internal/models"
	"teenlancer/internal/notify"
	"teenlancer/internal/otp"
	"teenlancer/internal/payments"
	"teenlancer/internal/store"
)

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID string
	Role   models.UserRole
	Email  string
}

type BankApprovalResult struct {
	ApprovalID        string                `json:"approval_id"`
	Status            models.ApprovalStatus `json:"status"`
	Version           int64                 `json:"version"`
	CodeSent          bool                  `json:"code_sent"`
	CodeExpiresAt     *time.Time            `json:"code_expires_at,omitempty"`
	RetryAfterSeconds int                   `json:"retry_after_seconds,omitempty"`
}

type BankAccountRequest struct {
	AccountHolderName string `json:"account_holder_name" validate:"required,min=2,max=120"`
	AccountType       string `json:"account_type" validate:"required,oneof=checking savings"`
	RoutingNumber     string `json:"routing_number" validate:"required,len=9,number"`
	AccountNumber     string `json:"account_number" validate:"required,min=4,max=17,number"`
}

func last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

// parentPhone finds the phone of the teen's linked parent, preferring the
// parent profile.
func (s *Service) parentPhone(ctx context.Context, teen models.User) (models.User, string, error) {
	if teen.ParentID == nil || *teen.ParentID == "" {
		return models.User{}, "", ErrParentNotLinked
	}
	parent, err := s.store.GetUserByID(ctx, *teen.ParentID)
	if isNotFound(err) {
		return models.User{}, "", ErrParentNotLinked
	}
	if err != nil {
		return models.User{}, "", err
	}
	if profile, err := s.store.GetParentProfile(ctx, parent.ID); err == nil && profile.Phone != nil && *profile.Phone != "" {
		return parent, *profile.Phone, nil
	} else if err != nil && !isNotFound(err) {
		return models.User{}, "", err
	}
	if parent.Phone != nil && *parent.Phone != "" {
		return parent, *parent.Phone, nil
	}
	return models.User{}, "", ErrParentNotLinked
}

// RequestBankApproval texts the teen's parent a code that approves adding a
// bank account. An open request is reused; a new code is refused while the
// previous one is still valid and inside the cooldown.
func (s *Service) RequestBankApproval(ctx context.Context, caller Caller) (BankApprovalResult, error) {
	if caller.Role != models.RoleTeen {
		return BankApprovalResult{}, ErrForbiddenRole
	}
	teen, err := s.store.GetUserByID(ctx, caller.UserID)
	if err != nil {
		return BankApprovalResult{}, err
	}
	parent, phone, err := s.parentPhone(ctx, teen)
	if err != nil {
		return BankApprovalResult{}, err
	}

	now := s.now()
	rec, err := s.store.LatestApprovalForRequester(ctx, models.KindBankAccount, teen.ID)
	switch {
	case err == nil && rec.EffectiveStatus(now) == models.StatusApproved:
		return BankApprovalResult{ApprovalID: rec.ID, Status: rec.Status, Version: rec.Version}, nil
	case err == nil && rec.EffectiveStatus(now) == models.StatusPending:
		prev, err := s.store.GetOTP(ctx, rec.ID)
		if err != nil && !isNotFound(err) {
			return BankApprovalResult{}, err
		}
		if err == nil {
			if wait := s.otp.RetryAfter(&prev, now); wait > 0 {
				return BankApprovalResult{}, &RateLimitError{RetryAfter: wait, Reason: "a code was sent recently"}
			}
		}
	case err == nil || isNotFound(err):
		rec, err = s.newBankApproval(ctx, teen, parent, phone, now)
		if err != nil {
			return BankApprovalResult{}, err
		}
	default:
		return BankApprovalResult{}, err
	}

	code, stored, err := s.otp.Issue(rec.ID, now)
	if err != nil {
		return BankApprovalResult{}, err
	}
	if err := s.store.UpsertOTP(ctx, stored); err != nil {
		return BankApprovalResult{}, err
	}
	if err := s.sendSMS(ctx, notify.BankApprovalSMS(phone, teen.FullName, code, s.otp.Validity)); err != nil {
		s.log.WithError(err).WithField("approval_id", rec.ID).Warn("bank approval sms failed")
		// Let the teen ask again right away.
		if delErr := s.store.DeleteOTP(ctx, rec.ID); delErr != nil {
			s.log.WithError(delErr).WithField("approval_id", rec.ID).Warn("drop unsent code failed")
		}
		return BankApprovalResult{ApprovalID: rec.ID, Status: rec.Status, Version: rec.Version}, ErrProviderFailed
	}
	s.audit(ctx, teen.ID, "bank_approval.code_sent", rec.ID, map[string]any{"parent_id": parent.ID})
	return BankApprovalResult{
		ApprovalID:        rec.ID,
		Status:            rec.Status,
		Version:           rec.Version,
		CodeSent:          true,
		CodeExpiresAt:     &stored.ExpiresAt,
		RetryAfterSeconds: int(s.otp.Cooldown.Seconds()),
	}, nil
}

func (s *Service) newBankApproval(ctx context.Context, teen, parent models.User, phone string, now time.Time) (models.ApprovalRecord, error) {
	payload, err := s.sealer.SealJSON(models.BankApprovalPayload{TeenID: teen.ID, ParentID: parent.ID, ParentPhone: phone})
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	// Bank approvals are answered by code, never by link; the token only
	// fills the unique column.
	_, hash, err := auth.NewLinkToken()
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	teenID := teen.ID
	rec := models.ApprovalRecord{
		ID:             uuid.NewString(),
		Kind:           models.KindBankAccount,
		TokenHash:      hash,
		OwnerContact:   teen.Email,
		RequesterID:    &teenID,
		Status:         models.StatusPending,
		Version:        1,
		Payload:        payload,
		ProvisionState: ProvisionNone,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.BankApprovalTTL()),
	}
	if err := s.store.CreateApproval(ctx, rec); err != nil {
		return models.ApprovalRecord{}, err
	}
	return rec, nil
}

// VerifyBankApproval checks a code the teen typed in. A blocked code is
// refused even when it is right.
func (s *Service) VerifyBankApproval(ctx context.Context, caller Caller, approvalID, code string) (models.StatusSnapshot, error) {
	if caller.Role != models.RoleTeen {
		return models.StatusSnapshot{}, ErrForbiddenRole
	}
	code = strings.TrimSpace(code)
	if !otp.ValidFormat(code) {
		return models.StatusSnapshot{}, invalidf("code must be %d digits", otp.CodeLength)
	}
	rec, err := s.store.GetApprovalByID(ctx, strings.TrimSpace(approvalID))
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	if rec.Kind != models.KindBankAccount || rec.RequesterID == nil || *rec.RequesterID != caller.UserID {
		return models.StatusSnapshot{}, ErrNotFound
	}
	now := s.now()
	switch rec.EffectiveStatus(now) {
	case models.StatusPending:
	case models.StatusApproved:
		return rec.Snapshot(now), nil
	case models.StatusExpired:
		return rec.Snapshot(now), ErrExpired
	default:
		return rec.Snapshot(now), ErrNotPending
	}

	stored, err := s.store.GetOTP(ctx, rec.ID)
	if isNotFound(err) {
		return rec.Snapshot(now), ErrCodeExpired
	}
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	verdict := s.otp.Check(stored, code, now)
	metrics.RecordOTPVerification(verdict.String())
	switch verdict {
	case otp.Blocked:
		return rec.Snapshot(now), ErrTooManyAttempts
	case otp.Expired:
		return rec.Snapshot(now), ErrCodeExpired
	case otp.Malformed:
		return rec.Snapshot(now), invalidf("code must be %d digits", otp.CodeLength)
	case otp.Mismatch:
		after, err := s.store.RecordOTPFailure(ctx, rec.ID, s.otp.MaxAttempts)
		if err != nil {
			return models.StatusSnapshot{}, err
		}
		if after.Blocked {
			s.audit(ctx, caller.UserID, "bank_approval.blocked", rec.ID, map[string]any{"attempts": after.Attempts})
			return rec.Snapshot(now), ErrTooManyAttempts
		}
		return rec.Snapshot(now), &InvalidCodeError{AttemptsLeft: s.otp.MaxAttempts - after.Attempts}
	}

	updated, err := s.store.DecideApproval(ctx, rec.ID, models.StatusApproved, nil, now)
	if errors.Is(err, store.ErrConflict) {
		again, getErr := s.store.GetApprovalByID(ctx, rec.ID)
		if getErr != nil {
			return models.StatusSnapshot{}, getErr
		}
		switch again.EffectiveStatus(s.now()) {
		case models.StatusApproved:
			return again.Snapshot(s.now()), nil
		case models.StatusExpired:
			return again.Snapshot(s.now()), ErrExpired
		}
		return again.Snapshot(s.now()), ErrNotPending
	}
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	if err := s.store.DeleteOTP(ctx, rec.ID); err != nil {
		s.log.WithError(err).WithField("approval_id", rec.ID).Warn("delete used code failed")
	}
	metrics.RecordDecision(string(rec.Kind), string(models.StatusApproved))
	s.publish(ctx, rec.Status, updated)
	s.audit(ctx, caller.UserID, "bank_approval.approved", rec.ID, map[string]any{"version": updated.Version})
	s.log.WithFields(logrus.Fields{"approval_id": rec.ID, "version": updated.Version}).Info("bank approval granted")
	return updated.Snapshot(now), nil
}

// CreateBankAccount attaches a payout account for the caller. Teens need an
// approved bank approval first. Only the last four digits are stored.
func (s *Service) CreateBankAccount(ctx context.Context, caller Caller, req BankAccountRequest) (models.BankAccount, error) {
	req.AccountHolderName = strings.TrimSpace(req.AccountHolderName)
	req.AccountType = strings.ToLower(strings.TrimSpace(req.AccountType))
	req.RoutingNumber = strings.TrimSpace(req.RoutingNumber)
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	if err := validateStruct(&req); err != nil {
		return models.BankAccount{}, err
	}
	user, err := s.store.GetUserByID(ctx, caller.UserID)
	if err != nil {
		return models.BankAccount{}, err
	}
	switch user.Role {
	case models.RoleTeen:
		rec, err := s.store.LatestApprovalForRequester(ctx, models.KindBankAccount, user.ID)
		if isNotFound(err) {
			return models.BankAccount{}, ErrParentApprovalRequired
		}
		if err != nil {
			return models.BankAccount{}, err
		}
		if rec.EffectiveStatus(s.now()) != models.StatusApproved {
			return models.BankAccount{}, ErrParentApprovalRequired
		}
	case models.RolePoster:
	default:
		return models.BankAccount{}, ErrForbiddenRole
	}

	pctx, cancel := context.WithTimeout(ctx, s.sideEffectTimeout)
	defer cancel()
	live := s.payments.Live()
	existing := ""
	if user.StripeAccountID != nil && !(live && payments.IsPlaceholderAccount(*user.StripeAccountID)) {
		existing = *user.StripeAccountID
	}
	acctID, err := s.payments.EnsureConnectedAccount(pctx, user.Email, existing)
	if err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Error("connected account failed")
		return models.BankAccount{}, fmt.Errorf("%w: connected account", ErrProviderFailed)
	}
	// Only ids from a live provider are kept on the user.
	if live && acctID != existing {
		if err := s.store.SetStripeAccount(ctx, user.ID, acctID); err != nil {
			return models.BankAccount{}, err
		}
	}
	res, err := s.payments.AttachBankAccount(pctx, acctID, payments.BankAccountInput{
		AccountHolderName: req.AccountHolderName,
		AccountType:       req.AccountType,
		RoutingNumber:     req.RoutingNumber,
		AccountNumber:     req.AccountNumber,
		Country:           "US",
		Currency:          "usd",
	})
	if err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Error("attach bank account failed")
		return models.BankAccount{}, fmt.Errorf("%w: attach bank account", ErrProviderFailed)
	}

	acct := models.BankAccount{
		ID:                   uuid.NewString(),
		UserID:               user.ID,
		ProviderID:           res.ProviderID,
		AccountHolderName:    req.AccountHolderName,
		AccountType:          req.AccountType,
		AccountLast4:         last4(req.AccountNumber),
		RoutingLast4:         last4(req.RoutingNumber),
		BankName:             res.BankName,
		VerificationStatus:   "pending",
		RequiresVerification: true,
		CreatedAt:            s.now(),
	}
	if res.Status == "verified" {
		acct.VerificationStatus = "verified"
		acct.RequiresVerification = false
	}
	if err := s.store.CreateBankAccount(ctx, acct); err != nil {
		return models.BankAccount{}, err
	}
	s.audit(ctx, user.ID, "bank_account.created", acct.ID, map[string]any{"provider": s.payments.Name(), "last4": acct.AccountLast4})
	return acct, nil
}

func (s *Service) ListBankAccounts(ctx context.Context, caller Caller) ([]models.BankAccount, error) {
	if caller.UserID == "" {
		return nil, ErrForbiddenRole
	}
	accts, err := s.store.ListBankAccounts(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if accts == nil {
		accts = []models.BankAccount{}
	}
	return accts, nil
}
