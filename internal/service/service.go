// Package service holds the approval workflows behind the HTTP API: teen
// signups approved by emailed link, bank accounts approved by SMS code, and
// the account endpoints gated on those approvals.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"teenlancer/internal/config"
	"teenlancer/internal/metrics"
	"teenlancer/internal/models"
	"teenlancer/internal/notify"
	"teenlancer/internal/otp"
	"teenlancer/internal/payments"
	"teenlancer/internal/provision"
	"teenlancer/internal/realtime"
	"teenlancer/internal/store"
	"teenlancer/internal/util"
)

const (
	ProvisionNone    = "none"
	ProvisionRunning = "running"
	ProvisionDone    = "done"
	ProvisionFailed  = "failed"
)

type Deps struct {
	Store       *store.Store
	Publisher   realtime.Publisher
	Email       notify.EmailSender
	SMS         notify.SMSSender
	Payments    payments.Provider
	Provisioner provision.AccountProvisioner
	Sealer      *util.Sealer
	Log         logrus.FieldLogger
	Now         func() time.Time
}

type Service struct {
	cfg         config.Config
	store       *store.Store
	pub         realtime.Publisher
	email       notify.EmailSender
	sms         notify.SMSSender
	payments    payments.Provider
	provisioner provision.AccountProvisioner
	sealer      *util.Sealer
	log         logrus.FieldLogger
	now         func() time.Time

	otp               otp.Policy
	sideEffectTimeout time.Duration
	emailCooldown     time.Duration

	wg sync.WaitGroup
}

func New(cfg config.Config, d Deps) *Service {
	s := &Service{
		cfg:               cfg,
		store:             d.Store,
		pub:               d.Publisher,
		email:             d.Email,
		sms:               d.SMS,
		payments:          d.Payments,
		provisioner:       d.Provisioner,
		sealer:            d.Sealer,
		log:               d.Log,
		now:               d.Now,
		sideEffectTimeout: cfg.SideEffectTimeout(),
		emailCooldown:     cfg.EmailCooldown(),
		otp: otp.Policy{
			Validity:    cfg.OTPValidity(),
			MaxAttempts: cfg.OTPMaxAttempts,
			Cooldown:    cfg.OTPCooldown(),
		},
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.payments == nil {
		s.payments = payments.NoopProvider{}
	}
	if s.provisioner == nil {
		s.provisioner = provision.NoopProvisioner{}
	}
	return s
}

// Wait blocks until background side effects started by decisions finish.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// publish announces a status write. A failed publish is logged only; the
// requester's poller picks the change up.
func (s *Service) publish(ctx context.Context, old models.ApprovalStatus, rec models.ApprovalRecord) {
	if s.pub == nil {
		return
	}
	ev := models.ChangeEvent{
		RecordID:     rec.ID,
		OwnerContact: rec.OwnerContact,
		OldStatus:    old,
		NewStatus:    rec.Status,
		Version:      rec.Version,
		At:           rec.UpdatedAt,
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithField("approval_id", rec.ID).Warn("publish change event failed")
	}
}

func (s *Service) audit(ctx context.Context, actor, action, target string, meta map[string]any) {
	raw := "{}"
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			raw = string(b)
		}
	}
	if err := s.store.InsertAudit(ctx, actor, action, target, raw); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"action": action, "target": target}).Warn("audit insert failed")
	}
}

func (s *Service) sendEmail(ctx context.Context, msg notify.Email) error {
	ctx, cancel := context.WithTimeout(ctx, s.sideEffectTimeout)
	defer cancel()
	err := s.email.SendEmail(ctx, msg)
	metrics.RecordNotification("email", s.email.Name(), err)
	return err
}

func (s *Service) sendSMS(ctx context.Context, msg notify.SMS) error {
	ctx, cancel := context.WithTimeout(ctx, s.sideEffectTimeout)
	defer cancel()
	err := s.sms.SendSMS(ctx, msg)
	metrics.RecordNotification("sms", s.sms.Name(), err)
	return err
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
