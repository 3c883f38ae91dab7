// Package payments attaches payout bank accounts through a provider chosen
// once at startup.
package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teenlancer/internal/config"
)

var ErrProviderFailed = errors.New("payments: provider failed")

type BankAccountInput struct {
	AccountHolderName string
	AccountType       string
	RoutingNumber     string
	AccountNumber     string
	Country           string
	Currency          string
}

type BankAccountResult struct {
	ProviderID string
	BankName   string
	Last4      string
	Status     string
}

// Provider is the payout strategy. Live reports whether money actually
// moves through it.
type Provider interface {
	Name() string
	Live() bool
	EnsureConnectedAccount(ctx context.Context, email, existingID string) (string, error)
	AttachBankAccount(ctx context.Context, connectedAccountID string, in BankAccountInput) (BankAccountResult, error)
}

// New selects Stripe when a secret key is configured and the no-op
// provider otherwise.
func New(cfg config.Config, log logrus.FieldLogger) Provider {
	key := strings.TrimSpace(cfg.StripeSecretKey)
	if key == "" {
		log.Warn("payments: STRIPE_SECRET_KEY not set, bank accounts will use placeholder ids")
		return NoopProvider{}
	}
	return NewStripeProvider(key, cfg.StripeAPIBase, nil)
}

const placeholderAccountPrefix = "acct_placeholder_"

// IsPlaceholderAccount reports whether id came from NoopProvider rather
// than a real payout provider.
func IsPlaceholderAccount(id string) bool {
	return strings.HasPrefix(id, placeholderAccountPrefix)
}

// NoopProvider records nothing remotely and hands out placeholder ids.
type NoopProvider struct{}

func (NoopProvider) Name() string { return "noop" }
func (NoopProvider) Live() bool   { return false }

func (NoopProvider) EnsureConnectedAccount(_ context.Context, _ string, existingID string) (string, error) {
	if existingID != "" {
		return existingID, nil
	}
	return placeholderAccountPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16], nil
}

func (NoopProvider) AttachBankAccount(_ context.Context, _ string, in BankAccountInput) (BankAccountResult, error) {
	return BankAccountResult{
		ProviderID: "ba_placeholder_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Last4:      last4(in.AccountNumber),
		Status:     "new",
	}, nil
}

func last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}
