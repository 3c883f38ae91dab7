// Package otp issues and checks the numeric codes that gate bank account
// approvals.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"teenlancer/internal/models"
)

const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

// Generate returns a uniformly random code in 000000..999999.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func ValidFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type Policy struct {
	Validity    time.Duration
	MaxAttempts int
	Cooldown    time.Duration

	// argon2id cost for stored codes; zero picks the defaults.
	HashTime      uint32
	HashMemoryKiB uint32
}

func DefaultPolicy() Policy {
	return Policy{Validity: 15 * time.Minute, MaxAttempts: 5, Cooldown: 2 * time.Minute}
}

// RetryAfter reports how long a caller must wait before a new code may be
// issued. Zero means a request is allowed now. The cooldown only applies
// while the previous code is still valid.
func (p Policy) RetryAfter(prev *models.OTPCode, now time.Time) time.Duration {
	if prev == nil {
		return 0
	}
	if !now.Before(prev.ExpiresAt) {
		return 0
	}
	wait := prev.RequestedAt.Add(p.Cooldown).Sub(now)
	if wait <= 0 {
		return 0
	}
	return wait
}

// Issue creates a fresh code for an approval. The plain code is returned for
// delivery; only its hash is kept on the record.
func (p Policy) Issue(approvalID string, now time.Time) (string, models.OTPCode, error) {
	code, err := Generate()
	if err != nil {
		return "", models.OTPCode{}, err
	}
	hash, err := p.hashCode(approvalID, code)
	if err != nil {
		return "", models.OTPCode{}, err
	}
	return code, models.OTPCode{
		ApprovalID:  approvalID,
		CodeHash:    hash,
		ExpiresAt:   now.Add(p.Validity),
		RequestedAt: now,
	}, nil
}

type Verdict int

const (
	Accepted Verdict = iota
	Mismatch
	Blocked
	Expired
	Malformed
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Mismatch:
		return "mismatch"
	case Blocked:
		return "blocked"
	case Expired:
		return "expired"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// Check evaluates a submitted code against the stored one. A blocked code
// stays blocked even when the submission is correct.
func (p Policy) Check(stored models.OTPCode, submitted string, now time.Time) Verdict {
	if !ValidFormat(submitted) {
		return Malformed
	}
	if stored.Blocked || (p.MaxAttempts > 0 && stored.Attempts >= p.MaxAttempts) {
		return Blocked
	}
	if !now.Before(stored.ExpiresAt) {
		return Expired
	}
	if !matchCode(stored.CodeHash, stored.ApprovalID, submitted) {
		return Mismatch
	}
	return Accepted
}
