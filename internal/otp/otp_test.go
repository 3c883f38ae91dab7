package otp

import (
	"testing"
	"time"

	"teenlancer/internal/models"
)

func TestGenerateFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !ValidFormat(code) {
			t.Fatalf("generated code has bad format: %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 40 {
		t.Fatalf("codes are not random enough: %d distinct of 50", len(seen))
	}
}

func TestValidFormat(t *testing.T) {
	cases := map[string]bool{
		"123456":  true,
		"000000":  true,
		"12345":   false,
		"1234567": false,
		"12a456":  false,
		" 23456":  false,
		"١٢٣٤٥٦":  false,
	}
	for in, want := range cases {
		if got := ValidFormat(in); got != want {
			t.Fatalf("ValidFormat(%q)=%v want %v", in, got, want)
		}
	}
}

func TestCheckBlocksAfterMaxAttemptsEvenForCorrectCode(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now().UTC()
	code, stored, err := p.Issue("bank-1", now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < p.MaxAttempts; i++ {
		if v := p.Check(stored, wrong, now); v != Mismatch {
			t.Fatalf("attempt %d: expected mismatch, got %s", i+1, v)
		}
		stored.Attempts++
	}
	if v := p.Check(stored, code, now); v != Blocked {
		t.Fatalf("expected correct code to be blocked after %d failures, got %s", p.MaxAttempts, v)
	}
}

func TestCheckExpiry(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now().UTC()
	code, stored, err := p.Issue("bank-1", now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if v := p.Check(stored, code, now.Add(time.Minute)); v != Accepted {
		t.Fatalf("expected accepted, got %s", v)
	}
	if v := p.Check(stored, code, now.Add(p.Validity)); v != Expired {
		t.Fatalf("expected expired at validity boundary, got %s", v)
	}
	if v := p.Check(stored, "12-456", now); v != Malformed {
		t.Fatalf("expected malformed, got %s", v)
	}
}

func TestRetryAfterCooldown(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now().UTC()
	if got := p.RetryAfter(nil, now); got != 0 {
		t.Fatalf("first request should be allowed, got wait %s", got)
	}
	prev := models.OTPCode{RequestedAt: now, ExpiresAt: now.Add(p.Validity)}
	if got := p.RetryAfter(&prev, now.Add(30*time.Second)); got != 90*time.Second {
		t.Fatalf("expected 90s wait, got %s", got)
	}
	if got := p.RetryAfter(&prev, now.Add(2*time.Minute)); got != 0 {
		t.Fatalf("cooldown should end after 2 minutes, got %s", got)
	}
	short := models.OTPCode{RequestedAt: now, ExpiresAt: now.Add(10 * time.Second)}
	if got := p.RetryAfter(&short, now.Add(20*time.Second)); got != 0 {
		t.Fatalf("expired code should not hold the cooldown, got %s", got)
	}
}
