// Package captcha checks the human-verification token sent with public
// signup requests.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"teenlancer/internal/config"
)

var (
	ErrRejected    = errors.New("captcha rejected")
	ErrUnavailable = errors.New("captcha verification unavailable")
)

type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// NoopVerifier accepts everything. Used when CAPTCHA_ENABLED is off.
type NoopVerifier struct{}

func (NoopVerifier) Verify(context.Context, string, string) error { return nil }

// SiteVerifier talks to a Turnstile or hCaptcha compatible siteverify
// endpoint. Both take the same form fields.
type SiteVerifier struct {
	URL    string
	Secret string
	Client *http.Client
}

func New(cfg config.Config) Verifier {
	if !cfg.CaptchaEnabled {
		return NoopVerifier{}
	}
	return &SiteVerifier{
		URL:    strings.TrimSpace(cfg.CaptchaVerifyURL),
		Secret: strings.TrimSpace(cfg.CaptchaSecret),
		Client: &http.Client{Timeout: 8 * time.Second},
	}
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *SiteVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrRejected)
	}
	form := url.Values{"secret": {v.Secret}, "response": {token}}
	if ip := strings.TrimSpace(remoteIP); ip != "" {
		form.Set("remoteip", ip)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}

	var out siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !out.Success {
		if len(out.ErrorCodes) > 0 {
			return fmt.Errorf("%w: %s", ErrRejected, strings.Join(out.ErrorCodes, ","))
		}
		return ErrRejected
	}
	return nil
}
