package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"teenlancer/internal/version"
)

// ResendEmailSender talks to the Resend REST API.
type ResendEmailSender struct {
	APIKey string
	URL    string
	From   string
	Client *http.Client
}

func (s *ResendEmailSender) Name() string { return "resend" }

func (s *ResendEmailSender) SendEmail(ctx context.Context, msg Email) error {
	body, err := json.Marshal(map[string]any{
		"from":    s.From,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"text":    msg.Text,
		"html":    msg.HTML,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return doProviderRequest(s.Client, req, "resend")
}

// TwilioSMSSender posts to the Twilio Messages endpoint.
type TwilioSMSSender struct {
	AccountSID string
	AuthToken  string
	From       string
	APIBase    string
	Client     *http.Client
}

func (s *TwilioSMSSender) Name() string { return "twilio" }

func (s *TwilioSMSSender) SendSMS(ctx context.Context, msg SMS) error {
	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", s.From)
	form.Set("Body", msg.Body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(s.APIBase, "/"), url.PathEscape(s.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.AccountSID, s.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doProviderRequest(s.Client, req, "twilio")
}

func doProviderRequest(client *http.Client, req *http.Request, provider string) error {
	if client == nil {
		client = defaultHTTPClient()
	}
	req.Header.Set("User-Agent", version.UserAgent("notify"))
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProviderFailed, provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s status %d: %s", ErrProviderFailed, provider, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
