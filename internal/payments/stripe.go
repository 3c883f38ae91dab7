package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"teenlancer/internal/version"
)

// StripeProvider uses the Stripe REST API with form-encoded requests.
type StripeProvider struct {
	secretKey string
	apiBase   string
	client    *http.Client
}

func NewStripeProvider(secretKey, apiBase string, client *http.Client) *StripeProvider {
	if apiBase == "" {
		apiBase = "https://api.stripe.com"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &StripeProvider{secretKey: secretKey, apiBase: strings.TrimRight(apiBase, "/"), client: client}
}

func (p *StripeProvider) Name() string { return "stripe" }
func (p *StripeProvider) Live() bool   { return true }

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *StripeProvider) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.UserAgent("payments"))
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: stripe: %v", ErrProviderFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: stripe read: %v", ErrProviderFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var se stripeError
		_ = json.Unmarshal(body, &se)
		return fmt.Errorf("%w: stripe status %d %s: %s", ErrProviderFailed, resp.StatusCode, se.Error.Code, se.Error.Message)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: stripe decode: %v", ErrProviderFailed, err)
	}
	return nil
}

func (p *StripeProvider) EnsureConnectedAccount(ctx context.Context, email, existingID string) (string, error) {
	if existingID != "" {
		return existingID, nil
	}
	form := url.Values{}
	form.Set("type", "express")
	form.Set("country", "US")
	form.Set("email", email)
	form.Set("business_type", "individual")
	form.Set("capabilities[transfers][requested]", "true")
	var out struct {
		ID string `json:"id"`
	}
	if err := p.post(ctx, "/v1/accounts", form, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: stripe returned no account id", ErrProviderFailed)
	}
	return out.ID, nil
}

func (p *StripeProvider) AttachBankAccount(ctx context.Context, connectedAccountID string, in BankAccountInput) (BankAccountResult, error) {
	country := in.Country
	if country == "" {
		country = "US"
	}
	currency := in.Currency
	if currency == "" {
		currency = "usd"
	}
	form := url.Values{}
	form.Set("external_account[object]", "bank_account")
	form.Set("external_account[country]", country)
	form.Set("external_account[currency]", currency)
	form.Set("external_account[account_holder_name]", in.AccountHolderName)
	form.Set("external_account[account_holder_type]", "individual")
	form.Set("external_account[routing_number]", in.RoutingNumber)
	form.Set("external_account[account_number]", in.AccountNumber)

	var out struct {
		ID       string `json:"id"`
		BankName string `json:"bank_name"`
		Last4    string `json:"last4"`
		Status   string `json:"status"`
	}
	path := "/v1/accounts/" + url.PathEscape(connectedAccountID) + "/external_accounts"
	if err := p.post(ctx, path, form, &out); err != nil {
		return BankAccountResult{}, err
	}
	return BankAccountResult{ProviderID: out.ID, BankName: out.BankName, Last4: out.Last4, Status: out.Status}, nil
}
