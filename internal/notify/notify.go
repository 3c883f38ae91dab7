// Package notify delivers approval emails and verification texts. Callers
// learn whether the provider accepted a message separately from any record
// change they made before sending.
package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"teenlancer/internal/config"
)

// ErrProviderFailed wraps every failure reported by, or while reaching, an
// email or SMS provider. Provider text stays in the wrapped error and must
// not be shown to end users.
var ErrProviderFailed = errors.New("notify: provider failed")

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type SMS struct {
	To   string
	Body string
}

type EmailSender interface {
	SendEmail(ctx context.Context, msg Email) error
	Name() string
}

type SMSSender interface {
	SendSMS(ctx context.Context, msg SMS) error
	Name() string
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// NewEmailSender picks the email strategy once from configuration.
func NewEmailSender(cfg config.Config, log logrus.FieldLogger) EmailSender {
	switch cfg.EmailSender {
	case "smtp":
		return &SMTPEmailSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			TLS:      cfg.SMTPTLS,
			StartTLS: cfg.SMTPStartTLS,
		}
	case "resend":
		return &ResendEmailSender{
			APIKey: cfg.ResendAPIKey,
			URL:    cfg.ResendAPIURL,
			From:   cfg.EmailFrom,
			Client: defaultHTTPClient(),
		}
	default:
		return &LogEmailSender{Log: log}
	}
}

func NewSMSSender(cfg config.Config, log logrus.FieldLogger) SMSSender {
	switch cfg.SMSSender {
	case "twilio":
		return &TwilioSMSSender{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFromNumber,
			APIBase:    cfg.TwilioAPIBase,
			Client:     defaultHTTPClient(),
		}
	default:
		return &LogSMSSender{Log: log}
	}
}

// LogEmailSender writes messages to the log instead of delivering them.
type LogEmailSender struct {
	Log logrus.FieldLogger
}

func (s *LogEmailSender) Name() string { return "log" }

func (s *LogEmailSender) SendEmail(_ context.Context, msg Email) error {
	if s.Log == nil {
		return nil
	}
	s.Log.WithFields(logrus.Fields{"to": msg.To, "subject": msg.Subject}).Info("email (log sender)\n" + msg.Text)
	return nil
}

type LogSMSSender struct {
	Log logrus.FieldLogger
}

func (s *LogSMSSender) Name() string { return "log" }

func (s *LogSMSSender) SendSMS(_ context.Context, msg SMS) error {
	if s.Log == nil {
		return nil
	}
	s.Log.WithField("to", msg.To).Info("sms (log sender): " + msg.Body)
	return nil
}
