package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr    string
	PublicBaseURL string
	Environment   string
	LogLevel      string

	DBDriver          string
	DBPath            string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	MigrationsDir     string

	JWTSecret          string
	PayloadEncryptKey  string
	TrustProxy         bool
	CORSAllowedOrigins []string

	CaptchaEnabled   bool
	CaptchaProvider  string
	CaptchaVerifyURL string
	CaptchaSecret    string

	RedisURL string

	SignupApprovalTTLHours int
	BankApprovalTTLHours   int
	MinTeenAge             int
	MaxTeenAge             int
	OTPValidityMinutes     int
	OTPMaxAttempts         int
	OTPCooldownSeconds     int
	EmailCooldownSeconds   int
	SideEffectTimeoutSec   int
	ExpirySweepSpec        string

	EmailSender  string
	EmailFrom    string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool
	ResendAPIKey string
	ResendAPIURL string

	SMSSender        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBase    string

	StripeSecretKey string
	StripeAPIBase   string

	ProvisionDBDriver  string
	ProvisionDBDSN     string
	ProvisionTable     string
	ProvisionIDColumn  string
	ProvisionEmailCol  string
	ProvisionRoleCol   string
	ProvisionParentCol string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real env vars win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		PublicBaseURL:            strings.TrimRight(env("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		Environment:              strings.ToLower(env("APP_ENV", "development")),
		LogLevel:                 strings.ToLower(env("LOG_LEVEL", "info")),
		DBDriver:                 strings.ToLower(env("DB_DRIVER", "sqlite")),
		DBPath:                   env("APP_DB_PATH", "./data/app.db"),
		DatabaseURL:              env("DATABASE_URL", ""),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		MigrationsDir:            env("MIGRATIONS_DIR", ""),
		JWTSecret:                env("JWT_SECRET", ""),
		PayloadEncryptKey:        env("PAYLOAD_ENCRYPT_KEY", ""),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		CaptchaEnabled:           envBool("CAPTCHA_ENABLED", false),
		CaptchaProvider:          strings.ToLower(env("CAPTCHA_PROVIDER", "turnstile")),
		CaptchaVerifyURL:         env("CAPTCHA_VERIFY_URL", ""),
		CaptchaSecret:            env("CAPTCHA_SECRET", ""),
		RedisURL:                 env("REDIS_URL", ""),
		SignupApprovalTTLHours:   envInt("SIGNUP_APPROVAL_TTL_HOURS", 168),
		BankApprovalTTLHours:     envInt("BANK_APPROVAL_TTL_HOURS", 24),
		MinTeenAge:               envInt("MIN_TEEN_AGE", 13),
		MaxTeenAge:               envInt("MAX_TEEN_AGE", 17),
		OTPValidityMinutes:       envInt("OTP_VALIDITY_MINUTES", 15),
		OTPMaxAttempts:           envInt("OTP_MAX_ATTEMPTS", 5),
		OTPCooldownSeconds:       envInt("OTP_COOLDOWN_SECONDS", 120),
		EmailCooldownSeconds:     envInt("EMAIL_COOLDOWN_SECONDS", 120),
		SideEffectTimeoutSec:     envInt("SIDE_EFFECT_TIMEOUT_SEC", 10),
		ExpirySweepSpec:          env("EXPIRY_SWEEP_SPEC", "@every 1m"),
		EmailSender:              strings.ToLower(env("EMAIL_SENDER", "log")),
		EmailFrom:                env("EMAIL_FROM", "no-reply@teenlancer.app"),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPUsername:             env("SMTP_USERNAME", ""),
		SMTPPassword:             env("SMTP_PASSWORD", ""),
		SMTPTLS:                  envBool("SMTP_TLS", false),
		SMTPStartTLS:             envBool("SMTP_STARTTLS", true),
		ResendAPIKey:             env("RESEND_API_KEY", ""),
		ResendAPIURL:             env("RESEND_API_URL", "https://api.resend.com/emails"),
		SMSSender:                strings.ToLower(env("SMS_SENDER", "log")),
		TwilioAccountSID:         env("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          env("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:         env("TWILIO_FROM_NUMBER", ""),
		TwilioAPIBase:            strings.TrimRight(env("TWILIO_API_BASE", "https://api.twilio.com"), "/"),
		StripeSecretKey:          env("STRIPE_SECRET_KEY", ""),
		StripeAPIBase:            strings.TrimRight(env("STRIPE_API_BASE", "https://api.stripe.com"), "/"),
		ProvisionDBDriver:        env("PROVISION_DB_DRIVER", ""),
		ProvisionDBDSN:           env("PROVISION_DB_DSN", ""),
		ProvisionTable:           env("PROVISION_TABLE", "accounts"),
		ProvisionIDColumn:        env("PROVISION_ID_COL", "id"),
		ProvisionEmailCol:        env("PROVISION_EMAIL_COL", "email"),
		ProvisionRoleCol:         env("PROVISION_ROLE_COL", "role"),
		ProvisionParentCol:       env("PROVISION_PARENT_COL", "parent_email"),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
	}
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "migrations/" + cfg.DBDriver
	}

	switch cfg.DBDriver {
	case "sqlite":
	case "pgx":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required when DB_DRIVER=pgx")
		}
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be one of: sqlite, pgx")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return Config{}, fmt.Errorf("JWT_SECRET must be set (>=32 chars)")
	}
	if len(strings.TrimSpace(cfg.PayloadEncryptKey)) < 24 {
		return Config{}, fmt.Errorf("PAYLOAD_ENCRYPT_KEY must be set to a strong value (>=24 chars)")
	}
	if cfg.MinTeenAge <= 0 || cfg.MaxTeenAge < cfg.MinTeenAge {
		return Config{}, fmt.Errorf("invalid teen age bounds")
	}
	if cfg.SignupApprovalTTLHours <= 0 || cfg.BankApprovalTTLHours <= 0 {
		return Config{}, fmt.Errorf("approval TTLs must be positive")
	}
	if cfg.OTPValidityMinutes <= 0 || cfg.OTPMaxAttempts <= 0 || cfg.OTPCooldownSeconds < 0 {
		return Config{}, fmt.Errorf("invalid OTP policy")
	}
	if cfg.SideEffectTimeoutSec <= 0 {
		return Config{}, fmt.Errorf("SIDE_EFFECT_TIMEOUT_SEC must be positive")
	}
	switch cfg.EmailSender {
	case "log", "smtp":
	case "resend":
		if strings.TrimSpace(cfg.ResendAPIKey) == "" {
			return Config{}, fmt.Errorf("RESEND_API_KEY is required when EMAIL_SENDER=resend")
		}
	default:
		return Config{}, fmt.Errorf("EMAIL_SENDER must be one of: log, smtp, resend")
	}
	switch cfg.SMSSender {
	case "log":
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" {
			return Config{}, fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required when SMS_SENDER=twilio")
		}
	default:
		return Config{}, fmt.Errorf("SMS_SENDER must be one of: log, twilio")
	}
	if cfg.CaptchaEnabled {
		if strings.TrimSpace(cfg.CaptchaSecret) == "" {
			return Config{}, fmt.Errorf("CAPTCHA_SECRET is required when CAPTCHA_ENABLED=true")
		}
		if strings.TrimSpace(cfg.CaptchaVerifyURL) == "" {
			switch cfg.CaptchaProvider {
			case "turnstile", "":
				cfg.CaptchaVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
			case "hcaptcha":
				cfg.CaptchaVerifyURL = "https://hcaptcha.com/siteverify"
			default:
				return Config{}, fmt.Errorf("unsupported CAPTCHA_PROVIDER: %s", cfg.CaptchaProvider)
			}
		}
	}
	return cfg, nil
}

func (c Config) SignupApprovalTTL() time.Duration {
	return time.Duration(c.SignupApprovalTTLHours) * time.Hour
}

func (c Config) BankApprovalTTL() time.Duration {
	return time.Duration(c.BankApprovalTTLHours) * time.Hour
}

func (c Config) OTPValidity() time.Duration {
	return time.Duration(c.OTPValidityMinutes) * time.Minute
}

func (c Config) OTPCooldown() time.Duration {
	return time.Duration(c.OTPCooldownSeconds) * time.Second
}

func (c Config) EmailCooldown() time.Duration {
	return time.Duration(c.EmailCooldownSeconds) * time.Second
}

func (c Config) SideEffectTimeout() time.Duration {
	return time.Duration(c.SideEffectTimeoutSec) * time.Second
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
