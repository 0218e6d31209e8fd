package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/servox.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	FrontendURL  string `envconfig:"FRONTEND_URL" default:"http://localhost:3000"`

	// Empty disables Redis; caches fall back to in-process storage.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`

	// Terminal capability tokens (HS256). Generated at startup when empty.
	TerminalTokenSecret string `envconfig:"TERMINAL_TOKEN_SECRET" default:""`

	// Google OAuth sign-in. Empty disables the /api/auth/google routes.
	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID" default:""`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET" default:""`
	GoogleRedirectURL  string `envconfig:"GOOGLE_REDIRECT_URL" default:""`

	// VPS provider API (OAuth2 password grant).
	ProviderAuthURL      string `envconfig:"PROVIDER_AUTH_URL" default:""`
	ProviderAPIURL       string `envconfig:"PROVIDER_API_URL" default:""`
	ProviderClientID     string `envconfig:"PROVIDER_CLIENT_ID" default:""`
	ProviderClientSecret string `envconfig:"PROVIDER_CLIENT_SECRET" default:""`
	ProviderUser         string `envconfig:"PROVIDER_USER" default:""`
	ProviderPassword     string `envconfig:"PROVIDER_PASSWORD" default:""`

	// Crypto payment gateway.
	PaymentAPIURL     string `envconfig:"PAYMENT_API_URL" default:""`
	PaymentMerchantID string `envconfig:"PAYMENT_MERCHANT_ID" default:""`
	PaymentAPIKey     string `envconfig:"PAYMENT_API_KEY" default:""`
	PaymentWebhookURL string `envconfig:"PAYMENT_WEBHOOK_URL" default:""`

	// Password reset mail.
	SMTPHost string `envconfig:"SMTP_HOST" default:""`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser string `envconfig:"SMTP_USER" default:""`
	SMTPPass string `envconfig:"SMTP_PASS" default:""`
	MailFrom string `envconfig:"MAIL_FROM" default:"no-reply@servox.io"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SERVOX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
