// Package mailer sends transactional mail over SMTP.
package mailer

import (
	"fmt"
	"log"
	"net/smtp"

	"github.com/servoxhq/servox/internal/config"
	"github.com/servoxhq/servox/internal/logutil"
)

// Enabled reports whether SMTP delivery is configured. When it is not,
// reset links are logged instead of mailed (useful in development).
func Enabled() bool {
	return config.Cfg.SMTPHost != ""
}

// SendPasswordReset mails a reset link to the user.
func SendPasswordReset(to, resetLink string) error {
	if !Enabled() {
		log.Printf("[mailer] smtp not configured, reset link for %s: %s",
			logutil.SanitizeForLog(to), resetLink)
		return nil
	}

	cfg := config.Cfg
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort)

	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: Reset your Servox password\r\n"+
			"MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n"+
			"A password reset was requested for your account.\r\n\r\n"+
			"Reset link (valid for 1 hour): %s\r\n\r\n"+
			"If you did not request this, ignore this message.\r\n",
		cfg.MailFrom, to, resetLink))

	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, cfg.MailFrom, []string{to}, msg); err != nil {
		return fmt.Errorf("send reset mail to %s: %w", logutil.SanitizeForLog(to), err)
	}
	return nil
}
