package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/usernotify/libs/config"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/email"
)

// newSender picks the mail transport from EMAIL_PROVIDER: smtp (default),
// webhook or log.
func newSender(logger *slog.Logger) (email.Sender, error) {
	timeout, err := config.Duration("SMTP_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	switch provider := strings.ToLower(config.String("EMAIL_PROVIDER", "smtp")); provider {
	case "smtp":
		return email.NewSMTPSender(email.SMTPConfig{
			Host:    config.String("SMTP_HOST", "mailpit"),
			Port:    config.String("SMTP_PORT", "1025"),
			From:    config.String("SMTP_FROM", "no-reply@usernotify.local"),
			Timeout: timeout,
		}), nil
	case "webhook":
		url, err := config.RequiredString("EMAIL_WEBHOOK_URL")
		if err != nil {
			return nil, err
		}
		return email.NewWebhookSender(url, config.String("EMAIL_WEBHOOK_TOKEN", ""), timeout), nil
	case "log":
		logger.Warn("EMAIL_PROVIDER=log: emails are logged, not delivered")
		return email.NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", provider)
	}
}
