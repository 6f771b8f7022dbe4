// Package notify delivers best-effort alerts for license events. Delivery
// failures are logged and swallowed; notification must never affect a
// validation result.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"aquacli/internal/config"
)

// Notifier receives security-relevant license events. Implementations
// must be non-blocking from the caller's perspective and must never
// return delivery errors into the validation path.
type Notifier interface {
	LicenseRevoked(ctx context.Context, licenseKey, reason string)
	LicenseExpired(ctx context.Context, licenseKey string, expiredAt time.Time)
	TransferSuspected(ctx context.Context, licenseKey, details string)
}

// LogNotifier writes events to the structured log only. Used when
// outbound notification is disabled.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifier"))}
}

func (n *LogNotifier) LicenseRevoked(ctx context.Context, licenseKey, reason string) {
	n.logger.WarnContext(ctx, "License revoked",
		slog.String("license_key_prefix", keyPrefix(licenseKey)),
		slog.String("reason", reason),
	)
}

func (n *LogNotifier) LicenseExpired(ctx context.Context, licenseKey string, expiredAt time.Time) {
	n.logger.WarnContext(ctx, "License expired",
		slog.String("license_key_prefix", keyPrefix(licenseKey)),
		slog.String("expired_at", expiredAt.Format("2006-01-02")),
	)
}

func (n *LogNotifier) TransferSuspected(ctx context.Context, licenseKey, details string) {
	n.logger.WarnContext(ctx, "Suspicious license transfer attempt",
		slog.String("license_key_prefix", keyPrefix(licenseKey)),
		slog.String("details", details),
	)
}

// EmailNotifier sends alert emails over SMTP. Credentials come from the
// host configuration at boot time; nothing is embedded in the binary.
type EmailNotifier struct {
	cfg    config.NotifyConfig
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates an SMTP notifier from configuration
func NewEmailNotifier(cfg config.NotifyConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "notifier")),
		send:   smtp.SendMail,
	}
}

func (n *EmailNotifier) LicenseRevoked(ctx context.Context, licenseKey, reason string) {
	n.deliver(ctx, "License revoked",
		fmt.Sprintf("License %s was revoked: %s", keyPrefix(licenseKey), reason))
}

func (n *EmailNotifier) LicenseExpired(ctx context.Context, licenseKey string, expiredAt time.Time) {
	n.deliver(ctx, "License expired",
		fmt.Sprintf("License %s expired on %s", keyPrefix(licenseKey), expiredAt.Format("2006-01-02")))
}

func (n *EmailNotifier) TransferSuspected(ctx context.Context, licenseKey, details string) {
	n.deliver(ctx, "Suspicious license transfer attempt",
		fmt.Sprintf("License %s: %s", keyPrefix(licenseKey), details))
}

// deliver fires the email in the background; the caller never waits
func (n *EmailNotifier) deliver(ctx context.Context, subject, body string) {
	go func() {
		msg := strings.Join([]string{
			"From: " + n.cfg.FromAddr,
			"To: " + n.cfg.AlertAddr,
			"Subject: " + subject,
			"",
			body,
		}, "\r\n")

		addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
		var auth smtp.Auth
		if n.cfg.Username != "" {
			auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPHost)
		}

		if err := n.send(addr, auth, n.cfg.FromAddr, []string{n.cfg.AlertAddr}, []byte(msg)); err != nil {
			n.logger.Warn("Failed to deliver notification email",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			return
		}
		n.logger.Info("Notification email delivered",
			slog.String("subject", subject),
		)
	}()
}

// keyPrefix truncates a license key for logging so full keys never land
// in logs or mail.
func keyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
