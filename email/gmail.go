package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends emails via Gmail API as the authenticated account.
type GmailProvider struct {
	service  *gmail.Service
	logger   *slog.Logger
	fromAddr string
	fromName string
}

// NewGmailProvider creates a new Gmail email provider. An empty fromAddr
// leaves the From header to Gmail.
func NewGmailProvider(service *gmail.Service, fromAddr, fromName string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service:  service,
		logger:   logger,
		fromAddr: fromAddr,
		fromName: fromName,
	}
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIME assembles the raw RFC 5322 message. Non-ASCII subjects and
// display names are Q-encoded.
func buildMIME(from, to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		fmt.Fprintf(&msg, "From: %s\r\n", from)
	}
	fmt.Fprintf(&msg, "To: %s\r\n", sanitizeEmailHeader(to))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject)))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

func (g *GmailProvider) from() string {
	if g.fromAddr == "" {
		return ""
	}
	addr := sanitizeEmailHeader(g.fromAddr)
	if g.fromName == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(g.fromName)), addr)
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMIME(g.from(), to, subject, htmlBody)))

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", to)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
					g.logger.Error("Gmail API rejected message", "to", to, "status_code", apiErr.Code, "error", err)
					return retry.Unrecoverable(err)
				}
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}
