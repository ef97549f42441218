package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends transactional emails through the Brevo (formerly
// Sendinblue) HTTP API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	sender   brevoContact
	endpoint string
	delay    time.Duration
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		endpoint: brevoEndpoint,
		delay:    time.Second,
	}
}

type brevoMessage struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoAccepted struct {
	MessageID string `json:"messageId"`
}

type brevoFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// brevoError is a non-2xx answer from the API.
type brevoError struct {
	Code    string
	Message string
	Status  int
}

func (e *brevoError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("brevo: HTTP %d", e.Status)
	}
	return fmt.Sprintf("brevo: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// retryable reports whether a later attempt could succeed: throttling and
// server errors only.
func (e *brevoError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Send delivers one message. Rejections other than 429 fail immediately.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoMessage{
		Sender:  b.sender,
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal brevo message: %w", err)
	}

	var messageID string
	err = retry.Do(
		func() error {
			id, err := b.post(ctx, payload)
			if err != nil {
				var apiErr *brevoError
				if errors.As(err, &apiErr) && !apiErr.retryable() {
					b.logger.Error("Brevo rejected message", "to", to, "status_code", apiErr.Status, "code", apiErr.Code)
					return retry.Unrecoverable(err)
				}
				return err
			}
			messageID = id
			return nil
		},
		retry.Attempts(3),
		retry.Delay(b.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(b.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo send", "attempt", n, "to", to, "error", err)
		}),
	)
	if err != nil {
		return err
	}

	b.logger.Info("Email accepted by Brevo", "to", to, "message_id", messageID)
	return nil
}

// post makes one API call and returns the accepted message id.
func (b *BrevoProvider) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("brevo request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read brevo response: %w", err)
	}
	b.logger.Debug("Brevo API call finished", "status_code", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &brevoError{Status: resp.StatusCode}
		var failure brevoFailure
		if json.Unmarshal(body, &failure) == nil {
			apiErr.Code, apiErr.Message = failure.Code, failure.Message
		}
		return "", apiErr
	}

	var accepted brevoAccepted
	if len(body) > 0 {
		if err := json.Unmarshal(body, &accepted); err != nil {
			b.logger.Warn("Unreadable Brevo response", "error", err)
		}
	}
	return accepted.MessageID, nil
}
