// Package email sends visitor confirmation emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"museum-notifier/metrics"
	"museum-notifier/pkg/notifier"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Config configures a Sender.
type Config struct {
	Metrics  *metrics.Metrics
	Location *time.Location
	BaseURL  string // For links in emails
	Provider string // provider name for metrics and logs
}

// Sender renders confirmation emails and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	metrics  *metrics.Metrics
	loc      *time.Location
	baseURL  string
	name     string
}

// New creates a new email sender with the given provider.
func New(provider Provider, cfg Config, logger *slog.Logger) *Sender {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Sender{
		provider: provider,
		logger:   logger,
		metrics:  cfg.Metrics,
		loc:      cfg.Location,
		baseURL:  cfg.BaseURL,
		name:     cfg.Provider,
	}
}

// SendRegistration confirms an event registration by email.
func (s *Sender) SendRegistration(ctx context.Context, to, eventID, eventTitle, lang string) error {
	msgs := notifier.Localize(s.loc, lang)
	subject, _ := msgs.Registration(eventTitle)
	body := s.formatRegistrationBody(msgs, eventID, eventTitle)

	s.logger.Info("Sending registration email", "to", to, "event_id", eventID)
	return s.send(ctx, to, subject, body)
}

// SendBooking confirms a visit booking by email.
func (s *Sender) SendBooking(ctx context.Context, to string, d notifier.BookingDetails, lang string) error {
	msgs := notifier.Localize(s.loc, lang)
	subject, _ := msgs.Booking(d)
	body := s.formatBookingBody(msgs, d)

	s.logger.Info("Sending booking email", "to", to, "booking_id", d.BookingID)
	return s.send(ctx, to, subject, body)
}

func (s *Sender) send(ctx context.Context, to, subject, body string) error {
	err := s.provider.Send(ctx, to, subject, body)
	s.metrics.RecordEmail(s.name, err == nil)
	if err != nil {
		return fmt.Errorf("send via %s: %w", s.name, err)
	}
	return nil
}
