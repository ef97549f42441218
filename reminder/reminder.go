// Package reminder promotes pending "notify me" requests into event reminder
// notifications once the event is less than a day away.
package reminder

import (
	"context"
	"log/slog"
	"time"

	"museum-notifier/clock"
	"museum-notifier/metrics"
	"museum-notifier/pkg/notifier"
)

// DefaultInterval is the spacing between scans.
const DefaultInterval = time.Hour

// Requests is the pending-request store.
type Requests interface {
	List(ctx context.Context) []notifier.PendingRequest
	Remove(ctx context.Context, recipientID, eventID string) error
}

// Sender creates the reminder notification.
type Sender interface {
	SendEventReminder(ctx context.Context, recipientID, eventID, eventTitle string, eventDate time.Time, lang string) bool
}

// Languages resolves a recipient's preferred language. It may be nil.
type Languages interface {
	Language(ctx context.Context, recipientID string) string
}

// Config configures a Scheduler.
type Config struct {
	Requests  Requests
	Sender    Sender
	Languages Languages
	Clock     clock.Clock
	Ticker    clock.Ticker
	Metrics   *metrics.Metrics
	Interval  time.Duration
	// Location is the site time zone the one-day window is measured in.
	// Nil means UTC.
	Location *time.Location
	// PurgeOverdue drops requests whose event has already started instead
	// of keeping them forever.
	PurgeOverdue bool
}

// Result summarizes one scan.
type Result struct {
	Pending  int `json:"pending"`
	Promoted int `json:"promoted"`
	Purged   int `json:"purged"`
	Failed   int `json:"failed"`
}

// Scheduler scans pending requests on a fixed interval.
type Scheduler struct {
	requests  Requests
	sender    Sender
	languages Languages
	clock     clock.Clock
	ticker    clock.Ticker
	metrics   *metrics.Metrics
	logger    *slog.Logger
	interval  time.Duration
	loc       *time.Location
	purge     bool
}

// New creates a scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		requests:  cfg.Requests,
		sender:    cfg.Sender,
		languages: cfg.Languages,
		clock:     cfg.Clock,
		ticker:    cfg.Ticker,
		metrics:   cfg.Metrics,
		logger:    logger,
		interval:  cfg.Interval,
		loc:       cfg.Location,
		purge:     cfg.PurgeOverdue,
	}
}

// Opens returns when the reminder for an event becomes due: the same wall
// clock time one calendar day earlier in loc. Across a DST change the window
// is 23 or 25 hours long.
func Opens(eventDate time.Time, loc *time.Location) time.Time {
	return eventDate.In(loc).AddDate(0, 0, -1)
}

// Due reports whether now lies in the reminder window [Opens(eventDate), eventDate).
func Due(eventDate, now time.Time, loc *time.Location) bool {
	return !now.Before(Opens(eventDate, loc)) && now.Before(eventDate)
}

// CheckAndPromote sends a reminder for every request inside its window and
// removes it from the store. A request whose send fails is kept for the next
// scan. Per-request failures never stop the scan.
func (s *Scheduler) CheckAndPromote(ctx context.Context) Result {
	reqs := s.requests.List(ctx)
	now := s.clock.Now()
	res := Result{Pending: len(reqs)}

	s.logger.Info("Checking pending requests", "count", len(reqs), "timestamp", now.Format(time.RFC3339))

	for _, req := range reqs {
		select {
		case <-ctx.Done():
			s.logger.Info("Context cancelled, stopping reminder scan", "error", ctx.Err())
			s.metrics.RecordScan(res.Pending, res.Promoted, res.Purged, res.Failed)
			return res
		default:
		}

		switch {
		case Due(req.EventDate, now, s.loc):
			if s.promote(ctx, req) {
				res.Promoted++
			} else {
				res.Failed++
			}
		case !now.Before(req.EventDate):
			if !s.purge {
				s.logger.Debug("Overdue request left in place", "recipient_id", req.RecipientID, "event_id", req.EventID)
				continue
			}
			if err := s.requests.Remove(ctx, req.RecipientID, req.EventID); err != nil {
				s.logger.Warn("Failed to purge overdue request", "recipient_id", req.RecipientID, "event_id", req.EventID, "error", err)
				res.Failed++
				continue
			}
			s.logger.Warn("Purged overdue request without reminder",
				"recipient_id", req.RecipientID, "event_id", req.EventID,
				"event_date", req.EventDate.Format(time.RFC3339))
			res.Purged++
		default:
			s.logger.Debug("Reminder not due yet",
				"recipient_id", req.RecipientID, "event_id", req.EventID,
				"opens_at", Opens(req.EventDate, s.loc).Format(time.RFC3339))
		}
	}

	s.metrics.RecordScan(res.Pending, res.Promoted, res.Purged, res.Failed)
	s.logger.Info("Reminder scan completed",
		"pending", res.Pending, "promoted", res.Promoted, "purged", res.Purged, "failed", res.Failed)
	return res
}

func (s *Scheduler) promote(ctx context.Context, req notifier.PendingRequest) bool {
	lang := ""
	if s.languages != nil {
		lang = s.languages.Language(ctx, req.RecipientID)
	}
	if !s.sender.SendEventReminder(ctx, req.RecipientID, req.EventID, req.EventTitle, req.EventDate, lang) {
		s.logger.Warn("Reminder not sent, keeping request", "recipient_id", req.RecipientID, "event_id", req.EventID)
		return false
	}
	if err := s.requests.Remove(ctx, req.RecipientID, req.EventID); err != nil {
		// The reminder went out; a leftover request would be reminded again next scan.
		s.logger.Error("Reminder sent but request not removed", "recipient_id", req.RecipientID, "event_id", req.EventID, "error", err)
		return false
	}
	s.logger.Info("Reminder sent", "recipient_id", req.RecipientID, "event_id", req.EventID)
	return true
}

// Start runs a scan immediately and then once per interval until the
// returned stop function is called. Stop waits for a running scan to finish.
func (s *Scheduler) Start(ctx context.Context) (stop func()) {
	s.CheckAndPromote(ctx)
	s.logger.Info("Reminder scheduler started", "interval", s.interval.String())
	return s.ticker.Every(s.interval, func() {
		s.CheckAndPromote(ctx)
	})
}
