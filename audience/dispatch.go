package audience

import (
	"context"
	"log/slog"
	"time"

	"museum-notifier/metrics"
	"museum-notifier/notifications"
	"museum-notifier/pkg/notifier"
)

// Creator persists one notification.
type Creator interface {
	Create(ctx context.Context, d notifications.Draft) bool
}

// Tally summarizes one news dispatch.
type Tally struct {
	Checked   int `json:"checked"`
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Dispatcher sends news notifications to the resolved audience.
type Dispatcher struct {
	creator Creator
	logger  *slog.Logger
	metrics *metrics.Metrics
	loc     *time.Location
}

// NewDispatcher creates a dispatcher writing through creator.
func NewDispatcher(creator Creator, loc *time.Location, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{creator: creator, loc: loc, metrics: m, logger: logger}
}

// DispatchNews creates one news notification per recipient reached by
// category. Each send is independent; a failure is counted and the loop
// continues. The returned tally's Succeeded is the number of notifications
// created.
func (d *Dispatcher) DispatchNews(ctx context.Context, newsID, newsTitle, category string, recipients []notifier.Recipient) Tally {
	audience := Resolve(category, recipients)
	broadcast := IsBroadcast(category)
	tally := Tally{Checked: len(recipients), Attempted: len(audience)}

	d.logger.Info("Dispatching news",
		"news_id", newsID, "category", category, "broadcast", broadcast,
		"recipients", len(recipients), "audience", len(audience))

	for _, r := range audience {
		msgs := notifier.Localize(d.loc, r.Language)
		var title, msg string
		if category == Announcements {
			title, msg = msgs.Announcement(newsTitle)
		} else {
			title, msg = msgs.Article(newsTitle, category)
		}

		ok := d.creator.Create(ctx, notifications.Draft{
			RecipientID:  r.ID,
			Kind:         notifier.KindNews,
			Title:        title,
			Message:      msg,
			RelatedID:    newsID,
			RelatedTitle: newsTitle,
			Category:     category,
		})
		if ok {
			tally.Succeeded++
			continue
		}
		tally.Failed++
		d.logger.Warn("News notification not delivered", "news_id", newsID, "recipient_id", r.ID)
	}

	d.metrics.RecordNewsDispatch(category, tally.Succeeded, tally.Failed)
	d.logger.Info("News dispatch complete",
		"news_id", newsID, "checked", tally.Checked, "attempted", tally.Attempted,
		"succeeded", tally.Succeeded, "failed", tally.Failed)
	return tally
}
