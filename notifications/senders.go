package notifications

import (
	"context"
	"time"

	"museum-notifier/pkg/notifier"
)

// SendEventRegistration confirms that the recipient registered for an event.
func (r *Repository) SendEventRegistration(ctx context.Context, recipientID, eventID, eventTitle, lang string) bool {
	title, msg := r.Messages(lang).Registration(eventTitle)
	return r.Create(ctx, Draft{
		RecipientID:  recipientID,
		Kind:         notifier.KindEventRegistration,
		Title:        title,
		Message:      msg,
		RelatedID:    eventID,
		RelatedTitle: eventTitle,
	})
}

// SendEventReminder tells the recipient that an event starts at eventDate.
func (r *Repository) SendEventReminder(ctx context.Context, recipientID, eventID, eventTitle string, eventDate time.Time, lang string) bool {
	title, msg := r.Messages(lang).Reminder(eventTitle, eventDate)
	return r.Create(ctx, Draft{
		RecipientID:  recipientID,
		Kind:         notifier.KindEventReminder,
		Title:        title,
		Message:      msg,
		RelatedID:    eventID,
		RelatedTitle: eventTitle,
	})
}

// SendUpcomingEvent tells the recipient that a requested event is open.
func (r *Repository) SendUpcomingEvent(ctx context.Context, recipientID, eventID, eventTitle, lang string) bool {
	title, msg := r.Messages(lang).Upcoming(eventTitle)
	return r.Create(ctx, Draft{
		RecipientID:  recipientID,
		Kind:         notifier.KindEventUpcoming,
		Title:        title,
		Message:      msg,
		RelatedID:    eventID,
		RelatedTitle: eventTitle,
	})
}

// SendBookingConfirmation records a confirmed booking with its details.
func (r *Repository) SendBookingConfirmation(ctx context.Context, recipientID string, d notifier.BookingDetails, lang string) bool {
	title, msg := r.Messages(lang).Booking(d)
	return r.add(ctx, Draft{
		RecipientID:  recipientID,
		Kind:         notifier.KindBookingConfirmation,
		Title:        title,
		Message:      msg,
		RelatedID:    d.BookingID,
		RelatedTitle: d.VisitInfo,
	}, &d)
}
