// Package notifier contains the core domain types for the museum notification service.
package notifier

import (
	"slices"
	"time"
)

// Kind classifies a notification.
type Kind string

// Notification kinds delivered to recipients.
const (
	KindNews                Kind = "news"
	KindEventRegistration   Kind = "event_registration"
	KindEventReminder       Kind = "event_reminder"
	KindEventUpcoming       Kind = "event_upcoming"
	KindBookingConfirmation Kind = "booking_confirmation"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNews, KindEventRegistration, KindEventReminder, KindEventUpcoming, KindBookingConfirmation:
		return true
	}
	return false
}

// BookingDetails is the structured payload of a booking confirmation.
type BookingDetails struct {
	BookingID     string  `json:"bookingId" firestore:"bookingId" validate:"required"`
	VisitInfo     string  `json:"visitInfo" firestore:"visitInfo" validate:"required"`
	Date          string  `json:"date" firestore:"date" validate:"required"`
	Time          string  `json:"time" firestore:"time" validate:"required"`
	PaymentMethod string  `json:"paymentMethod" firestore:"paymentMethod"`
	TotalVisitors int     `json:"totalVisitors" firestore:"totalVisitors" validate:"gte=1"`
	Adults        int     `json:"adults" firestore:"adults" validate:"gte=0"`
	Children      int     `json:"children" firestore:"children" validate:"gte=0"`
	Seniors       int     `json:"seniors" firestore:"seniors" validate:"gte=0"`
	Total         float64 `json:"total" firestore:"total" validate:"gte=0"`
}

// Notification is a delivered message owned by a single recipient.
// Only IsRead ever changes after creation, and only from false to true.
type Notification struct {
	CreatedAt      time.Time       `json:"createdAt" firestore:"createdAt"`
	BookingDetails *BookingDetails `json:"bookingDetails,omitempty" firestore:"bookingDetails,omitempty"`
	ID             string          `json:"id" firestore:"-"`
	RecipientID    string          `json:"userId" firestore:"userId"`
	Kind           Kind            `json:"type" firestore:"type"`
	Title          string          `json:"title" firestore:"title"`
	Message        string          `json:"message" firestore:"message"`
	RelatedID      string          `json:"relatedId" firestore:"relatedId"`
	RelatedTitle   string          `json:"relatedTitle" firestore:"relatedTitle"`
	Category       string          `json:"category,omitempty" firestore:"category,omitempty"`
	IsRead         bool            `json:"isRead" firestore:"isRead"`
}

// PendingRequest is a "notify me" opt-in for a future-dated event.
// At most one request exists per (RecipientID, EventID) pair.
type PendingRequest struct {
	EventDate   time.Time `json:"eventDate"`
	RequestedAt time.Time `json:"requestedAt"`
	RecipientID string    `json:"userId"`
	EventID     string    `json:"eventId"`
	EventTitle  string    `json:"eventTitle"`
}

// SameTarget reports whether r and o refer to the same recipient and event.
func (r PendingRequest) SameTarget(o PendingRequest) bool {
	return r.RecipientID == o.RecipientID && r.EventID == o.EventID
}

// Recipient is a registered user who may own notifications and interest tags.
type Recipient struct {
	ID        string   `json:"id" firestore:"-"`
	Email     string   `json:"email,omitempty" firestore:"email,omitempty"`
	Language  string   `json:"language,omitempty" firestore:"language,omitempty"`
	Interests []string `json:"interests,omitempty" firestore:"Interests,omitempty"`
}

// HasInterest reports whether the recipient carries any of the given tags.
func (r Recipient) HasInterest(tags []string) bool {
	for _, interest := range r.Interests {
		if slices.Contains(tags, interest) {
			return true
		}
	}
	return false
}
