package server

import (
	"net/http"
	"slices"
	"time"

	"museum-notifier/pkg/notifier"
)

type notifyMeRequest struct {
	EventDate  time.Time `json:"eventDate" validate:"required"`
	EventID    string    `json:"eventId" validate:"required,max=128"`
	EventTitle string    `json:"eventTitle" validate:"required,max=256"`
}

type newsRequest struct {
	NewsID   string `json:"newsId" validate:"required,max=128"`
	Title    string `json:"title" validate:"required,max=256"`
	Category string `json:"category" validate:"max=64"`
}

type registerRequest struct {
	EventTitle string `json:"eventTitle" validate:"required,max=256"`
}

type availableRequest struct {
	RecipientID string `json:"userId" validate:"required,max=128"`
	EventTitle  string `json:"eventTitle" validate:"required,max=256"`
}

// language picks the recipient's stored preference, falling back to the
// request's Accept-Language header.
func (s *Server) language(r *http.Request, recipientID string) string {
	if lang := s.directory.Language(r.Context(), recipientID); lang != "" {
		return lang
	}
	return r.Header.Get("Accept-Language")
}

func (s *Server) handleNotifyMe(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req notifyMeRequest
	if !s.decode(w, r, &req) {
		return
	}

	now := s.clock.Now()
	if !req.EventDate.After(now) {
		http.Error(w, "Event date must be in the future", http.StatusBadRequest)
		return
	}

	pending := notifier.PendingRequest{
		RecipientID: caller.UID,
		EventID:     req.EventID,
		EventTitle:  req.EventTitle,
		EventDate:   req.EventDate,
		RequestedAt: now,
	}
	// Add reports false for duplicates too, so look first to tell them apart
	// from storage failures.
	if slices.ContainsFunc(s.requests.List(r.Context()), pending.SameTarget) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_requested"}, s.logger)
		return
	}
	if !s.requests.Add(r.Context(), pending) {
		http.Error(w, "Could not save request", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"}, s.logger)
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	if !caller.Admin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req newsRequest
	if !s.decode(w, r, &req) {
		return
	}

	recipients, err := s.directory.Recipients(r.Context())
	if err != nil {
		s.logger.Error("Failed to load recipients", "news", req.NewsID, "error", err)
		http.Error(w, "Recipient directory unavailable", http.StatusServiceUnavailable)
		return
	}

	tally := s.dispatcher.DispatchNews(r.Context(), req.NewsID, req.Title, req.Category, recipients)
	writeJSON(w, http.StatusOK, tally, s.logger)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	eventID := r.PathValue("id")

	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}

	lang := s.language(r, caller.UID)
	if !s.notifications.SendEventRegistration(r.Context(), caller.UID, eventID, req.EventTitle, lang) {
		http.Error(w, "Could not record registration", http.StatusInternalServerError)
		return
	}

	emailed := false
	if s.mailer != nil && caller.Email != "" {
		if err := s.mailer.SendRegistration(r.Context(), caller.Email, eventID, req.EventTitle, lang); err != nil {
			s.logger.Warn("Registration email failed", "user", caller.UID, "event", eventID, "error", err)
		} else {
			emailed = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "registered", "emailSent": emailed}, s.logger)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	if !caller.Admin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	eventID := r.PathValue("id")

	var req availableRequest
	if !s.decode(w, r, &req) {
		return
	}

	lang := s.directory.Language(r.Context(), req.RecipientID)
	if !s.notifications.SendUpcomingEvent(r.Context(), req.RecipientID, eventID, req.EventTitle, lang) {
		http.Error(w, "Could not send notification", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"}, s.logger)
}

func (s *Server) handleBooking(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var d notifier.BookingDetails
	if !s.decode(w, r, &d) {
		return
	}

	lang := s.language(r, caller.UID)
	if !s.notifications.SendBookingConfirmation(r.Context(), caller.UID, d, lang) {
		http.Error(w, "Could not record booking confirmation", http.StatusInternalServerError)
		return
	}

	emailed := false
	if s.mailer != nil && caller.Email != "" {
		if err := s.mailer.SendBooking(r.Context(), caller.Email, d, lang); err != nil {
			s.logger.Warn("Booking email failed", "user", caller.UID, "booking", d.BookingID, "error", err)
		} else {
			emailed = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "confirmed", "emailSent": emailed}, s.logger)
}
