package server

import (
	"net/http"
)

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	list := s.notifications.ListForRecipient(r.Context(), caller.UID)
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list}, s.logger)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	n := s.notifications.UnreadCount(r.Context(), caller.UID)
	writeJSON(w, http.StatusOK, map[string]int{"count": n}, s.logger)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	id := r.PathValue("id")

	// Records owned by someone else look exactly like missing ones.
	if !s.notifications.Owns(r.Context(), caller.UID, id) {
		http.Error(w, "Notification not found", http.StatusNotFound)
		return
	}
	if !s.notifications.MarkRead(r.Context(), id) {
		http.Error(w, "Could not mark notification as read", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"}, s.logger)
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	if !s.notifications.MarkAllRead(r.Context(), caller.UID) {
		http.Error(w, "Some notifications could not be marked as read", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"}, s.logger)
}
