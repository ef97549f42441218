// Package server handles HTTP endpoints, the page socket and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"museum-notifier/audience"
	"museum-notifier/badge"
	"museum-notifier/clock"
	"museum-notifier/identity"
	"museum-notifier/metrics"
	"museum-notifier/pkg/notifier"
	"museum-notifier/reminder"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notifications is the notification repository as seen by the handlers.
type Notifications interface {
	ListForRecipient(ctx context.Context, recipientID string) []notifier.Notification
	UnreadCount(ctx context.Context, recipientID string) int
	Owns(ctx context.Context, recipientID, id string) bool
	MarkRead(ctx context.Context, id string) bool
	MarkAllRead(ctx context.Context, recipientID string) bool
	SubscribeUnreadCount(ctx context.Context, recipientID string, onCount func(int), onError func(error)) (cancel func())
	SendEventRegistration(ctx context.Context, recipientID, eventID, eventTitle, lang string) bool
	SendUpcomingEvent(ctx context.Context, recipientID, eventID, eventTitle, lang string) bool
	SendBookingConfirmation(ctx context.Context, recipientID string, d notifier.BookingDetails, lang string) bool
}

// Requests stores "notify me" opt-ins.
type Requests interface {
	Add(ctx context.Context, req notifier.PendingRequest) bool
	List(ctx context.Context) []notifier.PendingRequest
}

// Directory resolves the recipient population and per-recipient language.
type Directory interface {
	Recipients(ctx context.Context) ([]notifier.Recipient, error)
	Language(ctx context.Context, recipientID string) string
}

// Dispatcher fans a news item out to its audience.
type Dispatcher interface {
	DispatchNews(ctx context.Context, newsID, newsTitle, category string, recipients []notifier.Recipient) audience.Tally
}

// Poller runs one reminder scan.
type Poller interface {
	CheckAndPromote(ctx context.Context) reminder.Result
}

// Mailer sends confirmation emails.
type Mailer interface {
	SendRegistration(ctx context.Context, to, eventID, eventTitle, lang string) error
	SendBooking(ctx context.Context, to string, d notifier.BookingDetails, lang string) error
}

// Server handles HTTP requests.
type Server struct {
	notifications Notifications
	requests      Requests
	directory     Directory
	dispatcher    Dispatcher
	poller        Poller
	mailer        Mailer
	verifier      identity.Verifier
	clock         clock.Clock
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	limiter       *rateLimiter
	validate      *validator.Validate
	badgeOpts     badge.Options
	origins       map[string]bool
	logger        *slog.Logger

	pagesMu sync.Mutex
	pages   map[*page]struct{}
}

// Config holds server configuration.
type Config struct {
	Notifications Notifications
	Requests      Requests
	Directory     Directory
	Dispatcher    Dispatcher
	Poller        Poller
	Mailer        Mailer // optional
	Verifier      identity.Verifier
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer // serves /metrics when set
	Logger        *slog.Logger

	// BadgeOptions controls how long a page socket waits for the badge mount point.
	BadgeOptions badge.Options

	// AllowedOrigins restricts page socket origins. Empty allows any origin.
	AllowedOrigins []string

	// RateLimit and RateBurst bound mutating requests per client IP.
	RateLimit float64
	RateBurst int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	opts := cfg.BadgeOptions
	if opts.Delay <= 0 {
		opts = badge.DefaultOptions
	}
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit <= 0 {
		limit = 1
	}
	if burst <= 0 {
		burst = 10
	}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	return &Server{
		notifications: cfg.Notifications,
		requests:      cfg.Requests,
		directory:     cfg.Directory,
		dispatcher:    cfg.Dispatcher,
		poller:        cfg.Poller,
		mailer:        cfg.Mailer,
		verifier:      cfg.Verifier,
		clock:         clk,
		metrics:       cfg.Metrics,
		gatherer:      cfg.Gatherer,
		limiter:       newRateLimiter(limit, burst, clk),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		badgeOpts:     opts,
		origins:       origins,
		logger:        logger,
		pages:         make(map[*page]struct{}),
	}
}

// Handler returns the routed handler with metrics recording applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/pollz", s.limited(s.handlePoll))
	mux.HandleFunc("/ws", s.handleSocket)

	mux.HandleFunc("GET /notifications", s.authenticated(s.handleList))
	mux.HandleFunc("GET /notifications/unread-count", s.authenticated(s.handleUnreadCount))
	mux.HandleFunc("POST /notifications/read-all", s.limited(s.authenticated(s.handleReadAll)))
	mux.HandleFunc("POST /notifications/{id}/read", s.limited(s.authenticated(s.handleRead)))

	mux.HandleFunc("POST /notify-me", s.limited(s.authenticated(s.handleNotifyMe)))
	mux.HandleFunc("POST /news", s.limited(s.authenticated(s.handleNews)))
	mux.HandleFunc("POST /events/{id}/register", s.limited(s.authenticated(s.handleRegister)))
	mux.HandleFunc("POST /events/{id}/available", s.limited(s.authenticated(s.handleAvailable)))
	mux.HandleFunc("POST /bookings", s.limited(s.authenticated(s.handleBooking)))

	return s.instrument(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion.
	// Page sockets set their own deadlines after the upgrade.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.RegisterOnShutdown(s.closePages)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")
	res := s.poller.CheckAndPromote(r.Context())
	if res.Failed > 0 {
		s.logger.Warn("Poll completed with failures", "failed", res.Failed)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "completed",
		"pending":  res.Pending,
		"promoted": res.Promoted,
		"purged":   res.Purged,
		"failed":   res.Failed,
	}, s.logger)
}
