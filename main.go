// Package main runs the museum notification service: the notification API,
// the live badge socket and the hourly notify-me reminder scan.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	gcs "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"museum-notifier/audience"
	"museum-notifier/badge"
	"museum-notifier/clock"
	"museum-notifier/docstore"
	"museum-notifier/email"
	"museum-notifier/identity"
	"museum-notifier/metrics"
	"museum-notifier/notifications"
	"museum-notifier/reminder"
	"museum-notifier/requests"
	"museum-notifier/server"
	"museum-notifier/storage"
)

// config is read once from the environment at startup.
type config struct {
	Location         *time.Location
	Port             string
	LogLevel         slog.Level
	LocalStorage     string
	Bucket           string
	RedisAddr        string
	RedisPassword    string
	FirebaseProject  string
	CredentialsJSON  string
	BrevoAPIKey      string
	MailFrom         string
	MailFromName     string
	BaseURL          string
	AllowedOrigins   []string
	RedisDB          int
	ReminderInterval time.Duration
	DirectoryTTL     time.Duration
	PurgeOverdue     bool
}

func loadConfig(getenv func(string) string) (*config, error) {
	cfg := &config{
		Port:             getenv("PORT"),
		LocalStorage:     getenv("LOCAL_STORAGE"),
		Bucket:           getenv("STORAGE_BUCKET"),
		RedisAddr:        getenv("REDIS_ADDR"),
		RedisPassword:    getenv("REDIS_PASSWORD"),
		FirebaseProject:  getenv("FIREBASE_PROJECT_ID"),
		CredentialsJSON:  getenv("GOOGLE_CREDENTIALS_JSON"),
		BrevoAPIKey:      getenv("BREVO_API_KEY"),
		MailFrom:         getenv("MAIL_FROM"),
		MailFromName:     getenv("MAIL_FROM_NAME"),
		BaseURL:          getenv("BASE_URL"),
		ReminderInterval: reminder.DefaultInterval,
		DirectoryTTL:     audience.DefaultDirectoryTTL,
		PurgeOverdue:     true,
		Location:         time.UTC,
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.MailFromName == "" {
		cfg.MailFromName = "Museum Notifications"
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	if v := getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("REDIS_DB: invalid database number %q", v)
		}
		cfg.RedisDB = n
	}
	if v := getenv("SITE_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return nil, fmt.Errorf("SITE_TIMEZONE: %w", err)
		}
		cfg.Location = loc
	}
	if v := getenv("REMINDER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < time.Second {
			return nil, fmt.Errorf("REMINDER_INTERVAL: invalid duration %q", v)
		}
		cfg.ReminderInterval = d
	}
	if v := getenv("DIRECTORY_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("DIRECTORY_CACHE_TTL: invalid duration %q", v)
		}
		cfg.DirectoryTTL = d
	}
	if v := getenv("PURGE_OVERDUE_REQUESTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("PURGE_OVERDUE_REQUESTS: %w", err)
		}
		cfg.PurgeOverdue = b
	}
	for o := range strings.SplitSeq(getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, strings.TrimSuffix(o, "/"))
		}
	}

	// Default to local development mode if no shared backend is specified
	if cfg.Bucket == "" && cfg.RedisAddr == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	if cfg.BaseURL == "" {
		if cfg.FirebaseProject != "" {
			return nil, errors.New("BASE_URL environment variable required (e.g., https://museum.example)")
		}
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	return cfg, nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	docs, verifier, closeDocs, err := openDocuments(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDocs()

	kv, closeKV, err := openKV(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeKV()

	mailer, err := newMailer(ctx, cfg, m, logger)
	if err != nil {
		return err
	}

	repo := notifications.New(docs, cfg.Location, m, logger)
	directory := audience.NewDirectory(docs, cfg.DirectoryTTL, logger)
	pending := requests.New(kv, requests.DefaultKey, logger)

	scheduler := reminder.New(reminder.Config{
		Requests:     pending,
		Sender:       repo,
		Languages:    directory,
		Clock:        clock.Real{},
		Ticker:       clock.NewCron(logger),
		Metrics:      m,
		Interval:     cfg.ReminderInterval,
		Location:     cfg.Location,
		PurgeOverdue: cfg.PurgeOverdue,
	}, logger)
	stopReminders := scheduler.Start(ctx)
	defer stopReminders()

	srv := server.New(&server.Config{
		Notifications:  repo,
		Requests:       pending,
		Directory:      directory,
		Dispatcher:     audience.NewDispatcher(repo, cfg.Location, m, logger),
		Poller:         scheduler,
		Mailer:         mailer,
		Verifier:       verifier,
		Clock:          clock.Real{},
		Metrics:        m,
		Gatherer:       registry,
		Logger:         logger,
		BadgeOptions:   badge.DefaultOptions,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	return srv.ListenAndServe(ctx, cfg.Port)
}

// openDocuments selects Firestore with Firebase token verification when a
// project is configured, and an in-memory store with the development
// verifier otherwise.
func openDocuments(ctx context.Context, cfg *config, logger *slog.Logger) (docstore.Store, identity.Verifier, func(), error) {
	if cfg.FirebaseProject == "" {
		logger.Warn("No FIREBASE_PROJECT_ID set, using in-memory documents and insecure development tokens")
		mem := docstore.NewMemory(clock.Real{}, logger)
		return mem, identity.DevVerifier{}, func() { closeQuietly(mem, logger) }, nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirebaseProject}, opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize firebase: %w", err)
	}
	fsClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize firestore: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		closeQuietly(fsClient, logger)
		return nil, nil, nil, fmt.Errorf("initialize firebase auth: %w", err)
	}

	store := docstore.NewFirestore(fsClient, logger)
	logger.Info("Using Firestore", "project", cfg.FirebaseProject)
	return store, identity.NewFirebaseVerifier(authClient), func() { closeQuietly(store, logger) }, nil
}

// openKV builds the key-value backend for the notify-me list. A local path
// wins over Redis, and Redis over Cloud Storage.
func openKV(ctx context.Context, cfg *config, logger *slog.Logger) (*storage.Store, func(), error) {
	sc := storage.Config{LocalPath: cfg.LocalStorage, Bucket: cfg.Bucket}
	closers := []func(){}

	switch {
	case cfg.LocalStorage != "":
		// Create local storage directory
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
	case cfg.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			closeQuietly(rdb, logger)
			return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		sc.Redis = rdb
		closers = append(closers, func() { closeQuietly(rdb, logger) })
	default:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		sc.Client = client
		closers = append(closers, func() { closeQuietly(client, logger) })
	}

	kv := storage.New(sc, logger)
	logger.Info("Request store ready", "backend", kv.Backend())
	return kv, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// newMailer picks Brevo when an API key is set, Gmail when credentials are
// available, and the logging mock otherwise.
func newMailer(ctx context.Context, cfg *config, m *metrics.Metrics, logger *slog.Logger) (*email.Sender, error) {
	ec := email.Config{Metrics: m, Location: cfg.Location, BaseURL: cfg.BaseURL}

	switch {
	case cfg.BrevoAPIKey != "":
		if cfg.MailFrom == "" {
			return nil, errors.New("MAIL_FROM required with BREVO_API_KEY")
		}
		ec.Provider = "brevo"
		return email.New(email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, logger), ec, logger), nil
	case cfg.CredentialsJSON != "" || (cfg.FirebaseProject != "" && isCloudRun(ctx)):
		svc, err := initGmailService(ctx, cfg.CredentialsJSON)
		if err != nil {
			if cfg.FirebaseProject != "" {
				return nil, fmt.Errorf("initialize gmail: %w", err)
			}
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			break
		}
		ec.Provider = "gmail"
		return email.New(email.NewGmailProvider(svc, cfg.MailFrom, cfg.MailFromName, logger), ec, logger), nil
	}

	logger.Info("Mock email mode enabled (no BREVO_API_KEY or Gmail credentials)")
	ec.Provider = "mock"
	return email.New(email.NewMockProvider(logger), ec, logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs gmail.send.
	return gmail.NewService(ctx)
}

type closer interface {
	Close() error
}

func closeQuietly(c closer, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("Failed to close client", "type", fmt.Sprintf("%T", c), "error", err)
	}
}
