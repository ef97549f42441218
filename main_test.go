package main

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"museum-notifier/audience"
	"museum-notifier/reminder"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(env(nil))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.LocalStorage != "./data" {
		t.Errorf("LocalStorage = %q, want ./data", cfg.LocalStorage)
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.ReminderInterval != reminder.DefaultInterval {
		t.Errorf("ReminderInterval = %v, want %v", cfg.ReminderInterval, reminder.DefaultInterval)
	}
	if cfg.DirectoryTTL != audience.DefaultDirectoryTTL {
		t.Errorf("DirectoryTTL = %v, want %v", cfg.DirectoryTTL, audience.DefaultDirectoryTTL)
	}
	if !cfg.PurgeOverdue {
		t.Error("PurgeOverdue = false, want true")
	}
	if cfg.Location != time.UTC {
		t.Errorf("Location = %v, want UTC", cfg.Location)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want INFO", cfg.LogLevel)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(env(map[string]string{
		"PORT":                   "9090",
		"LOG_LEVEL":              "debug",
		"REDIS_ADDR":             "localhost:6379",
		"REDIS_DB":               "2",
		"SITE_TIMEZONE":          "Asia/Qatar",
		"REMINDER_INTERVAL":      "15m",
		"DIRECTORY_CACHE_TTL":    "30s",
		"PURGE_OVERDUE_REQUESTS": "false",
		"ALLOWED_ORIGINS":        "https://museum.example/, https://admin.museum.example",
		"BASE_URL":               "https://museum.example",
	}))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Port != "9090" || cfg.RedisDB != 2 || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("unexpected config: port=%q db=%d level=%v", cfg.Port, cfg.RedisDB, cfg.LogLevel)
	}
	if cfg.LocalStorage != "" {
		t.Errorf("LocalStorage = %q, want empty when Redis is configured", cfg.LocalStorage)
	}
	if cfg.Location.String() != "Asia/Qatar" {
		t.Errorf("Location = %v", cfg.Location)
	}
	if cfg.ReminderInterval != 15*time.Minute || cfg.DirectoryTTL != 30*time.Second {
		t.Errorf("durations = %v, %v", cfg.ReminderInterval, cfg.DirectoryTTL)
	}
	if cfg.PurgeOverdue {
		t.Error("PurgeOverdue = true, want false")
	}
	want := []string{"https://museum.example", "https://admin.museum.example"}
	if strings.Join(cfg.AllowedOrigins, " ") != strings.Join(want, " ") {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "log level", env: map[string]string{"LOG_LEVEL": "loud"}, want: "LOG_LEVEL"},
		{name: "redis db", env: map[string]string{"REDIS_DB": "-1"}, want: "REDIS_DB"},
		{name: "timezone", env: map[string]string{"SITE_TIMEZONE": "Mars/Olympus"}, want: "SITE_TIMEZONE"},
		{name: "interval", env: map[string]string{"REMINDER_INTERVAL": "10ms"}, want: "REMINDER_INTERVAL"},
		{name: "ttl", env: map[string]string{"DIRECTORY_CACHE_TTL": "soon"}, want: "DIRECTORY_CACHE_TTL"},
		{name: "purge", env: map[string]string{"PURGE_OVERDUE_REQUESTS": "maybe"}, want: "PURGE_OVERDUE_REQUESTS"},
		{name: "production without base url", env: map[string]string{"FIREBASE_PROJECT_ID": "museum"}, want: "BASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(env(tt.env))
			if err == nil {
				t.Fatal("loadConfig() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("loadConfig() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
