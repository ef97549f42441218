// Package clock abstracts wall-clock time and fixed-interval re-arming so
// schedulers can be driven by a fake in tests.
package clock

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Ticker runs fn every d until the returned stop function is called.
// The first run happens one interval after registration.
type Ticker interface {
	Every(d time.Duration, fn func()) (stop func())
}

// Real is the system clock.
type Real struct{}

// Now returns time.Now.
func (Real) Now() time.Time { return time.Now() }

// Cron is a Ticker backed by robfig/cron constant-delay schedules.
// Overlapping runs of the same job are skipped.
type Cron struct {
	logger *slog.Logger
}

// NewCron creates a cron-backed ticker.
func NewCron(logger *slog.Logger) *Cron {
	return &Cron{logger: logger}
}

// Every schedules fn at a fixed delay. Intervals below one second are rounded
// up by cron.Every.
func (c *Cron) Every(d time.Duration, fn func()) func() {
	l := cronLogger{logger: c.logger}
	sched := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	sched.Schedule(cron.Every(d), cron.FuncJob(fn))
	sched.Start()
	c.logger.Debug("Interval job armed", "interval", d.String())

	return func() {
		<-sched.Stop().Done()
		c.logger.Debug("Interval job stopped", "interval", d.String())
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
