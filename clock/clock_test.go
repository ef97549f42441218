package clock

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestFakeAdvanceFiresPerInterval(t *testing.T) {
	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var runs int
	stop := f.Every(time.Hour, func() { runs++ })

	f.Advance(59 * time.Minute)
	if runs != 0 {
		t.Fatalf("runs = %d before first interval, want 0", runs)
	}

	f.Advance(3 * time.Hour)
	if runs != 3 {
		t.Fatalf("runs = %d after 3h59m, want 3", runs)
	}
	if got := f.Now(); !got.Equal(start.Add(3*time.Hour + 59*time.Minute)) {
		t.Errorf("Now() = %v", got)
	}

	stop()
	f.Advance(5 * time.Hour)
	if runs != 3 {
		t.Errorf("runs = %d after stop, want 3", runs)
	}
	if f.Jobs() != 0 {
		t.Errorf("Jobs() = %d after stop, want 0", f.Jobs())
	}
}

func TestFakeJobSeesDueTime(t *testing.T) {
	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var seen []time.Time
	f.Every(30*time.Minute, func() { seen = append(seen, f.Now()) })
	f.Advance(time.Hour)

	if len(seen) != 2 {
		t.Fatalf("len(seen) = %d, want 2", len(seen))
	}
	if !seen[0].Equal(start.Add(30*time.Minute)) || !seen[1].Equal(start.Add(time.Hour)) {
		t.Errorf("seen = %v", seen)
	}
}

func TestCronEveryStops(t *testing.T) {
	c := NewCron(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var runs atomic.Int32
	stop := c.Every(time.Second, func() { runs.Add(1) })
	stop()

	n := runs.Load()
	time.Sleep(1500 * time.Millisecond)
	if runs.Load() != n {
		t.Errorf("job ran after stop")
	}
}
