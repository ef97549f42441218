package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock and Ticker.
type Fake struct {
	now  time.Time
	jobs map[int]*fakeJob
	mu   sync.Mutex
	next int
}

type fakeJob struct {
	due      time.Time
	fn       func()
	interval time.Duration
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, jobs: make(map[int]*fakeJob)}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t without firing jobs.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Every registers fn to fire each time the clock passes another interval.
func (f *Fake) Every(d time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.jobs[id] = &fakeJob{due: f.now.Add(d), fn: fn, interval: d}
	return func() {
		f.mu.Lock()
		delete(f.jobs, id)
		f.mu.Unlock()
	}
}

// Jobs returns the number of armed jobs.
func (f *Fake) Jobs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// Advance moves the clock forward by d, synchronously running every job that
// becomes due, once per elapsed interval.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var job *fakeJob
		for _, j := range f.jobs {
			if !j.due.After(target) && (job == nil || j.due.Before(job.due)) {
				job = j
			}
		}
		if job == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = job.due
		job.due = job.due.Add(job.interval)
		fn := job.fn
		f.mu.Unlock()

		fn()
	}
}
