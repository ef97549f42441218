package docstore

import "sync"

// feed serializes snapshot delivery with cancellation so that no callback
// starts, or is still running, once cancel has returned. Snapshots carry a
// version; anything not newer than the last delivered one is dropped.
type feed struct {
	onSnapshot func([]Document)
	onError    func(error)
	mu         sync.Mutex
	delivered  uint64
	started    bool
	stopped    bool
}

func newFeed(onSnapshot func([]Document), onError func(error)) *feed {
	return &feed{onSnapshot: onSnapshot, onError: onError}
}

func (f *feed) deliver(version uint64, docs []Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || (f.started && version <= f.delivered) {
		return
	}
	f.started = true
	f.delivered = version
	f.onSnapshot(docs)
}

func (f *feed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.onError == nil {
		return
	}
	f.onError(err)
}

// stop reports whether this call performed the transition.
func (f *feed) stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.stopped = true
	return true
}
