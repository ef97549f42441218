package docstore

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"museum-notifier/clock"
)

// Memory is an in-process Store used for local development and tests.
// Live queries are delivered synchronously on the writing goroutine after the
// write has been committed; a snapshot older than one already delivered to the
// same listener is dropped.
type Memory struct {
	clock       clock.Clock
	logger      *slog.Logger
	collections map[string]map[string]*memDoc
	listeners   map[int]*memListener
	mu          sync.Mutex
	seq         uint64
	version     uint64
	nextID      int
}

type memDoc struct {
	data map[string]any
	id   string
	seq  uint64
}

type memListener struct {
	feed   *feed
	cancel func()
	query  Query
}

// NewMemory creates an empty in-memory store. Server timestamps come from clk.
func NewMemory(clk clock.Clock, logger *slog.Logger) *Memory {
	return &Memory{
		clock:       clk,
		logger:      logger,
		collections: make(map[string]map[string]*memDoc),
		listeners:   make(map[int]*memListener),
	}
}

// Add stores a copy of data under a random id.
func (m *Memory) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]*memDoc)
		m.collections[collection] = coll
	}
	m.seq++
	doc := &memDoc{id: uuid.NewString(), seq: m.seq, data: m.resolve(data)}
	coll[doc.id] = doc
	affected := m.affectedLocked(collection, nil, doc.data)
	m.mu.Unlock()
	m.notify(affected)

	m.logger.Debug("Document added", "collection", collection, "id", doc.id)
	return doc.id, nil
}

// Find returns matching documents, sorted when q.OrderBy is set.
func (m *Memory) Find(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(q), nil
}

// Update merges fields into the document with the given id.
func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	doc, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	before := maps.Clone(doc.data)
	maps.Copy(doc.data, m.resolve(fields))
	affected := m.affectedLocked(collection, before, doc.data)
	m.mu.Unlock()
	m.notify(affected)
	return nil
}

// Listen registers a live query and delivers the initial snapshot before returning.
func (m *Memory) Listen(ctx context.Context, q Query, onSnapshot func([]Document), onError func(error)) func() {
	f := newFeed(onSnapshot, onError)
	stopped := make(chan struct{})
	l := &memListener{feed: f, query: q}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	cancel := func() {
		if !f.stop() {
			return
		}
		close(stopped)
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
	l.cancel = cancel
	m.listeners[id] = l
	initial := pendingSnapshot{feed: f, docs: m.findLocked(q), version: m.version}
	m.mu.Unlock()
	m.notify([]pendingSnapshot{initial})

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-stopped:
			}
		}()
	}
	return cancel
}

// Listeners returns the number of attached live queries.
func (m *Memory) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Close detaches every live query.
func (m *Memory) Close() error {
	m.mu.Lock()
	cancels := make([]func(), 0, len(m.listeners))
	for _, l := range m.listeners {
		cancels = append(cancels, l.cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

type pendingSnapshot struct {
	feed    *feed
	docs    []Document
	version uint64
}

// affectedLocked computes fresh snapshots for listeners whose result set may
// have changed because a document moved from before to after.
func (m *Memory) affectedLocked(collection string, before, after map[string]any) []pendingSnapshot {
	m.version++
	var out []pendingSnapshot
	for _, l := range m.listeners {
		if l.query.Collection != collection {
			continue
		}
		if (before != nil && matches(before, l.query.Filters)) || matches(after, l.query.Filters) {
			out = append(out, pendingSnapshot{feed: l.feed, docs: m.findLocked(l.query), version: m.version})
		}
	}
	return out
}

func (m *Memory) notify(pending []pendingSnapshot) {
	for _, p := range pending {
		p.feed.deliver(p.version, p.docs)
	}
}

func (m *Memory) findLocked(q Query) []Document {
	var hits []*memDoc
	for _, doc := range m.collections[q.Collection] {
		if matches(doc.data, q.Filters) {
			hits = append(hits, doc)
		}
	}

	slices.SortFunc(hits, func(a, b *memDoc) int {
		if q.OrderBy != "" {
			c := compareValues(a.data[q.OrderBy], b.data[q.OrderBy])
			if q.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		c := cmp.Compare(a.seq, b.seq)
		if q.Descending {
			c = -c
		}
		return c
	})

	docs := make([]Document, 0, len(hits))
	for _, doc := range hits {
		docs = append(docs, Document{ID: doc.id, Data: maps.Clone(doc.data)})
	}
	return docs
}

func (m *Memory) resolve(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if v == ServerTimestamp {
			v = m.clock.Now().UTC()
		}
		out[k] = v
	}
	return out
}

func matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok || !reflect.DeepEqual(v, f.Value) {
			return false
		}
	}
	return true
}

func compareValues(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case int:
		if y, ok := b.(int); ok {
			return cmp.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	}
	// Missing or mismatched values sort first.
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return 0
}
