package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gogotex/livedoc/internal/document"
	"github.com/gogotex/livedoc/pkg/logger"
	"github.com/gogotex/livedoc/pkg/metrics"
)

// DefaultLivenessWindow is how long a participant stays visible without any
// join or mutation attributed to it.
const DefaultLivenessWindow = 30 * time.Second

var log = logger.Named("store")

// Option configures a MemoryRepo.
type Option func(*MemoryRepo)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryRepo) { m.now = now }
}

// WithLivenessWindow overrides DefaultLivenessWindow.
func WithLivenessWindow(d time.Duration) Option {
	return func(m *MemoryRepo) { m.liveness = d }
}

// Commit observes the document state produced by a write. It runs while the
// document is still locked, so commits for one id are seen in the order the
// writes were applied. It must not call back into the MemoryRepo.
type Commit func(id string, snap document.Snapshot)

// entry is the per-document state. All fields are guarded by mu; removed is
// set once by the reaper and tells late callers to look the id up again.
type entry struct {
	mu           sync.Mutex
	removed      bool
	content      string
	participants map[string]document.Participant
	lastUpdated  int64
	touched      time.Time
}

// MemoryRepo is the process-lifetime document store. The registry lock only
// guards the id -> entry map; every read-modify-write on a document runs
// under that document's own lock, so operations on one id are linearizable
// and different ids never contend.
type MemoryRepo struct {
	mu       sync.RWMutex
	store    map[string]*entry
	now      func() time.Time
	liveness time.Duration
}

func NewMemoryRepo(opts ...Option) *MemoryRepo {
	m := &MemoryRepo{
		store:    make(map[string]*entry),
		now:      time.Now,
		liveness: DefaultLivenessWindow,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MemoryRepo) lookup(id string, create bool) *entry {
	m.mu.RLock()
	e, ok := m.store[id]
	m.mu.RUnlock()
	if ok || !create {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.store[id]; ok {
		return e
	}
	now := m.now()
	e = &entry{
		participants: make(map[string]document.Participant),
		lastUpdated:  now.UnixMilli(),
		touched:      now,
	}
	m.store[id] = e
	metrics.StoreDocuments.Inc()
	log.Debugf("created document %q", id)
	return e
}

// with runs fn while holding the lock of the entry for id. It reports false
// when the document does not exist and create is false.
func (m *MemoryRepo) with(id string, create bool, fn func(e *entry, now time.Time)) bool {
	for {
		e := m.lookup(id, create)
		if e == nil {
			return false
		}
		e.mu.Lock()
		if e.removed {
			// reaped between lookup and lock
			e.mu.Unlock()
			continue
		}
		func() {
			defer e.mu.Unlock()
			fn(e, m.now())
		}()
		return true
	}
}

func (m *MemoryRepo) evictStale(id string, e *entry, now time.Time) {
	cutoff := now.UnixMilli() - m.liveness.Milliseconds()
	for name, p := range e.participants {
		if p.LastActive < cutoff {
			delete(e.participants, name)
			metrics.StoreParticipantsEvicted.Inc()
			log.Debugf("evicted stale participant %q from %q", name, id)
		}
	}
}

func (e *entry) users() []document.Participant {
	out := make([]document.Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func notify(id string, snap document.Snapshot, commit []Commit) {
	for _, c := range commit {
		if c != nil {
			c(id, snap)
		}
	}
}

func (e *entry) snapshot() document.Snapshot {
	return document.Snapshot{Content: e.content, Users: e.users(), LastUpdated: e.lastUpdated}
}

// GetOrCreate returns the stored state for id without evicting anything,
// creating an empty document when the id is unknown.
func (m *MemoryRepo) GetOrCreate(id string) document.Snapshot {
	var out document.Snapshot
	m.with(id, true, func(e *entry, _ time.Time) {
		out = e.snapshot()
	})
	return out
}

// Snapshot returns content, live participants and lastUpdated. Stale
// participants are removed from the stored map, not only from the result.
func (m *MemoryRepo) Snapshot(id string) document.Snapshot {
	var out document.Snapshot
	m.with(id, true, func(e *entry, now time.Time) {
		m.evictStale(id, e, now)
		out = e.snapshot()
	})
	return out
}

// Join inserts or overwrites the participant with cursor 0 and returns the
// live participant list.
func (m *MemoryRepo) Join(id, name string, commit ...Commit) []document.Participant {
	var out []document.Participant
	m.with(id, true, func(e *entry, now time.Time) {
		e.participants[name] = document.Participant{Name: name, LastActive: now.UnixMilli()}
		e.touched = now
		m.evictStale(id, e, now)
		snap := e.snapshot()
		out = snap.Users
		notify(id, snap, commit)
	})
	metrics.StoreMutations.WithLabelValues("join").Inc()
	return out
}

// Leave removes the participant. Unknown documents and names are a no-op and
// the document is not created. It reports whether an entry was removed.
// Commits only run when something was removed.
func (m *MemoryRepo) Leave(id, name string, commit ...Commit) bool {
	removed := false
	m.with(id, false, func(e *entry, now time.Time) {
		e.touched = now
		if _, ok := e.participants[name]; !ok {
			return
		}
		delete(e.participants, name)
		removed = true
		m.evictStale(id, e, now)
		notify(id, e.snapshot(), commit)
	})
	if removed {
		metrics.StoreMutations.WithLabelValues("leave").Inc()
	}
	return removed
}

// Users returns the live participant list, evicting stale entries.
func (m *MemoryRepo) Users(id string) []document.Participant {
	out := []document.Participant{}
	m.with(id, false, func(e *entry, now time.Time) {
		m.evictStale(id, e, now)
		out = e.users()
	})
	return out
}

// Write applies a mutation atomically. Content is replaced (and lastUpdated
// advanced) only when CursorOnly is false and Content is set; the named
// participant is upserted whenever Name is set.
func (m *MemoryRepo) Write(id string, req document.WriteRequest, commit ...Commit) document.Snapshot {
	var out document.Snapshot
	kind := "cursor"
	m.with(id, true, func(e *entry, now time.Time) {
		if !req.CursorOnly && req.Content != nil {
			e.content = *req.Content
			ts := now.UnixMilli()
			if ts <= e.lastUpdated {
				ts = e.lastUpdated + 1
			}
			e.lastUpdated = ts
			kind = "content"
		}
		if req.Name != nil {
			cursor := 0
			if req.CursorPosition != nil {
				cursor = *req.CursorPosition
			}
			e.participants[*req.Name] = document.Participant{
				Name:           *req.Name,
				CursorPosition: cursor,
				LastActive:     now.UnixMilli(),
			}
		}
		e.touched = now
		m.evictStale(id, e, now)
		out = e.snapshot()
		notify(id, out, commit)
	})
	metrics.StoreMutations.WithLabelValues(kind).Inc()
	return out
}

// Len returns the number of documents held.
func (m *MemoryRepo) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}

// Reap removes documents untouched for at least idle that have no live
// participants and for which keep (if non-nil) returns false. It returns the
// number of documents removed.
func (m *MemoryRepo) Reap(idle time.Duration, keep func(id string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.store {
		e.mu.Lock()
		m.evictStale(id, e, now)
		if now.Sub(e.touched) >= idle && len(e.participants) == 0 && (keep == nil || !keep(id)) {
			e.removed = true
			delete(m.store, id)
			n++
		}
		e.mu.Unlock()
	}
	if n > 0 {
		metrics.StoreDocuments.Sub(float64(n))
		metrics.StoreDocumentsReaped.Add(float64(n))
		log.Infof("reaped %d idle documents", n)
	}
	return n
}

// RunReaper calls Reap every interval until ctx is done.
func (m *MemoryRepo) RunReaper(ctx context.Context, every, idle time.Duration, keep func(id string) bool) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Reap(idle, keep)
		}
	}
}
