package events

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gogotex/livedoc/pkg/logger"
	"github.com/gogotex/livedoc/pkg/metrics"
)

var log = logger.Named("bus")

// Listener receives events for one document. Listeners are called
// synchronously from Publish and must not block; a listener that needs to do
// I/O should hand the event off to its own goroutine or queue.
type Listener func(Event)

// Subscription is the handle returned by Subscribe and the key used to
// remove the listener again.
type Subscription struct {
	ID         string
	DocumentID string
	listener   Listener
}

// Bus is an in-process registry of document listeners. The zero value is not
// usable; construct one with NewBus and share it.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe registers l for events on documentID.
func (b *Bus) Subscribe(documentID string, l Listener) *Subscription {
	s := &Subscription{ID: uuid.NewString(), DocumentID: documentID, listener: l}
	b.mu.Lock()
	set, ok := b.subs[documentID]
	if !ok {
		set = make(map[string]*Subscription)
		b.subs[documentID] = set
	}
	set[s.ID] = s
	n := len(set)
	b.mu.Unlock()

	metrics.BusSubscribers.Inc()
	log.Infof("connection added for document %s. Total: %d", documentID, n)
	return s
}

// Unsubscribe removes s. Removing an unknown or already removed handle is a
// no-op. The document's registry entry is dropped with its last listener.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	set, ok := b.subs[s.DocumentID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, ok := set[s.ID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(set, s.ID)
	n := len(set)
	if n == 0 {
		delete(b.subs, s.DocumentID)
	}
	b.mu.Unlock()

	metrics.BusSubscribers.Dec()
	log.Infof("connection removed for document %s. Total: %d", s.DocumentID, n)
}

// Publish delivers ev to every listener registered for documentID at the
// time of the call and returns how many listeners returned normally. A
// panicking listener is logged and skipped.
func (b *Bus) Publish(documentID string, ev Event) int {
	b.mu.RLock()
	set := b.subs[documentID]
	targets := make([]*Subscription, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	metrics.BusEventsPublished.WithLabelValues(ev.Type()).Inc()
	if len(targets) == 0 {
		return 0
	}
	log.Debugf("emitting %s event to %d listeners for document %s", ev.Type(), len(targets), documentID)

	delivered := 0
	for _, s := range targets {
		if deliver(s, ev) {
			delivered++
		}
	}
	return delivered
}

func deliver(s *Subscription, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusListenerFailures.Inc()
			log.Errorf("listener %s on document %s failed: %v", s.ID, s.DocumentID, r)
			ok = false
		}
	}()
	s.listener(ev)
	return true
}

// ConnectionCount returns the number of listeners for documentID.
func (b *Bus) ConnectionCount(documentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[documentID])
}

// Documents returns the ids that currently have at least one listener.
func (b *Bus) Documents() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.subs))
	for id := range b.subs {
		out = append(out, id)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}
