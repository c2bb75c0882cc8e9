package service

import (
	"errors"
	"fmt"

	"github.com/gogotex/livedoc/internal/document"
	"github.com/gogotex/livedoc/internal/document/repository"
	"github.com/gogotex/livedoc/internal/events"
)

var (
	// ErrInvalid marks a request that failed validation; nothing was written
	// or published.
	ErrInvalid = errors.New("invalid request")
)

// Service defines the synchronization operations used by the handler layer.
type Service interface {
	Snapshot(id string) document.Snapshot
	Join(id, name string) ([]document.Participant, error)
	Leave(id, name string)
	Mutate(id string, req document.WriteRequest) (document.Snapshot, error)
	Subscribe(id string, l events.Listener) *events.Subscription
	Unsubscribe(s *events.Subscription)
	ConnectionCount(id string) int
}

// NewService returns a Service over the given store and bus. Both are shared,
// process-wide resources owned by the caller.
func NewService(repo *repository.MemoryRepo, bus *events.Bus) Service {
	return &syncService{repo: repo, bus: bus}
}

type syncService struct {
	repo *repository.MemoryRepo
	bus  *events.Bus
}

func (s *syncService) Snapshot(id string) document.Snapshot {
	return s.repo.Snapshot(id)
}

func (s *syncService) Join(id, name string) ([]document.Participant, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: userName is required", ErrInvalid)
	}
	users := s.repo.Join(id, name, func(id string, snap document.Snapshot) {
		s.bus.Publish(id, events.UserUpdate{Users: snap.Users, UpdatedBy: name})
	})
	return users, nil
}

func (s *syncService) Leave(id, name string) {
	if name == "" {
		return
	}
	s.repo.Leave(id, name, func(id string, snap document.Snapshot) {
		s.bus.Publish(id, events.UserUpdate{Users: snap.Users, UpdatedBy: name})
	})
}

// Mutate applies req and publishes exactly one event: a UserUpdate for
// cursor-only writes, an Update otherwise. The event is published before the
// document is unlocked, so subscribers see writes in store order. An empty
// userName is treated as absent.
func (s *syncService) Mutate(id string, req document.WriteRequest) (document.Snapshot, error) {
	if req.Name != nil && *req.Name == "" {
		req.Name = nil
	}
	var by string
	if req.Name != nil {
		by = *req.Name
	}
	snap := s.repo.Write(id, req, func(id string, snap document.Snapshot) {
		if req.CursorOnly {
			s.bus.Publish(id, events.UserUpdate{Users: snap.Users, UpdatedBy: by})
			return
		}
		s.bus.Publish(id, events.Update{Content: snap.Content, Users: snap.Users, LastUpdated: snap.LastUpdated, UpdatedBy: by})
	})
	return snap, nil
}

func (s *syncService) Subscribe(id string, l events.Listener) *events.Subscription {
	return s.bus.Subscribe(id, l)
}

func (s *syncService) Unsubscribe(sub *events.Subscription) {
	s.bus.Unsubscribe(sub)
}

func (s *syncService) ConnectionCount(id string) int {
	return s.bus.ConnectionCount(id)
}
