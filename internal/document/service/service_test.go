package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gogotex/livedoc/internal/document"
	"github.com/gogotex/livedoc/internal/document/repository"
	"github.com/gogotex/livedoc/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *capture) listen(ev events.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *capture) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.evs...)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func newTestService() (Service, *events.Bus) {
	bus := events.NewBus()
	return NewService(repository.NewMemoryRepo(), bus), bus
}

func TestMutate_ContentPublishesUpdate(t *testing.T) {
	svc, _ := newTestService()
	var c capture
	sub := svc.Subscribe("d1", c.listen)
	defer svc.Unsubscribe(sub)

	before := svc.Snapshot("d1").LastUpdated
	snap, err := svc.Mutate("d1", document.WriteRequest{Content: strPtr("hello"), Name: strPtr("alice"), CursorPosition: intPtr(5)})
	require.NoError(t, err)
	require.Equal(t, "hello", snap.Content)
	require.Greater(t, snap.LastUpdated, before)

	evs := c.all()
	require.Len(t, evs, 1)
	up, ok := evs[0].(events.Update)
	require.True(t, ok, "expected update event, got %T", evs[0])
	assert.Equal(t, "hello", up.Content)
	assert.Equal(t, "alice", up.UpdatedBy)
	assert.Equal(t, snap.LastUpdated, up.LastUpdated)
	assert.Equal(t, []string{"alice"}, document.Names(up.Users))
}

func TestMutate_CursorOnlyPublishesUserUpdate(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Mutate("d1", document.WriteRequest{Content: strPtr("hello")})
	require.NoError(t, err)

	var c capture
	svc.Subscribe("d1", c.listen)
	snap, err := svc.Mutate("d1", document.WriteRequest{Content: strPtr("hello"), Name: strPtr("bob"), CursorPosition: intPtr(3), CursorOnly: true})
	require.NoError(t, err)
	require.Equal(t, "hello", snap.Content, "post-write state is still returned")

	evs := c.all()
	require.Len(t, evs, 1)
	uu, ok := evs[0].(events.UserUpdate)
	require.True(t, ok, "expected userUpdate event, got %T", evs[0])
	require.Equal(t, "bob", uu.UpdatedBy)
	require.Len(t, uu.Users, 1)
	require.Equal(t, 3, uu.Users[0].CursorPosition)
}

func TestMutate_EmptyNameIsTreatedAsAbsent(t *testing.T) {
	svc, _ := newTestService()
	var c capture
	svc.Subscribe("d1", c.listen)

	snap, err := svc.Mutate("d1", document.WriteRequest{Content: strPtr("x"), Name: strPtr("")})
	require.NoError(t, err)
	require.Equal(t, "x", snap.Content)
	require.Empty(t, snap.Users)

	evs := c.all()
	require.Len(t, evs, 1)
	require.Equal(t, "", evs[0].(events.Update).UpdatedBy)
}

func TestMutate_CursorIsAdvisory(t *testing.T) {
	svc, _ := newTestService()
	snap, err := svc.Mutate("d1", document.WriteRequest{Name: strPtr("a"), CursorPosition: intPtr(-1), CursorOnly: true})
	require.NoError(t, err)
	require.Len(t, snap.Users, 1)
	require.Equal(t, -1, snap.Users[0].CursorPosition)
}

// Concurrent cursor writers: the last presence event a subscriber receives
// must match what the store holds once every write has returned.
func TestMutate_PresenceEventsFollowStoreOrder(t *testing.T) {
	const (
		trials  = 200
		writers = 8
		moves   = 20
	)
	for trial := 0; trial < trials; trial++ {
		svc, _ := newTestService()
		var (
			mu   sync.Mutex
			last []document.Participant
		)
		sub := svc.Subscribe("d", func(ev events.Event) {
			if uu, ok := ev.(events.UserUpdate); ok {
				mu.Lock()
				last = uu.Users
				mu.Unlock()
			}
		})

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				name := fmt.Sprintf("user-%d", w)
				for i := 0; i < moves; i++ {
					_, err := svc.Mutate("d", document.WriteRequest{Name: &name, CursorPosition: intPtr(i), CursorOnly: true})
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()
		svc.Unsubscribe(sub)

		mu.Lock()
		got := last
		mu.Unlock()
		require.Equal(t, svc.Snapshot("d").Users, got, "trial %d", trial)
	}
}

func TestJoinLeave_PublishPresence(t *testing.T) {
	svc, _ := newTestService()
	var c capture
	svc.Subscribe("d1", c.listen)

	users, err := svc.Join("d1", "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, document.Names(users))
	_, err = svc.Join("d1", "bob")
	require.NoError(t, err)

	svc.Leave("d1", "alice")
	svc.Leave("d1", "alice") // second leave is silent
	svc.Leave("unknown", "alice")

	evs := c.all()
	require.Len(t, evs, 3)
	last := evs[2].(events.UserUpdate)
	require.Equal(t, "alice", last.UpdatedBy)
	require.Equal(t, []string{"bob"}, document.Names(last.Users))

	_, err = svc.Join("d1", "")
	require.True(t, errors.Is(err, ErrInvalid))
}

func TestMutate_FailingListenerDoesNotFailMutation(t *testing.T) {
	svc, _ := newTestService()
	svc.Subscribe("d1", func(events.Event) { panic("listener exploded") })
	var c capture
	svc.Subscribe("d1", c.listen)

	snap, err := svc.Mutate("d1", document.WriteRequest{Content: strPtr("still saved")})
	require.NoError(t, err)
	require.Equal(t, "still saved", snap.Content)
	require.Len(t, c.all(), 1)
	require.Equal(t, 2, svc.ConnectionCount("d1"))
}
