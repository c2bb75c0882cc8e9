package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gogotex/livedoc/internal/document"
	"github.com/gogotex/livedoc/internal/document/handler"
	"github.com/gogotex/livedoc/internal/document/repository"
	"github.com/gogotex/livedoc/internal/document/service"
	"github.com/gogotex/livedoc/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func init() {
	gin.SetMode(gin.TestMode)
}

// backend is a real document service behind httptest that records requests.
type backend struct {
	*httptest.Server
	svc service.Service

	mu   sync.Mutex
	hits map[string]int
	puts []document.WriteRequest
}

func newBackend(t *testing.T, opts ...handler.Option) *backend {
	t.Helper()
	g := gin.New()
	svc := service.NewService(repository.NewMemoryRepo(), events.NewBus())
	handler.RegisterDocumentRoutes(g.Group("/api"), svc, opts...)

	b := &backend{svc: svc, hits: map[string]int{}}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		g.ServeHTTP(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) record(r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hits[r.Method+" "+r.URL.Path]++
	if r.Method == http.MethodPut && r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(raw))
		var req document.WriteRequest
		if json.Unmarshal(raw, &req) == nil {
			b.puts = append(b.puts, req)
		}
	}
}

func (b *backend) count(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[key]
}

func (b *backend) cursorWrites() []document.WriteRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []document.WriteRequest
	for _, p := range b.puts {
		if p.CursorOnly {
			out = append(out, p)
		}
	}
	return out
}

func startSession(t *testing.T, b *backend, user string, opts Options) *Session {
	t.Helper()
	s := NewSession(NewAPI(b.URL+"/api", nil), "doc", user, opts)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Start(t.Context()))
	require.Eventually(t, func() bool { return s.View().State == StateSubscribed }, waitFor, tick)
	return s
}

func TestSession_TwoUsersEndToEnd(t *testing.T) {
	b := newBackend(t)
	var changes atomic.Int32
	alice := startSession(t, b, "alice", Options{OnChange: func(View) { changes.Add(1) }})
	bob := startSession(t, b, "bob", Options{})

	require.Eventually(t, func() bool { return b.svc.ConnectionCount("doc") == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, document.Names(alice.View().Users))
	}, waitFor, tick, "alice sees bob join")
	require.True(t, alice.View().Connected)

	require.NoError(t, alice.Edit("hello", 5))
	require.Equal(t, "hello", alice.View().Content, "edits are applied locally first")

	require.Eventually(t, func() bool { return bob.View().Content == "hello" }, waitFor, tick)
	require.Eventually(t, func() bool {
		v := alice.View()
		return !v.Saving && v.LastUpdated == bob.View().LastUpdated
	}, waitFor, tick, "save response advances alice's clock")
	require.Empty(t, alice.View().SaveError)

	require.NoError(t, bob.Edit("hello world", 11))
	require.Eventually(t, func() bool { return alice.View().Content == "hello world" }, waitFor, tick)
	require.Positive(t, changes.Load())

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	require.Equal(t, StateClosed, alice.View().State)
	require.False(t, alice.View().Connected)
	require.Equal(t, 1, b.count("POST /api/document/doc/leave"))
	require.ErrorIs(t, alice.Edit("late", 0), ErrClosed)
	require.ErrorIs(t, alice.MoveCursor(1), ErrClosed)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob"}, document.Names(bob.View().Users))
	}, waitFor, tick, "bob sees alice leave")
	require.Eventually(t, func() bool { return b.svc.ConnectionCount("doc") == 1 }, waitFor, tick)
}

func TestSession_CursorMovesAreCoalesced(t *testing.T) {
	b := newBackend(t)
	s := startSession(t, b, "alice", Options{CursorThrottle: 50 * time.Millisecond})

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.MoveCursor(i))
	}
	require.Eventually(t, func() bool { return len(b.cursorWrites()) == 1 }, waitFor, tick)
	time.Sleep(150 * time.Millisecond)

	writes := b.cursorWrites()
	require.Len(t, writes, 1)
	require.NotNil(t, writes[0].CursorPosition)
	require.Equal(t, 10, *writes[0].CursorPosition)
	require.Nil(t, writes[0].Content)

	users := b.svc.Snapshot("doc").Users
	require.Len(t, users, 1)
	require.Equal(t, 10, users[0].CursorPosition)
}

func TestSession_EditCancelsPendingCursorMove(t *testing.T) {
	b := newBackend(t)
	s := startSession(t, b, "alice", Options{CursorThrottle: 50 * time.Millisecond})

	require.NoError(t, s.MoveCursor(3))
	require.NoError(t, s.Edit("abc", 3))
	time.Sleep(150 * time.Millisecond)

	require.Empty(t, b.cursorWrites())
	require.Equal(t, "abc", b.svc.Snapshot("doc").Content)
}

func TestSession_ReconnectsAfterStreamLoss(t *testing.T) {
	b := newBackend(t)
	s := startSession(t, b, "alice", Options{BackoffBase: 10 * time.Millisecond, BackoffCap: 40 * time.Millisecond})
	require.Equal(t, 1, b.count("GET /api/document/doc/events"))

	b.CloseClientConnections()

	require.Eventually(t, func() bool {
		v := s.View()
		return b.count("GET /api/document/doc/events") >= 2 && v.State == StateSubscribed && v.Attempts == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool { return b.svc.ConnectionCount("doc") == 1 }, waitFor, tick)

	// the new stream is live
	content := "after reconnect"
	_, err := b.svc.Mutate("doc", document.WriteRequest{Content: &content, Name: strPtr("bob")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.View().Content == content }, waitFor, tick)
}

func TestSession_GivesUpAfterMaxRetries(t *testing.T) {
	var streams atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/document/doc/events":
			streams.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"content":"seed","users":[],"lastUpdated":1}`))
		default:
			_, _ = w.Write([]byte(`{"success":true,"users":[]}`))
		}
	}))
	defer srv.Close()

	s := NewSession(NewAPI(srv.URL, nil), "doc", "alice", Options{
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		MaxRetries:  5,
	})
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	require.Eventually(t, func() bool { return s.View().State == StateGivenUp }, waitFor, tick)
	v := s.View()
	require.EqualValues(t, 6, streams.Load(), "initial attempt plus five retries")
	require.Equal(t, 5, v.Attempts)
	require.False(t, v.Connected)
	require.True(t, errors.Is(v.Err, ErrGivenUp))
	require.Equal(t, "seed", v.Content, "snapshot is still applied")

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 6, streams.Load(), "no retries after giving up")
}

func TestSession_HeartbeatMarksDegraded(t *testing.T) {
	b := newBackend(t, handler.WithKeepalive(time.Hour))
	s := startSession(t, b, "alice", Options{Heartbeat: 50 * time.Millisecond})

	require.Eventually(t, func() bool { return s.View().State == StateDegraded }, waitFor, tick)
	require.False(t, s.View().Connected)
	require.Equal(t, 1, b.svc.ConnectionCount("doc"), "stream is kept open")

	content := "wake up"
	_, err := b.svc.Mutate("doc", document.WriteRequest{Content: &content, Name: strPtr("bob")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v := s.View()
		return v.Content == content && v.Connected
	}, waitFor, tick)
}

func TestSession_KeepalivesHoldConnection(t *testing.T) {
	b := newBackend(t, handler.WithKeepalive(10*time.Millisecond))
	s := startSession(t, b, "alice", Options{Heartbeat: 100 * time.Millisecond})

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, StateSubscribed, s.View().State)
}

func TestSession_SaveErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSession(NewAPI(srv.URL, nil), "doc", "alice", Options{})
	defer s.Close()
	require.NoError(t, s.Edit("draft", 5))
	require.Equal(t, "draft", s.View().Content)
	require.Eventually(t, func() bool {
		return s.View().SaveError == "Failed to save changes. Please check your connection."
	}, waitFor, tick)
	require.False(t, s.View().Saving)

	s.DismissError()
	require.Eventually(t, func() bool { return s.View().SaveError == "" }, waitFor, tick)

	offline := httptest.NewServer(http.NotFoundHandler())
	url := offline.URL
	offline.Close()
	o := NewSession(NewAPI(url, nil), "doc", "alice", Options{})
	defer o.Close()
	require.NoError(t, o.Edit("draft", 5))
	require.Eventually(t, func() bool {
		return o.View().SaveError == "Failed to save changes. You appear to be offline."
	}, waitFor, tick)
}

func TestSession_Lifecycle(t *testing.T) {
	b := newBackend(t)
	s := NewSession(NewAPI(b.URL+"/api", nil), "doc", "alice", Options{})
	require.Equal(t, StateIdle, s.View().State)
	require.Equal(t, "idle", s.View().State.String())

	require.NoError(t, s.Close())
	require.Equal(t, 0, b.count("POST /api/document/doc/leave"), "no leave without a join")
	require.ErrorIs(t, s.Start(t.Context()), ErrClosed)

	ctx, cancel := context.WithCancel(t.Context())
	s2 := NewSession(NewAPI(b.URL+"/api", nil), "doc", "bob", Options{})
	require.NoError(t, s2.Start(ctx))
	require.Error(t, s2.Start(ctx), "second start")
	require.Eventually(t, func() bool { return s2.View().State == StateSubscribed }, waitFor, tick)

	cancel()
	require.Eventually(t, func() bool { return s2.View().State == StateClosed }, waitFor, tick)
	require.Eventually(t, func() bool { return b.count("POST /api/document/doc/leave") == 1 }, waitFor, tick)
	require.Empty(t, b.svc.Snapshot("doc").Users)
}
