package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogotex/livedoc/internal/document"
	"github.com/gogotex/livedoc/internal/events"
	"github.com/gogotex/livedoc/pkg/logger"
)

var log = logger.Named("client")

const (
	DefaultHeartbeat      = 10 * time.Second
	DefaultBackoffBase    = time.Second
	DefaultBackoffCap     = 10 * time.Second
	DefaultMaxRetries     = 5
	DefaultCursorThrottle = 150 * time.Millisecond
	DefaultLeaveTimeout   = 2 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

const (
	saveFailedStatus  = "Failed to save changes. Please check your connection."
	saveFailedOffline = "Failed to save changes. You appear to be offline."
)

// State is the connection state of a Session.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateSyncing
	StateSubscribed
	StateDegraded
	StateReconnecting
	StateGivenUp
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateSyncing:
		return "syncing"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given-up"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options tunes a Session. Zero fields take the Default* values.
type Options struct {
	Heartbeat      time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxRetries     int
	CursorThrottle time.Duration
	LeaveTimeout   time.Duration
	RequestTimeout time.Duration
	// OnChange is called from the session goroutine after every state
	// change. It must not block or call back into the Session synchronously.
	OnChange func(View)
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.CursorThrottle <= 0 {
		o.CursorThrottle = DefaultCursorThrottle
	}
	if o.LeaveTimeout <= 0 {
		o.LeaveTimeout = DefaultLeaveTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// View is the UI-facing state of a Session.
type View struct {
	DocumentID  string
	UserName    string
	Content     string
	Users       []document.Participant
	LastUpdated int64
	Connected   bool
	State       State
	Saving      bool
	SaveError   string
	Attempts    int
	// Err is ErrGivenUp once reconnecting stops.
	Err error
}

func (v View) clone() View {
	v.Users = append([]document.Participant(nil), v.Users...)
	return v
}

// Session keeps a local replica of one document for one user. All mutable
// state is owned by a single goroutine; timers, stream readers and HTTP
// calls hand their results to it as messages.
type Session struct {
	api  *API
	id   string
	user string
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan func()
	quit   chan struct{}
	done   chan struct{}

	started   atomic.Bool
	closeOnce sync.Once

	mu     sync.Mutex
	shared View

	// owned by the loop goroutine
	view        View
	lastApplied int64
	gen         int
	stream      *Stream
	heartbeat   *time.Timer
	retry       *time.Timer
	cursorTimer *time.Timer
	cursorSeq   int
	cursorPos   int
	inflight    int
}

// NewSession returns an idle session for user on document id.
func NewSession(api *API, id, user string, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		api:    api,
		id:     id,
		user:   user,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		msgs:   make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.view = View{DocumentID: id, UserName: user, State: StateIdle}
	s.shared = s.view.clone()
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.msgs:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn for the loop goroutine. It reports false once the loop has stopped.
func (s *Session) post(fn func()) bool {
	select {
	case s.msgs <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop goroutine and waits for it.
func (s *Session) call(fn func()) bool {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) closed() bool { return s.view.State == StateClosed }

func (s *Session) changed() {
	v := s.view.clone()
	s.mu.Lock()
	s.shared = v
	s.mu.Unlock()
	if s.opts.OnChange != nil {
		s.opts.OnChange(v.clone())
	}
}

func (s *Session) setState(st State) {
	s.view.State = st
	s.view.Connected = st == StateSubscribed
}

// View returns a copy of the current UI-facing state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shared.clone()
}

// Start joins the document, fetches a snapshot and opens the event stream.
// Join and snapshot failures are tolerated; stream failures are retried with
// backoff. The session closes when ctx is done.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("client: session already started")
	}
	ok := s.call(func() {
		if s.closed() {
			return
		}
		s.setState(StateJoining)
		s.changed()
	})
	if !ok {
		return ErrClosed
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	go func() {
		jctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		users, err := s.api.Join(jctx, s.id, s.user)
		cancel()
		s.post(func() {
			if s.closed() {
				return
			}
			if err != nil {
				log.Warnf("join %s as %s: %v", s.id, s.user, err)
			} else {
				s.view.Users = users
			}
			s.setState(StateSyncing)
			s.changed()
			s.connect()
		})
	}()
	return nil
}

// connect supersedes any current stream and runs Snapshot+Subscribe for a
// new generation.
func (s *Session) connect() {
	s.dropStream()
	s.gen++
	gen := s.gen
	go func() {
		sctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		snap, snapErr := s.api.Snapshot(sctx, s.id)
		cancel()
		st, err := s.api.Subscribe(s.ctx, s.id)
		if !s.post(func() { s.opened(gen, snap, snapErr, st, err) }) && st != nil {
			_ = st.Close()
		}
	}()
}

func (s *Session) opened(gen int, snap document.Snapshot, snapErr error, st *Stream, err error) {
	if gen != s.gen || s.closed() {
		if st != nil {
			_ = st.Close()
		}
		return
	}
	if snapErr != nil {
		log.Debugf("snapshot %s: %v", s.id, snapErr)
	} else {
		s.applySnapshot(snap)
	}
	if err != nil {
		s.fail(err)
		return
	}
	s.stream = st
	s.setState(StateSubscribed)
	s.armHeartbeat(gen)
	s.changed()
	go s.read(gen, st)
}

func (s *Session) applySnapshot(snap document.Snapshot) {
	s.view.Users = snap.Users
	if snap.LastUpdated >= s.lastApplied {
		s.view.Content = snap.Content
		s.lastApplied = snap.LastUpdated
		s.view.LastUpdated = snap.LastUpdated
	}
}

func (s *Session) read(gen int, st *Stream) {
	for {
		ev, err := st.Next()
		if err != nil {
			s.post(func() { s.streamFailed(gen, err) })
			return
		}
		if !s.post(func() { s.received(gen, ev) }) {
			return
		}
	}
}

func (s *Session) armHeartbeat(gen int) {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.heartbeat = time.AfterFunc(s.opts.Heartbeat, func() {
		s.post(func() { s.heartbeatExpired(gen) })
	})
}

func (s *Session) heartbeatExpired(gen int) {
	if gen != s.gen || s.view.State != StateSubscribed {
		return
	}
	log.Infof("no events on %s for %s, marking connection lost", s.id, s.opts.Heartbeat)
	s.setState(StateDegraded)
	s.changed()
}

func (s *Session) received(gen int, ev events.Event) {
	if gen != s.gen || s.closed() {
		return
	}
	s.armHeartbeat(gen)
	if s.view.State == StateDegraded {
		s.setState(StateSubscribed)
	}
	switch e := ev.(type) {
	case events.Connected:
		s.view.Attempts = 0
	case events.Update:
		if shouldApply(e, s.lastApplied, s.user) {
			s.view.Content = e.Content
			s.view.Users = e.Users
			s.lastApplied = e.LastUpdated
			s.view.LastUpdated = e.LastUpdated
		}
	case events.UserUpdate:
		s.view.Users = e.Users
	case events.Keepalive:
	}
	s.changed()
}

// shouldApply reports whether an inbound update is newer than the last
// applied write and was not made by self.
func shouldApply(ev events.Update, lastApplied int64, self string) bool {
	return ev.LastUpdated > lastApplied && ev.UpdatedBy != self
}

func (s *Session) streamFailed(gen int, err error) {
	if gen != s.gen || s.closed() {
		return
	}
	log.Warnf("event stream for %s ended: %v", s.id, err)
	s.fail(err)
}

// fail tears down the current stream and schedules a retry, or gives up
// once MaxRetries retries have failed.
func (s *Session) fail(err error) {
	s.dropStream()
	if s.view.Attempts >= s.opts.MaxRetries {
		log.Errorf("giving up on %s after %d attempts: %v", s.id, s.view.Attempts, err)
		s.setState(StateGivenUp)
		s.view.Err = fmt.Errorf("%w: %v", ErrGivenUp, err)
		s.changed()
		return
	}
	s.view.Attempts++
	delay := Backoff(s.view.Attempts, s.opts.BackoffBase, s.opts.BackoffCap)
	s.setState(StateReconnecting)
	s.changed()

	gen := s.gen
	log.Infof("reconnecting to %s in %s (attempt %d/%d)", s.id, delay, s.view.Attempts, s.opts.MaxRetries)
	s.retry = time.AfterFunc(delay, func() {
		s.post(func() {
			if gen != s.gen || s.closed() {
				return
			}
			s.retry = nil
			s.connect()
		})
	})
}

// dropStream closes the live stream and stops its timers.
func (s *Session) dropStream() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
}

// Edit records a local content change and sends it immediately.
func (s *Session) Edit(content string, cursor int) error {
	ok := s.post(func() {
		if s.closed() {
			return
		}
		// a content write carries the cursor, so a pending cursor move is moot
		s.cursorSeq++
		if s.cursorTimer != nil {
			s.cursorTimer.Stop()
			s.cursorTimer = nil
		}
		s.view.Content = content
		s.send(document.WriteRequest{Content: &content, Name: &s.user, CursorPosition: &cursor})
		s.changed()
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// MoveCursor records a cursor move. Moves within CursorThrottle of each other
// collapse into one cursor-only write carrying the latest position.
func (s *Session) MoveCursor(pos int) error {
	ok := s.post(func() {
		if s.closed() {
			return
		}
		s.cursorPos = pos
		s.cursorSeq++
		seq := s.cursorSeq
		if s.cursorTimer != nil {
			s.cursorTimer.Stop()
		}
		s.cursorTimer = time.AfterFunc(s.opts.CursorThrottle, func() {
			s.post(func() {
				if seq != s.cursorSeq || s.closed() {
					return
				}
				s.cursorTimer = nil
				p := s.cursorPos
				s.send(document.WriteRequest{Name: &s.user, CursorPosition: &p, CursorOnly: true})
				s.changed()
			})
		})
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

func (s *Session) send(req document.WriteRequest) {
	s.inflight++
	s.view.Saving = true
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		snap, err := s.api.Mutate(ctx, s.id, req)
		cancel()
		s.post(func() { s.saved(snap, err) })
	}()
}

func (s *Session) saved(snap document.Snapshot, err error) {
	if s.closed() {
		return
	}
	s.inflight--
	s.view.Saving = s.inflight > 0
	var se *StatusError
	switch {
	case err == nil:
		s.view.SaveError = ""
		if snap.LastUpdated > s.lastApplied {
			s.lastApplied = snap.LastUpdated
			s.view.LastUpdated = snap.LastUpdated
		}
	case errors.As(err, &se):
		log.Warnf("save %s: %v", s.id, err)
		s.view.SaveError = saveFailedStatus
	default:
		log.Warnf("save %s: %v", s.id, err)
		s.view.SaveError = saveFailedOffline
	}
	s.changed()
}

// DismissError clears the last save error.
func (s *Session) DismissError() {
	s.post(func() {
		if s.view.SaveError != "" {
			s.view.SaveError = ""
			s.changed()
		}
	})
}

// Close stops the session: timers are cancelled, the stream is closed and a
// best-effort Leave is sent. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.call(func() {
			s.gen++
			s.dropStream()
			s.cursorSeq++
			if s.cursorTimer != nil {
				s.cursorTimer.Stop()
				s.cursorTimer = nil
			}
			s.setState(StateClosed)
			s.changed()
		})
		close(s.quit)
		<-s.done
		s.cancel()

		if !s.started.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.LeaveTimeout)
		defer cancel()
		if err := s.api.Leave(ctx, s.id, s.user); err != nil {
			log.Debugf("leave %s as %s: %v", s.id, s.user, err)
		}
	})
	return nil
}
