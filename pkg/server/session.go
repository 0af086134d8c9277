package server

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/protocol"
)

// SessionState is the lifecycle state of a connection session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

var (
	errSessionClosed     = errors.New("server: session closed")
	errNotAuthenticated  = errors.New("server: session not authenticated")
	errAlreadyAuthorized = errors.New("server: session already authenticated")
)

// Sender writes frames to one client connection.
type Sender interface {
	Send(frame protocol.Frame) error
}

// outboxEntry is either an event for a subscribed queue or a direct reply.
type outboxEntry struct {
	event *protocol.Event
	frame protocol.Frame
}

// Session is one client connection: its resolved user, the queues it is
// subscribed to, and a bounded outbox drained by a single writer.
//
// When the outbox is full the oldest event is dropped and its queue is
// marked stale; the writer then asks the channel manager for a fresh
// snapshot of that queue before sending anything else.
type Session struct {
	id string

	mu      sync.Mutex
	state   SessionState
	user    model.User
	subs    map[int64]struct{}
	outbox  []outboxEntry
	limit   int
	stale   map[int64]struct{}
	dropped int64

	notify chan struct{}
	done   chan struct{}
}

func newSession(outboxSize int) *Session {
	if outboxSize <= 0 {
		outboxSize = DefaultConfig().OutboxSize
	}
	return &Session{
		id:     uuid.NewString(),
		state:  StateConnecting,
		user:   model.Anonymous,
		subs:   make(map[int64]struct{}),
		stale:  make(map[int64]struct{}),
		limit:  outboxSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the user the session was authenticated as.
func (s *Session) User() model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Authenticate moves a connecting session to authenticated.
func (s *Session) Authenticate(user model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting:
		s.state = StateAuthenticated
		s.user = user
		return nil
	case StateAuthenticated:
		return errAlreadyAuthorized
	default:
		return errSessionClosed
	}
}

// Subscriptions returns the subscribed queue ids in ascending order.
func (s *Session) Subscriptions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.subs))
}

// Subscribed reports whether the session is subscribed to queueID.
func (s *Session) Subscribed(queueID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[queueID]
	return ok
}

// Dropped returns how many events were discarded on overflow.
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed when the session disconnects.
func (s *Session) Done() <-chan struct{} { return s.done }

// addSubscription records queueID. It fails once the session has left the
// authenticated state, so a join racing a disconnect never leaves the
// session registered on a channel.
func (s *Session) addSubscription(queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAuthenticated:
		s.subs[queueID] = struct{}{}
		return nil
	case StateConnecting:
		return errNotAuthenticated
	default:
		return errSessionClosed
	}
}

// removeSubscription forgets queueID and discards its pending events.
func (s *Session) removeSubscription(queueID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[queueID]; !ok {
		return false
	}
	delete(s.subs, queueID)
	delete(s.stale, queueID)
	s.purgeLocked(queueID)
	return true
}

// forgetSubscription drops queueID but keeps already queued events, so a
// final QUEUE_DELETED still reaches the client.
func (s *Session) forgetSubscription(queueID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, queueID)
	delete(s.stale, queueID)
}

// close marks the session disconnected and returns the queues it was
// subscribed to. Later calls return nil.
func (s *Session) close() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return nil
	}
	s.state = StateDisconnected
	subs := slices.Sorted(maps.Keys(s.subs))
	clear(s.subs)
	clear(s.stale)
	s.outbox = nil
	close(s.done)
	return subs
}

// enqueueEvent appends an event for a subscribed queue without blocking.
func (s *Session) enqueueEvent(ev protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	if _, ok := s.subs[ev.QueueID]; !ok {
		return false
	}
	s.pushLocked(outboxEntry{event: &ev})
	return true
}

// enqueueFrame appends a direct reply (ack, error, pong, hello).
func (s *Session) enqueueFrame(frame protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.pushLocked(outboxEntry{frame: frame})
	return true
}

// replaceWithSnapshot discards every pending event for the snapshot's queue
// and queues the snapshot in their place. The caller holds the queue's
// channel lock, so every pending event is already reflected in it.
func (s *Session) replaceWithSnapshot(ev protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	if _, ok := s.subs[ev.QueueID]; !ok {
		return false
	}
	s.purgeLocked(ev.QueueID)
	delete(s.stale, ev.QueueID)
	s.pushLocked(outboxEntry{event: &ev})
	return true
}

func (s *Session) purgeLocked(queueID int64) {
	s.outbox = slices.DeleteFunc(s.outbox, func(e outboxEntry) bool {
		return e.event != nil && e.event.QueueID == queueID
	})
}

func (s *Session) pushLocked(entry outboxEntry) {
	if len(s.outbox) >= s.limit {
		victim := slices.IndexFunc(s.outbox, func(e outboxEntry) bool { return e.event != nil })
		if victim < 0 {
			victim = 0
		}
		if ev := s.outbox[victim].event; ev != nil {
			s.stale[ev.QueueID] = struct{}{}
		}
		s.outbox = slices.Delete(s.outbox, victim, victim+1)
		s.dropped++
	}
	s.outbox = append(s.outbox, entry)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// takeStale returns and clears the queues that lost events.
func (s *Session) takeStale() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stale) == 0 {
		return nil
	}
	ids := slices.Sorted(maps.Keys(s.stale))
	clear(s.stale)
	return ids
}

// next pops the oldest outbox entry.
func (s *Session) next() (outboxEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbox) == 0 {
		return outboxEntry{}, false
	}
	entry := s.outbox[0]
	s.outbox = slices.Delete(s.outbox, 0, 1)
	return entry, true
}

// pending returns the number of queued entries.
func (s *Session) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// writeLoop drains the outbox into sender until the session closes, ctx
// ends, or a write fails. resync is called for every queue that lost
// events before any further entry is written.
func (s *Session) writeLoop(ctx context.Context, sender Sender, resync func(s *Session, queueID int64)) error {
	for {
		for _, queueID := range s.takeStale() {
			resync(s, queueID)
		}
		entry, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		frame := entry.frame
		if entry.event != nil {
			var err error
			if frame, err = protocol.NewFrame(protocol.FrameEvent, "", entry.event); err != nil {
				return err
			}
		}
		if err := sender.Send(frame); err != nil {
			return err
		}
	}
}

// SessionManager tracks active sessions by id.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	outboxSize int
}

// NewSessionManager creates a session manager whose sessions buffer up to
// outboxSize entries.
func NewSessionManager(outboxSize int) *SessionManager {
	return &SessionManager{
		sessions:   make(map[string]*Session),
		outboxSize: outboxSize,
	}
}

// Create registers a new connecting session.
func (sm *SessionManager) Create() *Session {
	sess := newSession(sm.outboxSize)
	sm.mu.Lock()
	sm.sessions[sess.id] = sess
	sm.mu.Unlock()
	return sess
}

// Remove forgets a session.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// All returns all active sessions (snapshot).
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	result := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		result = append(result, s)
	}
	return result
}
