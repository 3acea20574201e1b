package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const trackerQueueSize = 256

// Tracker mirrors session state to an external store.
type Tracker interface {
	Track(ctx context.Context, sessionID, remoteAddr, state string) error
	SetState(ctx context.Context, sessionID, state string) error
	Untrack(ctx context.Context, sessionID string) error
}

type trackerOpKind int

const (
	opTrack trackerOpKind = iota
	opSetState
	opUntrack
)

type trackerOp struct {
	kind       trackerOpKind
	sessionID  string
	remoteAddr string
	state      string
}

// Registry is the process-wide table of live sessions. Sessions share
// nothing through it; it exists for lookup, health and shutdown.
//
// Tracker writes happen on a single background goroutine, in order, so a
// slow store never runs under a session lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	tracker  Tracker
	opsMu    sync.RWMutex
	ops      chan trackerOp
	opsDone  chan struct{}
	opsClose bool
}

// NewRegistry creates an empty registry. tracker may be nil.
func NewRegistry(tracker Tracker) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		tracker:  tracker,
	}
	if tracker != nil {
		r.ops = make(chan trackerOp, trackerQueueSize)
		r.opsDone = make(chan struct{})
		go r.mirror()
	}
	return r
}

// Open creates a session wired to the registry and adds it. The session
// removes itself when it closes. If id is already registered the new
// session is closed and an error returned.
func (r *Registry) Open(id, remoteAddr string, client ClientConn, opts Options) (*Session, error) {
	opts.OnStateChange = chainState(opts.OnStateChange, r.stateChanged)
	opts.OnClose = chainClose(opts.OnClose, r.release)

	s := NewSession(id, client, opts)
	if err := r.Add(s); err != nil {
		s.Close()
		return nil, err
	}
	r.enqueue(trackerOp{kind: opTrack, sessionID: id, remoteAddr: remoteAddr, state: StateIdle.String()})
	return s, nil
}

// Add registers s under its id.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session %s already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove drops the session from the table. It does not close it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		r.enqueue(trackerOp{kind: opUntrack, sessionID: id})
	}
}

// release removes s only if it is the session registered under its id.
func (r *Registry) release(s *Session) {
	if current, ok := r.Get(s.ID()); ok && current == s {
		r.Remove(s.ID())
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Close stops the tracker worker once queued updates are written. Call it
// after CloseAll; later state changes are no longer mirrored.
func (r *Registry) Close() {
	if r.ops == nil {
		return
	}
	r.opsMu.Lock()
	if !r.opsClose {
		r.opsClose = true
		close(r.ops)
	}
	r.opsMu.Unlock()
	<-r.opsDone
}

func (r *Registry) stateChanged(s *Session, state State) {
	if state == StateClosed {
		return
	}
	r.enqueue(trackerOp{kind: opSetState, sessionID: s.ID(), state: state.String()})
}

func (r *Registry) enqueue(op trackerOp) {
	if r.ops == nil {
		return
	}
	r.opsMu.RLock()
	defer r.opsMu.RUnlock()
	if r.opsClose {
		return
	}
	select {
	case r.ops <- op:
	default:
		log.Warn().Str("session", op.sessionID).Msg("Tracker queue full, dropping update")
	}
}

func (r *Registry) mirror() {
	defer close(r.opsDone)

	ctx := context.Background()
	for op := range r.ops {
		var err error
		switch op.kind {
		case opTrack:
			err = r.tracker.Track(ctx, op.sessionID, op.remoteAddr, op.state)
		case opSetState:
			err = r.tracker.SetState(ctx, op.sessionID, op.state)
		case opUntrack:
			err = r.tracker.Untrack(ctx, op.sessionID)
		}
		if err != nil {
			log.Warn().Err(err).Str("session", op.sessionID).Msg("Failed to mirror session state")
		}
	}
}

func chainState(a, b func(*Session, State)) func(*Session, State) {
	if a == nil {
		return b
	}
	return func(s *Session, st State) {
		a(s, st)
		b(s, st)
	}
}

func chainClose(a, b func(*Session)) func(*Session) {
	if a == nil {
		return b
	}
	return func(s *Session) {
		a(s)
		b(s)
	}
}
