package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/vango-go/vai-interview/pkg/gateway/live/session"
)

// ErrSessionExists is returned when a connection registers a second session.
var ErrSessionExists = errors.New("connection already owns a session")

// Session is the part of a live session the gateway drives through the registry.
type Session interface {
	PushAudio(frame []byte) bool
	Interrupt()
	PlaybackComplete()
	SendError(code, message string) error
	Snapshot() session.Snapshot
	Close()
}

// Mirror receives registry changes for an external view of live sessions.
// Implementations must not block.
type Mirror interface {
	Publish(snap session.Snapshot)
	// Delete removes the record. Publishes at or below finalSeq that arrive
	// afterwards are ignored.
	Delete(connectionID string, finalSeq uint64)
}

type Option func(*Registry)

// WithMirror publishes every registration, state change and removal to m.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithCountHook is called with the new count after every change.
func WithCountHook(fn func(n int)) Option {
	return func(r *Registry) { r.onCount = fn }
}

// Registry maps connection ids to their live session. A connection owns at
// most one session; entries live until Remove.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
	mirror  Mirror
	onCount func(int)
}

type entry struct {
	session Session
	once    sync.Once
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds s to connectionID.
func (r *Registry) Register(connectionID string, s Session) error {
	if s == nil {
		return errors.New("session is required")
	}
	r.mu.Lock()
	if _, ok := r.entries[connectionID]; ok {
		r.mu.Unlock()
		return ErrSessionExists
	}
	r.entries[connectionID] = &entry{session: s}
	r.wg.Add(1)
	n := len(r.entries)
	r.mu.Unlock()

	if r.mirror != nil {
		r.mirror.Publish(s.Snapshot())
	}
	r.countChanged(n)
	return nil
}

// Lookup returns the session owned by connectionID.
func (r *Registry) Lookup(connectionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connectionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Observe forwards a state change of a registered session to the mirror.
// Pass it as the session's state hook.
func (r *Registry) Observe(snap session.Snapshot) {
	if r.mirror == nil {
		return
	}
	r.mu.Lock()
	_, ok := r.entries[snap.ConnectionID]
	r.mu.Unlock()
	if ok {
		r.mirror.Publish(snap)
	}
}

// Remove unregisters the connection's session and tears it down before returning.
func (r *Registry) Remove(connectionID string) bool {
	r.mu.Lock()
	e, ok := r.entries[connectionID]
	if ok {
		delete(r.entries, connectionID)
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.once.Do(func() {
		e.session.Close()
		if r.mirror != nil {
			r.mirror.Delete(connectionID, e.session.Snapshot().Seq)
		}
		r.wg.Done()
	})
	r.countChanged(n)
	return true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ErrorAll sends an error event to every session, best effort.
func (r *Registry) ErrorAll(code, message string) (sent int) {
	for _, s := range r.list() {
		_ = s.SendError(code, message)
		sent++
	}
	return sent
}

// InterruptAll interrupts every session so nothing new is spoken.
func (r *Registry) InterruptAll() int {
	all := r.list()
	for _, s := range all {
		s.Interrupt()
	}
	return len(all)
}

// CloseAll removes every session.
func (r *Registry) CloseAll() (closed int) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if r.Remove(id) {
			closed++
		}
	}
	return closed
}

// Wait blocks until every registered session has been removed or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) list() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session)
	}
	return out
}

func (r *Registry) countChanged(n int) {
	if r.onCount != nil {
		r.onCount(n)
	}
}
