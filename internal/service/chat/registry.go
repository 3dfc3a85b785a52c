package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/model/chat"
	"github.com/parleyhq/parley/internal/store"
)

// session is the registry's live record for one identifier. Its mutex is
// the per-session critical section the engine holds across a submit, and
// Delete takes it too, so teardown waits out any in-flight exchange.
type session struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	seq       int
	userTurns int
}

// Registry tracks which session identifiers are live and owns the
// create/delete/reuse rules. Transcript content lives in the store; the
// registry holds identifiers plus the counters the engine needs.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	store    store.Store
	bus      *events.Bus
	newID    func() string
}

type RegistryOption func(*Registry)

// WithIDGenerator overrides identifier generation, mainly so tests can force
// deterministic ids and exercise reuse after delete.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		r.newID = gen
	}
}

// NewRegistry rebuilds the live session set from the store so sequence
// numbers and turn counts survive a restart.
func NewRegistry(ctx context.Context, st store.Store, bus *events.Bus, options ...RegistryOption) (*Registry, error) {
	r := &Registry{
		sessions: make(map[string]*session),
		store:    st,
		bus:      bus,
		newID:    uuid.NewString,
	}
	for _, o := range options {
		o(r)
	}

	states, err := st.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}
	for _, state := range states {
		r.sessions[state.ID] = &session{
			id:        state.ID,
			createdAt: state.CreatedAt,
			seq:       state.LastSeq,
			userTurns: state.UserTurns,
		}
	}
	if len(states) > 0 {
		log.Info().Int("count", len(states)).Msg("recovered sessions from store")
	}
	return r, nil
}

const maxIDAttempts = 5

// Create provisions a fresh session under an identifier that is not
// currently live and registers its empty transcript with the store.
func (r *Registry) Create(ctx context.Context) (chat.Session, error) {
	sess, err := r.claim()
	if err != nil {
		return chat.Session{}, err
	}

	if err := r.store.CreateSession(ctx, sess.id, sess.createdAt); err != nil {
		r.mu.Lock()
		delete(r.sessions, sess.id)
		r.mu.Unlock()
		return chat.Session{}, fmt.Errorf("register session: %w", err)
	}

	return chat.Session{ID: sess.id, CreatedAt: sess.createdAt}, nil
}

// claim reserves an unused identifier in the live map. Running out of
// attempts would mean the identifier space is exhausted, which is treated
// as fatal rather than expected.
func (r *Registry) claim() (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := r.newID()
		if _, taken := r.sessions[id]; taken {
			continue
		}
		sess := &session{id: id, createdAt: time.Now().UTC()}
		r.sessions[id] = sess
		return sess, nil
	}
	return nil, fmt.Errorf("no unused session identifier after %d attempts", maxIDAttempts)
}

// Delete removes a live session and erases its transcript. It waits for any
// in-flight submit on that session to finish first, so no append can land
// after the erase. Deleting an unknown or already-deleted identifier
// reports ErrSessionNotFound, never a silent success.
func (r *Registry) Delete(ctx context.Context, id string) error {
	sess, err := r.resolve(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	r.mu.Lock()
	current, ok := r.sessions[id]
	if !ok || current != sess {
		// lost a delete race while waiting on the session lock
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if err := r.store.Erase(ctx, id); err != nil {
		return fmt.Errorf("erase transcript: %w", err)
	}

	if r.bus != nil {
		if err := r.bus.PublishDeleted(id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("publish deleted event failed")
		}
	}
	return nil
}

// Session resolves an identifier to its public model.
func (r *Registry) Session(id string) (chat.Session, error) {
	sess, err := r.resolve(id)
	if err != nil {
		return chat.Session{}, err
	}
	return chat.Session{ID: sess.id, CreatedAt: sess.createdAt}, nil
}

// Transcript returns the stored turns for a live session.
func (r *Registry) Transcript(ctx context.Context, id string) ([]chat.Turn, error) {
	if _, err := r.resolve(id); err != nil {
		return nil, err
	}

	turns, err := r.store.Read(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			// deleted between the liveness check and the read
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return turns, nil
}

func (r *Registry) resolve(id string) (*session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// alive reports whether the handle still backs the live identifier. The
// engine re-checks this after acquiring the session lock, since the session
// may have been deleted while it waited.
func (r *Registry) alive(sess *session) bool {
	r.mu.RLock()
	current, ok := r.sessions[sess.id]
	r.mu.RUnlock()
	return ok && current == sess
}
