package account

import (
	"context"
	"sync"
	"time"

	"change-sync/internal/logging"
)

// actorEntry is one slot in the manager table. Its own mutex serializes
// hydration for that account, so a slow hydration never holds up lookups for
// other accounts.
type actorEntry struct {
	mu sync.Mutex
	a  *Actor
}

// Manager hands out the single actor for each account, creating and
// hydrating it on first use. Actors never share state; the table mutex only
// guards the map, never hydration I/O.
type Manager struct {
	mu     sync.Mutex
	store  Store
	opts   Options
	log    *logging.Logger
	actors map[string]*actorEntry
}

func NewManager(store Store, opts Options, log *logging.Logger) *Manager {
	return &Manager{
		store:  store,
		opts:   opts,
		log:    log,
		actors: make(map[string]*actorEntry),
	}
}

func (m *Manager) Actor(accountID string) (*Actor, error) {
	m.mu.Lock()
	e, ok := m.actors[accountID]
	if !ok {
		e = &actorEntry{}
		m.actors[accountID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a == nil {
		a, err := New(accountID, m.store, m.opts, m.log)
		if err != nil {
			// The entry stays in the table with a nil actor; the next
			// caller retries hydration through the same slot.
			return nil, err
		}
		e.a = a
	}
	return e.a, nil
}

// SweepAll runs retention on every live actor. Failures are logged and do
// not stop the pass.
func (m *Manager) SweepAll(ctx context.Context, now time.Time) {
	for _, a := range m.liveActors() {
		if err := a.Sweep(ctx, now); err != nil {
			m.log.Errorf("sweep failed for account %s: %v", a.accountID, err)
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*actorEntry, 0, len(m.actors))
	for _, e := range m.actors {
		entries = append(entries, e)
	}
	m.actors = make(map[string]*actorEntry)
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.a != nil {
			e.a.Close()
		}
		e.mu.Unlock()
	}
}

func (m *Manager) liveActors() []*Actor {
	m.mu.Lock()
	entries := make([]*actorEntry, 0, len(m.actors))
	for _, e := range m.actors {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	actors := make([]*Actor, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.a != nil {
			actors = append(actors, e.a)
		}
		e.mu.Unlock()
	}
	return actors
}
