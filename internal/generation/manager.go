package generation

import (
	"context"
	"errors"
	"sync"

	"github.com/makeasinger/songgen/internal/model"
)

// ErrManagerClosed is returned by Get after Close.
var ErrManagerClosed = errors.New("generation manager closed")

// Manager owns one Orchestrator per principal. Orchestrators are created and
// loaded on first use.
type Manager struct {
	deps      Deps
	cfg       Config
	observers []Observer

	mu      sync.Mutex
	entries map[string]*managed
	closed  bool
}

type managed struct {
	orch  *Orchestrator
	err   error
	ready chan struct{}
}

// NewManager creates a Manager. observers are subscribed to every
// orchestrator it creates.
func NewManager(deps Deps, cfg Config, observers ...Observer) *Manager {
	return &Manager{
		deps:      deps,
		cfg:       cfg,
		observers: observers,
		entries:   make(map[string]*managed),
	}
}

// Get returns the principal's orchestrator, loading it on first use. When
// Load fails the orchestrator is discarded and the error returned, so the
// next Get loads again.
func (m *Manager) Get(ctx context.Context, principal string) (*Orchestrator, error) {
	if principal == "" {
		return nil, model.ErrUnauthenticated
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if e, ok := m.entries[principal]; ok {
		m.mu.Unlock()
		select {
		case <-e.ready:
			if e.err != nil {
				return nil, e.err
			}
			return e.orch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o := NewOrchestrator(principal, m.deps, m.cfg)
	for _, obs := range m.observers {
		o.Subscribe(obs)
	}
	e := &managed{orch: o, ready: make(chan struct{})}
	m.entries[principal] = e
	m.mu.Unlock()

	if err := o.Load(context.WithoutCancel(ctx)); err != nil {
		m.deps.Log.Warn().Err(err).Str("principal", principal).Msg("failed to load generation state")
		o.Close()
		e.err = err

		m.mu.Lock()
		if m.entries[principal] == e {
			delete(m.entries, principal)
		}
		m.mu.Unlock()
		close(e.ready)
		return nil, err
	}
	close(e.ready)
	return o, nil
}

// Len returns the number of live orchestrators.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops every orchestrator's timers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*managed)
	m.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.err == nil {
			e.orch.Close()
		}
	}
}
