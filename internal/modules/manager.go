// Package modules tracks the lifecycle of each heavy engine module:
// unloaded → loading → loaded or error. Concurrent load requests for one
// engine type are deduplicated onto a single in-flight bring-up, and state
// changes are published to subscribers.
package modules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smashpdf/smash/internal/model"
	"github.com/smashpdf/smash/internal/worker"
)

// State is a snapshot of one engine module's lifecycle.
type State struct {
	Loading  bool   `json:"is_loading"`
	Loaded   bool   `json:"is_loaded"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Pool is the subset of the worker pool the manager needs for bring-up.
type Pool interface {
	Get(ctx context.Context, engineType string) (*worker.Worker, error)
}

type loadAttempt struct {
	done chan struct{}
	err  error
}

type entry struct {
	state State
	// inflight is non-nil while a load is running; joiners wait on its done
	// channel and observe the same outcome.
	inflight *loadAttempt
	subs     map[int]func(State)
	nextSub  int
}

// Manager is the module loading state machine. One state entry exists per
// known engine type for the life of the process.
type Manager struct {
	pool   Pool
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a manager with an unloaded entry for every known engine type.
func NewManager(pool Pool, logger *slog.Logger) *Manager {
	m := &Manager{
		pool:    pool,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	for _, t := range model.EngineTypes {
		m.entries[t] = &entry{subs: make(map[int]func(State))}
	}
	return m
}

func (m *Manager) entryOf(engineType string) (*entry, error) {
	e, ok := m.entries[engineType]
	if !ok {
		return nil, fmt.Errorf("unknown engine type %q", engineType)
	}
	return e, nil
}

// StateOf returns the current state for an engine type.
func (m *Manager) StateOf(engineType string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entryOf(engineType)
	if err != nil {
		return State{}, err
	}
	return e.state, nil
}

// States returns a snapshot of every engine module's state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.entries))
	for t, e := range m.entries {
		out[t] = e.state
	}
	return out
}

// Load brings up the engine module for engineType. If it is already loaded,
// Load returns immediately. If a load is in flight, the caller joins it and
// observes the same outcome; the underlying bring-up runs exactly once. A
// failed load is not cached: the next Load starts over from unloaded.
func (m *Manager) Load(ctx context.Context, engineType string) error {
	m.mu.Lock()
	e, err := m.entryOf(engineType)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if e.state.Loaded {
		m.mu.Unlock()
		return nil
	}
	if att := e.inflight; att != nil {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return fmt.Errorf("load %s: %w", engineType, ctx.Err())
		}
	}

	att := &loadAttempt{done: make(chan struct{})}
	e.inflight = att
	m.mu.Unlock()
	m.setState(e, State{Loading: true, Progress: 0})

	err = m.bringUp(ctx, engineType, e)

	if err != nil {
		m.setState(e, State{Error: err.Error()})
	} else {
		m.setState(e, State{Loaded: true, Progress: 100})
	}

	m.mu.Lock()
	e.inflight = nil
	m.mu.Unlock()

	att.err = err
	close(att.done)
	return err
}

// bringUp performs the type-specific initialization: spawning the worker and
// waiting for its readiness handshake. Progress milestones mark spawn start
// and handshake completion.
func (m *Manager) bringUp(ctx context.Context, engineType string, e *entry) error {
	m.setProgress(e, 20)

	if _, err := m.pool.Get(ctx, engineType); err != nil {
		m.logger.Warn("module load failed", "engine", engineType, "error", err)
		return fmt.Errorf("load %s: %w", engineType, err)
	}

	m.setProgress(e, 90)
	m.logger.Info("module loaded", "engine", engineType)
	return nil
}

// Preload starts a load in the background. Errors are swallowed here and
// surfaced only through subscriber state.
func (m *Manager) Preload(engineType string) {
	go func() {
		if err := m.Load(context.Background(), engineType); err != nil {
			m.logger.Debug("preload failed", "engine", engineType, "error", err)
		}
	}()
}

// Subscribe registers a callback invoked once immediately with the current
// state and again on every subsequent change. It returns an unsubscribe
// function. No ordering is guaranteed between multiple subscribers.
func (m *Manager) Subscribe(engineType string, fn func(State)) (func(), error) {
	m.mu.Lock()
	e, err := m.entryOf(engineType)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	current := e.state
	m.mu.Unlock()

	fn(current)

	return func() {
		m.mu.Lock()
		delete(e.subs, id)
		m.mu.Unlock()
	}, nil
}

// Unload discards the module state for an engine type, returning it to
// unloaded. The caller is responsible for terminating the backing worker.
func (m *Manager) Unload(engineType string) error {
	m.mu.Lock()
	e, err := m.entryOf(engineType)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if e.inflight != nil {
		m.mu.Unlock()
		return fmt.Errorf("cannot unload %s while a load is in flight", engineType)
	}
	m.mu.Unlock()
	m.setState(e, State{})
	return nil
}

func (m *Manager) setProgress(e *entry, progress int) {
	m.mu.Lock()
	st := e.state
	m.mu.Unlock()
	st.Progress = progress
	m.setState(e, st)
}

// setState updates the entry's state and notifies subscribers. Callbacks run
// outside the lock so they may call back into the manager.
func (m *Manager) setState(e *entry, st State) {
	m.mu.Lock()
	e.state = st
	subs := make([]func(State), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
