// Package worker owns the background execution contexts that run document
// engines. The pool keeps at most one live worker process per engine type,
// performs the readiness handshake on creation, and multiplexes tasks over
// each worker's pipe using correlation ids.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smashpdf/smash/internal/model"
	"github.com/smashpdf/smash/internal/protocol"
)

// DefaultHandshakeTimeout bounds worker creation: a worker that has not sent
// its ready frame within this window is discarded, and a later Get retries
// bring-up from scratch.
const DefaultHandshakeTimeout = 30 * time.Second

// ErrTerminated settles every request that was in flight on a worker when it
// was terminated or when its process died.
var ErrTerminated = errors.New("worker terminated")

// Transport is the bidirectional message channel to one worker process.
// Reads and writes carry length-prefixed protocol frames.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Kill hard-stops the worker. Blocked reads fail afterwards.
	Kill() error
}

// SpawnFunc creates the transport for a new worker of the given engine type.
type SpawnFunc func(ctx context.Context, engineType string) (Transport, error)

// Task is one unit of work for SendTask.
type Task struct {
	// Spec names the input files; their bytes come from Inputs, which must
	// align one-to-one with Spec.Inputs.
	Spec   protocol.ExecSpec
	Inputs []*model.Payload
	// Transfer moves ownership of the input buffers to the worker: the
	// caller's payloads are detached on send and must be cloned first if the
	// bytes are still needed.
	Transfer bool
	// OnProgress receives progress values (0-100) as the worker reports them.
	// Invoked from the worker's read loop; must not block.
	OnProgress func(int)
}

type settled struct {
	result *protocol.Result
	err    error
}

// pendingRequest correlates an in-flight task with its eventual response.
// At most one pendingRequest exists per id at any time.
type pendingRequest struct {
	done       chan settled // buffered; settle never blocks
	onProgress func(int)
}

// Worker is a live handle to one engine worker process. All callers that Get
// the same engine type observe the same handle until it is terminated.
type Worker struct {
	engineType string
	transport  Transport
	logger     *slog.Logger

	// writeMu serializes frames onto the pipe so the worker sees them in
	// send order (FIFO per worker).
	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// EngineType returns the engine type this worker hosts.
func (w *Worker) EngineType() string {
	return w.engineType
}

type spawnAttempt struct {
	done chan struct{}
	w    *Worker
	err  error
}

// Pool owns one worker per engine type.
type Pool struct {
	spawn            SpawnFunc
	logger           *slog.Logger
	handshakeTimeout time.Duration

	mu       sync.Mutex
	workers  map[string]*Worker
	spawning map[string]*spawnAttempt
}

// Option configures a Pool.
type Option func(*Pool)

// WithHandshakeTimeout overrides the worker creation timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Pool) { p.handshakeTimeout = d }
}

// NewPool creates a worker pool that spawns workers via spawn.
func NewPool(spawn SpawnFunc, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		spawn:            spawn,
		logger:           logger,
		handshakeTimeout: DefaultHandshakeTimeout,
		workers:          make(map[string]*Worker),
		spawning:         make(map[string]*spawnAttempt),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the live worker for engineType, joining an in-flight creation
// if one exists, or spawning a new worker otherwise. Concurrent callers never
// cause two processes for the same type: they all observe the same handle or
// the same creation error. A failed creation is discarded, so a later call
// retries from scratch.
func (p *Pool) Get(ctx context.Context, engineType string) (*Worker, error) {
	p.mu.Lock()
	if w, ok := p.workers[engineType]; ok {
		p.mu.Unlock()
		return w, nil
	}
	if att, ok := p.spawning[engineType]; ok {
		p.mu.Unlock()
		select {
		case <-att.done:
			return att.w, att.err
		case <-ctx.Done():
			return nil, fmt.Errorf("get worker: %w", ctx.Err())
		}
	}

	att := &spawnAttempt{done: make(chan struct{})}
	p.spawning[engineType] = att
	p.mu.Unlock()

	w, err := p.spawnWorker(engineType)

	p.mu.Lock()
	delete(p.spawning, engineType)
	// The worker may already have died between the handshake and this
	// registration. Its read loop fails it before taking the pool lock, so
	// checking here closes the window: either the flag is visible and the
	// dead handle is never registered, or the removal runs after us and
	// evicts it.
	if err == nil && !w.isClosed() {
		p.workers[engineType] = w
	}
	p.mu.Unlock()

	att.w, att.err = w, err
	close(att.done)
	return w, err
}

// spawnWorker starts a worker process and performs the readiness handshake.
// The handshake runs under the pool's own bounded timeout rather than any
// single caller's context, because concurrent callers share the attempt.
func (p *Pool) spawnWorker(engineType string) (*Worker, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.handshakeTimeout)
	defer cancel()

	start := time.Now()
	tr, err := p.spawn(ctx, engineType)
	if err != nil {
		workerBootsTotal.WithLabelValues(engineType, bootFailed).Inc()
		return nil, fmt.Errorf("spawn worker %s: %w", engineType, err)
	}

	w := &Worker{
		engineType: engineType,
		transport:  tr,
		logger:     p.logger,
		pending:    make(map[string]*pendingRequest),
	}

	// Register the handshake as a pending request before the read loop starts
	// so the ready frame cannot race past it.
	ready := &pendingRequest{done: make(chan settled, 1)}
	w.pending[protocol.ReadyID] = ready

	go p.readLoop(w)

	w.writeMu.Lock()
	err = protocol.WriteMessage(w.transport, &protocol.Request{
		Type: protocol.TypeInit,
		ID:   protocol.ReadyID,
	})
	w.writeMu.Unlock()
	if err != nil {
		tr.Kill()
		workerBootsTotal.WithLabelValues(engineType, bootFailed).Inc()
		return nil, fmt.Errorf("send init to %s: %w", engineType, err)
	}

	select {
	case s := <-ready.done:
		if s.err != nil {
			tr.Kill()
			workerBootsTotal.WithLabelValues(engineType, bootFailed).Inc()
			return nil, fmt.Errorf("worker %s handshake: %w", engineType, s.err)
		}
	case <-ctx.Done():
		tr.Kill()
		workerBootsTotal.WithLabelValues(engineType, bootTimeout).Inc()
		return nil, fmt.Errorf("worker %s handshake timed out after %s", engineType, p.handshakeTimeout)
	}

	workerBootsTotal.WithLabelValues(engineType, bootReady).Inc()
	workerBootDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("worker ready", "engine", engineType, "boot_ms", time.Since(start).Milliseconds())
	return w, nil
}

// readLoop routes every frame the worker emits. It exits when the transport
// fails (worker death or termination), settling all pending requests.
func (p *Pool) readLoop(w *Worker) {
	for {
		var resp protocol.Response
		if err := protocol.ReadMessage(w.transport, &resp); err != nil {
			p.logger.Debug("worker read loop ended", "engine", w.engineType, "error", err)
			break
		}
		w.route(&resp)
	}

	// Fail before removing: once the closed flag is set, Get will not
	// register this handle, and the removal evicts it if it already had.
	w.fail(ErrTerminated)
	p.removeWorker(w)
}

// route dispatches one response frame. Progress frames leave the pending
// entry in place; complete and error frames settle and remove it. Frames with
// no matching pending request (late progress after cancellation, duplicate
// completions) are dropped.
func (w *Worker) route(resp *protocol.Response) {
	switch resp.Type {
	case protocol.TypeReady:
		w.settle(resp.ID, nil, nil)
	case protocol.TypeProgress:
		w.mu.Lock()
		pr := w.pending[resp.ID]
		w.mu.Unlock()
		if pr != nil && pr.onProgress != nil {
			pr.onProgress(resp.Progress)
		}
	case protocol.TypeComplete:
		w.settle(resp.ID, resp.Result, nil)
	case protocol.TypeError:
		w.settle(resp.ID, nil, errors.New(resp.Error))
	default:
		w.logger.Debug("dropping unknown frame", "engine", w.engineType, "type", resp.Type, "id", resp.ID)
	}
}

// settle resolves the pending request for id if one exists.
func (w *Worker) settle(id string, result *protocol.Result, err error) {
	w.mu.Lock()
	pr := w.pending[id]
	delete(w.pending, id)
	w.mu.Unlock()
	if pr == nil {
		w.logger.Debug("dropping unmatched response", "engine", w.engineType, "id", id)
		return
	}
	pr.done <- settled{result: result, err: err}
}

// fail marks the worker closed and settles every pending request with err.
// Clearing the map under the lock makes termination atomic with respect to
// frame delivery: a late response finds no entry and is dropped.
func (w *Worker) fail(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	orphaned := w.pending
	w.pending = make(map[string]*pendingRequest)
	w.mu.Unlock()

	for _, pr := range orphaned {
		pr.done <- settled{err: err}
	}
}

func (w *Worker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) removePending(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// Send posts one task to the worker and blocks until its terminal response
// arrives, the context ends, or the worker is terminated.
func (w *Worker) Send(ctx context.Context, task Task) (*protocol.Result, error) {
	spec := task.Spec
	spec.Inputs = append([]protocol.NamedFile(nil), task.Spec.Inputs...)
	if len(task.Inputs) != len(spec.Inputs) {
		return nil, fmt.Errorf("task has %d payloads for %d input files", len(task.Inputs), len(spec.Inputs))
	}
	for i, p := range task.Inputs {
		if task.Transfer {
			b, err := p.Detach()
			if err != nil {
				return nil, fmt.Errorf("transfer payload %d: %w", i, err)
			}
			spec.Inputs[i].Data = b
		} else {
			spec.Inputs[i].Data = p.Bytes()
		}
	}

	// Correlation ids are a monotonic counter scoped to this worker, unique
	// for its lifetime.
	id := fmt.Sprintf("%s-%d", w.engineType, w.nextID.Add(1))
	pr := &pendingRequest{done: make(chan settled, 1), onProgress: task.OnProgress}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrTerminated
	}
	w.pending[id] = pr
	w.mu.Unlock()

	tasksInFlight.WithLabelValues(w.engineType).Inc()
	defer tasksInFlight.WithLabelValues(w.engineType).Dec()
	start := time.Now()

	w.writeMu.Lock()
	err := protocol.WriteMessage(w.transport, &protocol.Request{
		Type: protocol.TypeTask,
		ID:   id,
		Spec: &spec,
	})
	w.writeMu.Unlock()
	if err != nil {
		w.removePending(id)
		tasksTotal.WithLabelValues(w.engineType, taskFailed).Inc()
		return nil, fmt.Errorf("send task: %w", err)
	}

	select {
	case s := <-pr.done:
		taskDuration.WithLabelValues(w.engineType).Observe(time.Since(start).Seconds())
		if s.err != nil {
			tasksTotal.WithLabelValues(w.engineType, taskFailed).Inc()
			return nil, s.err
		}
		tasksTotal.WithLabelValues(w.engineType, taskCompleted).Inc()
		return s.result, nil
	case <-ctx.Done():
		// Abandon the request; any late response for this id is dropped.
		w.removePending(id)
		tasksTotal.WithLabelValues(w.engineType, taskAbandoned).Inc()
		return nil, ctx.Err()
	}
}

// SendTask obtains the worker for engineType and posts one task to it.
func (p *Pool) SendTask(ctx context.Context, engineType string, task Task) (*protocol.Result, error) {
	w, err := p.Get(ctx, engineType)
	if err != nil {
		return nil, err
	}
	return w.Send(ctx, task)
}

// Terminate hard-stops the worker for engineType. Every request in flight on
// it settles with ErrTerminated; a later Get spawns a fresh worker.
func (p *Pool) Terminate(engineType string) {
	p.mu.Lock()
	w := p.workers[engineType]
	delete(p.workers, engineType)
	p.mu.Unlock()

	if w == nil {
		return
	}
	w.transport.Kill()
	w.fail(ErrTerminated)
	p.logger.Info("worker terminated", "engine", engineType)
}

// TerminateAll hard-stops every live worker.
func (p *Pool) TerminateAll() {
	p.mu.Lock()
	workers := p.workers
	p.workers = make(map[string]*Worker)
	p.mu.Unlock()

	for engineType, w := range workers {
		w.transport.Kill()
		w.fail(ErrTerminated)
		p.logger.Info("worker terminated", "engine", engineType)
	}
}

// removeWorker drops w from the live set if it is still the registered
// worker for its type.
func (p *Pool) removeWorker(w *Worker) {
	p.mu.Lock()
	if p.workers[w.engineType] == w {
		delete(p.workers, w.engineType)
	}
	p.mu.Unlock()
}
