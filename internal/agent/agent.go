// Package agent implements the engine worker agent. It runs inside the
// worker process: reading framed requests from the host, executing engine
// invocations against a per-task scratch directory, and streaming progress
// and results back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/smashpdf/smash/internal/protocol"
)

// Runner executes one engine invocation. Implementations write the spec's
// input files into a scratch directory, run the engine there, and read the
// named outputs back.
type Runner interface {
	Run(ctx context.Context, spec *protocol.ExecSpec, progress func(int)) (*protocol.Result, error)
}

// Agent serves the host's request stream. Tasks execute one at a time in
// arrival order; the single engine instance behind the runner is never
// entered concurrently.
type Agent struct {
	in     io.Reader
	out    io.Writer
	runner Runner
	logger *slog.Logger

	// writeMu serializes response frames from the task path and the
	// progress callback.
	writeMu sync.Mutex
}

// New creates an agent reading requests from in and writing responses to out.
func New(in io.Reader, out io.Writer, runner Runner, logger *slog.Logger) *Agent {
	return &Agent{
		in:     in,
		out:    out,
		runner: runner,
		logger: logger,
	}
}

// Serve processes requests until the input stream closes or ctx is
// cancelled. A closed stream is a normal shutdown and returns nil.
func (a *Agent) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var req protocol.Request
		if err := protocol.ReadMessage(a.in, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		switch req.Type {
		case protocol.TypeInit:
			a.send(protocol.Response{Type: protocol.TypeReady, ID: req.ID, Success: true})
		case protocol.TypeTask:
			a.handleTask(ctx, &req)
		default:
			a.logger.Debug("dropping unknown request", "type", req.Type, "id", req.ID)
		}
	}
}

// handleTask runs one invocation and emits its terminal response.
func (a *Agent) handleTask(ctx context.Context, req *protocol.Request) {
	if req.Spec == nil {
		a.send(protocol.Response{Type: protocol.TypeError, ID: req.ID, Error: "task without spec"})
		return
	}

	progress := func(pct int) {
		a.send(protocol.Response{Type: protocol.TypeProgress, ID: req.ID, Progress: pct})
	}

	res, err := a.runner.Run(ctx, req.Spec, progress)
	if err != nil {
		a.logger.Debug("task failed", "id", req.ID, "error", err)
		a.send(protocol.Response{Type: protocol.TypeError, ID: req.ID, Error: err.Error()})
		return
	}

	a.send(protocol.Response{Type: protocol.TypeComplete, ID: req.ID, Success: true, Result: res})
}

func (a *Agent) send(resp protocol.Response) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := protocol.WriteMessage(a.out, &resp); err != nil {
		a.logger.Error("write response", "id", resp.ID, "error", err)
	}
}
