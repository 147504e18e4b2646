package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/smashpdf/smash/internal/protocol"
)

// wasmStdoutFile is where the module's standard output lands inside the
// scratch directory. The leading dot keeps it clear of output globs.
const wasmStdoutFile = ".stdout"

// WasmRunner executes engine invocations with a WASI build of the tool.
// The module artifact is compiled once, on the first task; each task gets a
// fresh store and instance over a preopened scratch directory, so no state
// leaks between invocations.
type WasmRunner struct {
	modulePath string
	argv0      string
	logger     *slog.Logger

	engine *wasmtime.Engine

	compileOnce sync.Once
	module      *wasmtime.Module
	compileErr  error
}

// NewWasmRunner creates a runner over the module artifact at modulePath.
// argv0 is the program name the module sees, conventionally the tool name.
func NewWasmRunner(modulePath, argv0 string, logger *slog.Logger) *WasmRunner {
	cfg := wasmtime.NewConfig()
	cfg.SetEpochInterruption(true)
	return &WasmRunner{
		modulePath: modulePath,
		argv0:      argv0,
		logger:     logger,
		engine:     wasmtime.NewEngineWithConfig(cfg),
	}
}

// compile loads and compiles the module artifact. Compilation dominates
// worker bring-up time, so it happens once and is reused for every task.
func (r *WasmRunner) compile() (*wasmtime.Module, error) {
	r.compileOnce.Do(func() {
		r.logger.Info("compiling engine module", "path", r.modulePath)
		r.module, r.compileErr = wasmtime.NewModuleFromFile(r.engine, r.modulePath)
		if r.compileErr != nil {
			r.compileErr = fmt.Errorf("compile module %s: %w", r.modulePath, r.compileErr)
		}
	})
	return r.module, r.compileErr
}

func (r *WasmRunner) Run(ctx context.Context, spec *protocol.ExecSpec, progress func(int)) (*protocol.Result, error) {
	module, err := r.compile()
	if err != nil {
		return nil, err
	}
	progress(10)

	scratch, err := newScratch(spec)
	if err != nil {
		return nil, err
	}
	defer removeScratch(scratch, r.logger)

	store := wasmtime.NewStore(r.engine)
	defer store.Close()

	// Cancel the guest if ctx expires. Interrupting via epoch deadlines
	// needs only a bump from this goroutine.
	store.SetEpochDeadline(1)
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			r.engine.IncrementEpoch()
		case <-watchDone:
		}
	}()

	wasi := wasmtime.NewWasiConfig()
	wasi.SetArgv(append([]string{r.argv0}, spec.Argv...))
	if err := wasi.PreopenDir(scratch, "."); err != nil {
		return nil, fmt.Errorf("preopen scratch dir: %w", err)
	}
	stdoutPath := filepath.Join(scratch, wasmStdoutFile)
	if err := wasi.SetStdoutFile(stdoutPath); err != nil {
		return nil, fmt.Errorf("set stdout file: %w", err)
	}
	wasi.InheritStderr()
	store.SetWasi(wasi)

	linker := wasmtime.NewLinker(r.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("define wasi: %w", err)
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	progress(25)

	start := instance.GetFunc(store, "_start")
	if start == nil {
		return nil, fmt.Errorf("module %s has no _start export", r.modulePath)
	}

	if _, err := start.Call(store); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run module: %w", ctx.Err())
		}
		// proc_exit surfaces as an error even for status 0.
		if exitErr, ok := err.(*wasmtime.Error); ok {
			if code, exited := exitErr.ExitStatus(); exited && code == 0 {
				err = nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("run module: %w", err)
		}
	}
	progress(90)

	outputs, total, err := collectOutputs(scratch, spec)
	if err != nil {
		return nil, err
	}

	res := &protocol.Result{Outputs: outputs, OutputSize: total}
	if spec.CaptureStdout {
		data, err := os.ReadFile(stdoutPath)
		if err != nil {
			return nil, fmt.Errorf("read captured stdout: %w", err)
		}
		res.Stdout = string(data)
	}
	return res, nil
}
