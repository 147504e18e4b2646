package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/smashpdf/smash/internal/model"
)

// SpawnConfig locates the worker binary and the engine artifacts it needs.
type SpawnConfig struct {
	WorkerBin      string
	WasmDir        string
	GhostscriptBin string
	QPDFBin        string
}

// procTransport carries protocol frames over a worker subprocess's stdio.
type procTransport struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (t *procTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *procTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

// Kill hard-stops the worker process. The exit status is collected by the
// Wait goroutine started at spawn.
func (t *procTransport) Kill() error {
	t.stdin.Close()
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// ExecSpawn returns a SpawnFunc that starts the smash-worker binary for an
// engine type, wiring its stdio as the frame transport and forwarding its
// stderr to the logger.
func ExecSpawn(cfg SpawnConfig, logger *slog.Logger) SpawnFunc {
	return func(ctx context.Context, engineType string) (Transport, error) {
		tool, flavor, ok := strings.Cut(engineType, "-")
		if !ok || !model.KnownEngineType(engineType) {
			return nil, fmt.Errorf("unknown engine type %q", engineType)
		}

		args := []string{"-engine", tool, "-flavor", flavor}
		switch flavor {
		case model.FlavorWasm:
			args = append(args, "-wasm", filepath.Join(cfg.WasmDir, tool+".wasm"))
		case model.FlavorNative:
			switch tool {
			case model.ToolGhostscript:
				args = append(args, "-tool-bin", cfg.GhostscriptBin)
			case model.ToolQPDF:
				args = append(args, "-tool-bin", cfg.QPDFBin)
			}
		}

		cmd := exec.Command(cfg.WorkerBin, args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}

		// Forward worker stderr lines to the host log.
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				logger.Debug("worker stderr", "engine", engineType, "line", scanner.Text())
			}
		}()

		// Reap the process when it exits so it never lingers as a zombie.
		go func() {
			if err := cmd.Wait(); err != nil {
				logger.Debug("worker exited", "engine", engineType, "error", err)
			}
		}()

		return &procTransport{stdin: stdin, stdout: stdout, cmd: cmd}, nil
	}
}
