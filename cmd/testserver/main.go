// testserver starts a smash API server with a stub engine runner for E2E
// testing. No external tools are required.
// Usage: go run ./cmd/testserver
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/smashpdf/smash/internal/api"
	"github.com/smashpdf/smash/internal/engine"
	"github.com/smashpdf/smash/internal/model"
	"github.com/smashpdf/smash/internal/modules"
	"github.com/smashpdf/smash/internal/queue"
	"github.com/smashpdf/smash/internal/store"
	"github.com/smashpdf/smash/internal/worker"
)

// stubRunner fakes the tiered engine: it reports progress milestones, sleeps
// briefly, and returns canned outputs. A payload containing "fail" makes the
// invocation fail, so error and retry paths can be exercised end to end.
type stubRunner struct {
	delay time.Duration
}

func (s *stubRunner) Run(_ context.Context, req engine.Request, onProgress func(int)) (*engine.Result, error) {
	for _, pct := range []int{10, 40, 75} {
		onProgress(pct)
		time.Sleep(s.delay)
	}

	var original int64
	for _, p := range req.Inputs {
		original += int64(p.Len())
		if bytes.Contains(p.Bytes(), []byte("fail")) {
			return nil, errors.New("invalid password")
		}
	}

	outputs := [][]byte{[]byte(fmt.Sprintf("stub %s output", req.Operation))}
	if req.Operation == model.OpSplit {
		outputs = [][]byte{[]byte("stub part 1"), []byte("stub part 2")}
	}

	res := &engine.Result{Outputs: outputs, OriginalSize: original}
	for _, out := range outputs {
		res.OutputSize += int64(len(out))
	}
	if req.Operation == model.OpCompress && original > 0 {
		res.SavingsPercent = (float64(original) - float64(res.OutputSize)) / float64(original) * 100.0
	}
	if req.Operation == model.OpSplit {
		res.PageCount = len(outputs)
	}
	return res, nil
}

// stubPool satisfies the module manager without spawning worker processes.
type stubPool struct{}

func (stubPool) Get(_ context.Context, _ string) (*worker.Worker, error) {
	return nil, nil
}

func main() {
	addr := ":8080"
	if v := os.Getenv("SMASH_LISTEN_ADDR"); v != "" {
		addr = v
	}

	dir, err := os.MkdirTemp("", "smash-testserver-")
	if err != nil {
		log.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	db, err := store.NewSQLiteStore(filepath.Join(dir, "smash.db"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	proc := queue.NewProcessor(db, &stubRunner{delay: 50 * time.Millisecond}, logger)
	defer proc.Shutdown()

	mods := modules.NewManager(stubPool{}, logger)
	srv := api.NewServer(addr, db, proc, mods, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
