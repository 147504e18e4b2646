// Command smashd is the document processing daemon. It owns the work item
// queue, the per-engine worker processes, and the HTTP API.
package main

import (
	"log"
	"os"

	"github.com/smashpdf/smash/internal/api"
	"github.com/smashpdf/smash/internal/config"
	"github.com/smashpdf/smash/internal/engine"
	"github.com/smashpdf/smash/internal/modules"
	"github.com/smashpdf/smash/internal/queue"
	"github.com/smashpdf/smash/internal/store"
	"github.com/smashpdf/smash/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("smashd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"profile", cfg.Profile,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	spawnCfg := worker.SpawnConfig{
		WorkerBin:      cfg.WorkerBin,
		WasmDir:        cfg.WasmDir,
		GhostscriptBin: cfg.GhostscriptBin,
		QPDFBin:        cfg.QPDFBin,
	}
	pool := worker.NewPool(worker.ExecSpawn(spawnCfg, logger), logger)
	defer pool.TerminateAll()

	mods := modules.NewManager(pool, logger)

	orch, err := engine.NewOrchestrator(cfg.Profile, engine.Deps{
		Pool:    pool,
		Modules: mods,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("build orchestrator: %v", err)
	}

	proc := queue.NewProcessor(db, orch, logger)
	defer proc.Shutdown()

	srv := api.NewServer(cfg.ListenAddr, db, proc, mods, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
