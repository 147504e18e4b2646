// Command smash-worker hosts one document engine in an isolated process.
// The daemon spawns one worker per engine type and speaks length-prefixed
// JSON frames over the worker's stdin and stdout; logs go to stderr.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/smashpdf/smash/internal/agent"
	"github.com/smashpdf/smash/internal/config"
	"github.com/smashpdf/smash/internal/model"
)

func main() {
	engineTool := flag.String("engine", "", "engine tool (ghostscript, qpdf, renderer)")
	flavor := flag.String("flavor", "", "engine flavor (wasm, native)")
	wasmPath := flag.String("wasm", "", "path to the engine's wasm module")
	toolBin := flag.String("tool-bin", "", "path to the native tool binary")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	engineType := *engineTool + "-" + *flavor
	if !model.KnownEngineType(engineType) {
		log.Fatalf("unknown engine type %q", engineType)
	}

	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(*logLevel)).With("engine", engineType)

	var runner agent.Runner
	switch *flavor {
	case model.FlavorWasm:
		if *wasmPath == "" {
			log.Fatalf("wasm flavor requires -wasm")
		}
		runner = agent.NewWasmRunner(*wasmPath, *engineTool, logger)
	case model.FlavorNative:
		if *toolBin == "" {
			log.Fatalf("native flavor requires -tool-bin")
		}
		runner = agent.NewNativeRunner(*toolBin, logger)
	}

	a := agent.New(os.Stdin, os.Stdout, runner, logger)
	if err := a.Serve(context.Background()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
