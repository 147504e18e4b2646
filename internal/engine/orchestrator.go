package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smashpdf/smash/internal/config"
	"github.com/smashpdf/smash/internal/model"
)

// fallbackProgressFloor is the progress value emitted when execution falls
// through to a weaker tier. A small non-zero value avoids visibly resetting
// a progress indicator to zero; monotonicity is only guaranteed within a
// tier, not across a fallback boundary.
const fallbackProgressFloor = 5

// Deps carries the collaborators the orchestrator's tiers are built from.
type Deps struct {
	Pool        TaskSender
	Modules     ModuleLoader
	Transformer Transformer
	Renderer    Renderer
	Logger      *slog.Logger
}

// Orchestrator presents one reliable implementation of each operation,
// backed by an ordered tier list: strongest guarantee first, ending in the
// always-available library baseline. Exactly one tier's output is ever
// returned; partial output from a failed tier is discarded.
type Orchestrator struct {
	logger *slog.Logger
	chains map[string][]Tier
}

// NewOrchestrator builds the per-operation tier chains for a deployment
// profile. The three historical deployments (native-first desktop,
// wasm-first web, library-only) share this one implementation and differ
// only in their chains.
//
// The library baseline joins a chain only when its collaborator was actually
// wired in: a chain must never end in a tier that is known unavailable at
// startup, because the last tier's error is the one surfaced to the user and
// an unconditional "library not available" would mask the informative engine
// failure above it.
func NewOrchestrator(profile string, deps Deps) (*Orchestrator, error) {
	lib := newLibraryTier(deps.Transformer, deps.Renderer)
	hasTransformer := deps.Transformer != nil
	hasRenderer := deps.Renderer != nil

	gsNative := newWorkerTier(model.EngineGhostscriptNative, deps.Pool, deps.Modules)
	gsWasm := newWorkerTier(model.EngineGhostscriptWasm, deps.Pool, deps.Modules)
	qpdfNative := newWorkerTier(model.EngineQPDFNative, deps.Pool, deps.Modules)
	qpdfWasm := newWorkerTier(model.EngineQPDFWasm, deps.Pool, deps.Modules)
	rendererWasm := newWorkerTier(model.EngineRendererWasm, deps.Pool, deps.Modules)

	withLib := func(available bool, tiers ...Tier) []Tier {
		if available {
			return append(tiers, lib)
		}
		return tiers
	}

	chains := make(map[string][]Tier)
	switch profile {
	case config.ProfileDesktop:
		for _, op := range []string{model.OpCompress, model.OpMerge, model.OpSplit} {
			chains[op] = withLib(hasTransformer, gsNative, gsWasm)
		}
		for _, op := range []string{model.OpProtect, model.OpUnlock} {
			chains[op] = withLib(hasTransformer, qpdfNative, qpdfWasm)
		}
		chains[model.OpRender] = withLib(hasRenderer, gsNative, rendererWasm)
	case config.ProfileWasm:
		for _, op := range []string{model.OpCompress, model.OpMerge, model.OpSplit} {
			chains[op] = withLib(hasTransformer, gsWasm)
		}
		for _, op := range []string{model.OpProtect, model.OpUnlock} {
			chains[op] = withLib(hasTransformer, qpdfWasm)
		}
		chains[model.OpRender] = withLib(hasRenderer, rendererWasm)
	case config.ProfileLibrary:
		if !hasTransformer {
			return nil, fmt.Errorf("profile %q requires a document library", profile)
		}
		for _, op := range model.Operations {
			if op == model.OpRender && !hasRenderer {
				continue
			}
			chains[op] = []Tier{lib}
		}
	default:
		return nil, fmt.Errorf("unknown profile %q", profile)
	}

	return &Orchestrator{logger: deps.Logger, chains: chains}, nil
}

// NewOrchestratorWithChains builds an orchestrator from explicit tier chains.
func NewOrchestratorWithChains(chains map[string][]Tier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger, chains: chains}
}

// Run executes req against its tier chain. Each tier is attempted in order;
// the first success wins, with a final progress of 100 emitted before the
// result is returned. A tier failure is logged and execution falls through
// with no terminal progress. If every tier fails, the last tier's error is
// propagated: it is the most fundamental implementation, so its failure is
// the least likely to be spurious.
func (o *Orchestrator) Run(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	tiers := o.chains[req.Operation]
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no tiers configured for operation %q", req.Operation)
	}

	start := time.Now()
	var lastErr error
	for i, tier := range tiers {
		floor := 0
		if i > 0 {
			floor = fallbackProgressFloor
			fallbacksTotal.WithLabelValues(req.Operation).Inc()
			if onProgress != nil {
				onProgress(floor)
			}
		}

		res, err := tier.Run(ctx, req, monotonic(onProgress, floor))
		if err == nil {
			tierAttemptsTotal.WithLabelValues(req.Operation, tier.Name(), attemptCompleted).Inc()
			operationDuration.WithLabelValues(req.Operation).Observe(time.Since(start).Seconds())
			if onProgress != nil {
				onProgress(100)
			}
			return res, nil
		}

		tierAttemptsTotal.WithLabelValues(req.Operation, tier.Name(), attemptFailed).Inc()
		o.logger.Warn("tier failed, falling through",
			"operation", req.Operation,
			"tier", tier.Name(),
			"error", err,
		)
		lastErr = err

		// A cancelled context fails every remaining tier the same way;
		// stop instead of burning through them.
		if ctx.Err() != nil {
			break
		}
	}

	operationDuration.WithLabelValues(req.Operation).Observe(time.Since(start).Seconds())
	return nil, lastErr
}

// Supported reports whether the orchestrator has a tier chain for op.
func (o *Orchestrator) Supported(op string) bool {
	return len(o.chains[op]) > 0
}

// monotonic wraps onProgress so values never decrease within one tier and
// never exceed 99 before the orchestrator's own terminal emit.
func monotonic(onProgress func(int), floor int) func(int) {
	if onProgress == nil {
		return nil
	}
	last := floor
	return func(p int) {
		if p < last {
			return
		}
		if p > 99 {
			p = 99
		}
		last = p
		onProgress(p)
	}
}
