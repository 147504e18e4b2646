// Package engine provides the engine adapters and the tiered fallback
// orchestrator. Each externally visible operation is backed by an ordered
// list of tiers, strongest guarantee first; the orchestrator tries each in
// turn and returns exactly one tier's output.
package engine

import (
	"context"

	"github.com/smashpdf/smash/internal/model"
	"github.com/smashpdf/smash/internal/protocol"
	"github.com/smashpdf/smash/internal/worker"
)

// Request describes one high-level operation over one or more input
// documents. Merge takes several inputs; every other operation takes one.
// The orchestrator retains ownership of the payloads so it can replay them
// against a weaker tier after a failure.
type Request struct {
	Operation string
	Inputs    []*model.Payload
	Params    model.OpParams
}

// Result is the output of a successful operation.
type Result struct {
	// Outputs holds one blob per output document, in order. Split produces
	// several; everything else produces one.
	Outputs        [][]byte
	OriginalSize   int64
	OutputSize     int64
	SavingsPercent float64
	// PageCount is set by split; Width and Height by render.
	PageCount int
	Width     int
	Height    int
}

// Tier is one ranked alternative implementation of the operations in a
// fallback chain. Progress reported through onProgress is non-decreasing
// within one Run call.
type Tier interface {
	Name() string
	Run(ctx context.Context, req Request, onProgress func(int)) (*Result, error)
}

// TaskSender is the subset of the worker pool that worker-backed tiers use.
type TaskSender interface {
	SendTask(ctx context.Context, engineType string, task worker.Task) (*protocol.Result, error)
}

// ModuleLoader guards lazy engine bring-up before the first task.
type ModuleLoader interface {
	Load(ctx context.Context, engineType string) error
}

// Transformer is the built-in document-manipulation library consumed by the
// baseline tier. It is synchronous per call; progress arrives no finer than
// "page done of total".
type Transformer interface {
	Transform(ctx context.Context, inputs [][]byte, operation string, params model.OpParams, progress func(done, total int)) ([][]byte, error)
}

// Pixmap is a raw rendered page.
type Pixmap struct {
	Pixels []byte
	Width  int
	Height int
}

// Renderer is the built-in page rasterizer consumed by the baseline tier for
// render operations.
type Renderer interface {
	RenderPage(ctx context.Context, input []byte, page int, scale float64) (Pixmap, error)
}

// finishResult fills in the size metrics shared by all tiers.
func finishResult(req Request, outputs [][]byte) *Result {
	res := &Result{Outputs: outputs}
	for _, p := range req.Inputs {
		res.OriginalSize += int64(p.Len())
	}
	for _, out := range outputs {
		res.OutputSize += int64(len(out))
	}
	if req.Operation == model.OpCompress && res.OriginalSize > 0 {
		res.SavingsPercent = (float64(res.OriginalSize) - float64(res.OutputSize)) / float64(res.OriginalSize) * 100.0
	}
	return res
}
