// Package queue drives the processing queue: it walks pending work items in
// order, runs each through the fallback orchestrator, persists the outcome
// and streams progress to subscribers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smashpdf/smash/internal/engine"
	"github.com/smashpdf/smash/internal/model"
	"github.com/smashpdf/smash/internal/store"
)

// ErrBusy is returned by Process when a batch is already running. Processing
// is globally exclusive across all operations.
var ErrBusy = errors.New("queue: batch already running")

// Runner executes one operation through the tier chain. Implemented by
// engine.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req engine.Request, onProgress func(int)) (*engine.Result, error)
}

// Processor executes queued work items asynchronously. At most one batch is
// in flight at a time; items within a batch run strictly sequentially in
// sequence order.
type Processor struct {
	store  store.Store
	runner Runner
	broker *Broker
	logger *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProcessor creates a processor over the given store and runner.
func NewProcessor(s store.Store, r Runner, logger *slog.Logger) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:  s,
		runner: r,
		broker: NewBroker(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Broker returns the processor's progress broker for SSE subscription.
func (p *Processor) Broker() *Broker {
	return p.broker
}

// Running reports whether a batch is currently in flight.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Process launches asynchronous execution of all pending items for the given
// operation. It returns ErrBusy if a batch is already in flight; callers that
// want fire-and-forget semantics may ignore that error.
func (p *Processor) Process(operation string) error {
	if !slices.Contains(model.Operations, operation) {
		return fmt.Errorf("unknown operation %q", operation)
	}
	if !p.running.CompareAndSwap(false, true) {
		return ErrBusy
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		p.runBatch(operation)
	}()

	return nil
}

// Retry moves an errored item back to pending so the next batch picks it up.
// The store rejects the transition for items in any other status.
func (p *Processor) Retry(ctx context.Context, id string) error {
	if err := p.store.UpdateItemStatus(ctx, id, model.StatusPending); err != nil {
		return fmt.Errorf("retry item: %w", err)
	}
	return nil
}

// Wait blocks until the in-flight batch, if any, completes.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Shutdown cancels the in-flight batch, if any, and waits for it to settle.
func (p *Processor) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// runBatch processes everything pending for one operation. Merge consumes
// the whole batch as a single unit; every other operation runs item by item,
// and one item's failure does not stop the rest.
func (p *Processor) runBatch(operation string) {
	start := time.Now()

	items, err := p.store.ListPending(p.ctx, operation)
	if err != nil {
		p.logger.Error("failed to list pending items", "operation", operation, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	p.logger.Info("batch started", "operation", operation, "items", len(items))

	if model.MultiInput(operation) {
		p.processMerge(items)
	} else {
		for _, it := range items {
			if p.ctx.Err() != nil {
				return
			}
			p.processOne(it)
		}
	}

	p.logger.Info("batch finished", "operation", operation, "duration", time.Since(start))
}

// processOne runs a single-input item through pending→processing→terminal.
func (p *Processor) processOne(it *model.Item) {
	defer p.broker.Close(it.ID)

	if err := p.transitionProcessing(it); err != nil {
		return
	}

	req := engine.Request{
		Operation: it.Operation,
		Inputs:    []*model.Payload{model.NewPayload(it.Payload)},
		Params:    it.Params,
	}
	res, err := p.runner.Run(p.ctx, req, p.progressFunc(it.ID))
	if err != nil {
		p.finishError(it, err)
		return
	}
	p.finishCompleted(it, res)
}

// processMerge consumes the whole pending batch atomically. The first item by
// sequence is the primary: on success it receives the combined document and
// the contributors are removed; on failure only the primary is marked errored
// and the contributors stay pending for a later attempt.
func (p *Processor) processMerge(items []*model.Item) {
	primary := items[0]
	defer p.broker.Close(primary.ID)

	// Reject an undersized batch before the primary ever enters processing.
	if len(items) < 2 {
		p.finishError(primary, errors.New("merge requires at least two documents"))
		return
	}

	if err := p.transitionProcessing(primary); err != nil {
		return
	}

	inputs := make([]*model.Payload, len(items))
	for i, it := range items {
		inputs[i] = model.NewPayload(it.Payload)
	}

	req := engine.Request{
		Operation: primary.Operation,
		Inputs:    inputs,
		Params:    primary.Params,
	}
	res, err := p.runner.Run(p.ctx, req, p.progressFunc(primary.ID))
	if err != nil {
		p.finishError(primary, err)
		return
	}

	// Account for every contributor in the primary's size metrics before the
	// contributor rows disappear.
	p.finishCompleted(primary, res)
	for _, it := range items[1:] {
		if err := p.store.DeleteItem(p.ctx, it.ID); err != nil {
			p.logger.Error("failed to remove merged item", "item_id", it.ID, "error", err)
		}
		p.broker.Close(it.ID)
	}
}

// transitionProcessing moves the item to processing and announces it.
func (p *Processor) transitionProcessing(it *model.Item) error {
	if err := p.store.UpdateItemStatus(p.ctx, it.ID, model.StatusProcessing); err != nil {
		p.logger.Error("failed to transition to processing", "item_id", it.ID, "error", err)
		return err
	}
	it.Status = model.StatusProcessing
	it.Progress = 0
	p.broker.Publish(it.ID, Update{Status: model.StatusProcessing, Progress: 0})
	return nil
}

// progressFunc persists and publishes progress for one item.
func (p *Processor) progressFunc(itemID string) func(int) {
	return func(pct int) {
		if err := p.store.UpdateItemProgress(p.ctx, itemID, pct); err != nil {
			p.logger.Error("failed to persist progress", "item_id", itemID, "error", err)
		}
		p.broker.Publish(itemID, Update{Status: model.StatusProcessing, Progress: pct})
	}
}

// finishCompleted writes the successful terminal state and its outputs.
func (p *Processor) finishCompleted(it *model.Item, res *engine.Result) {
	it.Status = model.StatusCompleted
	it.Progress = 100
	it.Error = ""
	it.OutputSize = &res.OutputSize
	if it.Operation == model.OpCompress {
		sp := res.SavingsPercent
		it.SavingsPercent = &sp
	}
	if res.PageCount > 0 {
		pc := res.PageCount
		it.PageCount = &pc
	}

	if err := p.store.FinishItem(p.ctx, it, res.Outputs); err != nil {
		p.logger.Error("failed to persist completed item", "item_id", it.ID, "error", err)
		return
	}
	p.broker.Publish(it.ID, Update{Status: model.StatusCompleted, Progress: 100})
}

// finishError writes the failed terminal state with a user-facing message.
// The raw error goes to the log only. Like completion, the terminal write
// carries progress 100 so subscribers never see the value regress below what
// the episode already reported.
func (p *Processor) finishError(it *model.Item, cause error) {
	p.logger.Warn("item failed", "item_id", it.ID, "operation", it.Operation, "error", cause)

	it.Status = model.StatusError
	it.Progress = 100
	it.Error = engine.Classify(cause)
	if err := p.store.FinishItem(p.ctx, it, nil); err != nil {
		p.logger.Error("failed to persist errored item", "item_id", it.ID, "error", err)
		return
	}
	p.broker.Publish(it.ID, Update{Status: model.StatusError, Progress: 100, Error: it.Error})
}
