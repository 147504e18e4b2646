package store

import (
	"context"
	"errors"

	"github.com/smashpdf/smash/internal/model"
)

// ErrNotFound is returned when a work item is not found.
var ErrNotFound = errors.New("work item not found")

// ErrInvalidTransition is returned when an item status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ItemStats holds aggregate processing statistics.
type ItemStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByOperation map[string]int `json:"count_by_operation"`
	TotalInputBytes  int64          `json:"total_input_bytes"`
	TotalOutputBytes int64          `json:"total_output_bytes"`
}

// Store defines the persistence operations for work items and their outputs.
type Store interface {
	CreateItem(ctx context.Context, it *model.Item) error
	GetItem(ctx context.Context, id string) (*model.Item, error)
	ListItems(ctx context.Context, limit, offset int) ([]*model.Item, int, error)
	// ListPending returns pending items for the given operation ordered by
	// their assigned sequence, which is the order the queue processes them in.
	ListPending(ctx context.Context, operation string) ([]*model.Item, error)
	UpdateItemStatus(ctx context.Context, id, status string) error
	UpdateItemProgress(ctx context.Context, id string, progress int) error
	// FinishItem writes an item's terminal state: status, progress, error
	// text, size metrics and timestamps, plus its output blobs in order.
	FinishItem(ctx context.Context, it *model.Item, outputs [][]byte) error
	DeleteItem(ctx context.Context, id string) error
	GetOutputs(ctx context.Context, itemID string) ([]model.Output, error)
	GetItemStats(ctx context.Context) (*ItemStats, error)
	Close() error
}
