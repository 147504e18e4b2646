package model

import "time"

// Work item status constants.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Operation constants.
const (
	OpCompress = "compress"
	OpProtect  = "protect"
	OpUnlock   = "unlock"
	OpMerge    = "merge"
	OpSplit    = "split"
	OpRender   = "render"
)

// Operations lists every supported operation.
var Operations = []string{OpCompress, OpProtect, OpUnlock, OpMerge, OpSplit, OpRender}

// MultiInput reports whether the operation consumes all pending items at once
// and produces a single combined output.
func MultiInput(op string) bool {
	return op == OpMerge
}

// validTransitions maps each status to the set of statuses it may transition to.
// Completed is terminal; error can go back to pending on an explicit user retry.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusError:     true,
	},
	StatusError: {
		StatusPending: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Output is one result blob produced by a completed work item. Single-output
// operations produce exactly one; split produces an ordered list.
type Output struct {
	ItemID string `json:"item_id"`
	Seq    int    `json:"seq"`
	Data   []byte `json:"data"`
}

// Item represents one unit of user work moving through the processing queue.
// Payload holds the input document until it is handed to a worker; large
// output blobs live in the outputs table, not on the item itself.
type Item struct {
	ID             string     `json:"id"`
	Operation      string     `json:"operation"`
	Filename       string     `json:"filename"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	Seq            int        `json:"seq"`
	Payload        []byte     `json:"-"`
	Params         OpParams   `json:"params"`
	Error          string     `json:"error,omitempty"`
	OriginalSize   int64      `json:"original_size"`
	OutputSize     *int64     `json:"output_size,omitempty"`
	SavingsPercent *float64   `json:"savings_percent,omitempty"`
	PageCount      *int       `json:"page_count,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the item has reached a state that ends a
// processing episode.
func (i *Item) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusError
}
