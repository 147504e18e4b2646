package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smashpdf/smash/internal/model"

	_ "modernc.org/sqlite"
)

const createItemsTable = `
CREATE TABLE IF NOT EXISTS items (
    id              TEXT PRIMARY KEY,
    operation       TEXT NOT NULL,
    filename        TEXT NOT NULL,
    status          TEXT NOT NULL,
    progress        INTEGER NOT NULL DEFAULT 0,
    seq             INTEGER NOT NULL,
    payload         BLOB,
    params          TEXT,
    error           TEXT,
    original_size   INTEGER NOT NULL DEFAULT 0,
    output_size     INTEGER,
    savings_percent REAL,
    page_count      INTEGER,
    created_at      DATETIME NOT NULL,
    started_at      DATETIME,
    finished_at     DATETIME
)`

const createOutputsTable = `
CREATE TABLE IF NOT EXISTS outputs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    data       BLOB NOT NULL,
    created_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createItemsTable, createOutputsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateItem inserts a new work item. When the item's Seq is zero it is
// assigned the next sequence number for its operation, so items process in
// submission order by default.
func (s *SQLiteStore) CreateItem(ctx context.Context, it *model.Item) error {
	params, err := json.Marshal(it.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if it.Seq == 0 {
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM items WHERE operation = ?",
			it.Operation,
		).Scan(&it.Seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO items (
			id, operation, filename, status, progress, seq, payload, params,
			error, original_size, output_size, savings_percent, page_count,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Operation, it.Filename, it.Status, it.Progress, it.Seq,
		it.Payload, string(params), it.Error, it.OriginalSize, it.OutputSize,
		it.SavingsPercent, it.PageCount, it.CreatedAt, it.StartedAt, it.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}

	return tx.Commit()
}

const itemColumns = `id, operation, filename, status, progress, seq, payload,
	params, error, original_size, output_size, savings_percent, page_count,
	created_at, started_at, finished_at`

func scanItem(row interface{ Scan(...any) error }) (*model.Item, error) {
	it := &model.Item{}
	var params sql.NullString
	if err := row.Scan(
		&it.ID, &it.Operation, &it.Filename, &it.Status, &it.Progress, &it.Seq,
		&it.Payload, &params, &it.Error, &it.OriginalSize, &it.OutputSize,
		&it.SavingsPercent, &it.PageCount, &it.CreatedAt, &it.StartedAt, &it.FinishedAt,
	); err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &it.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	return it, nil
}

// GetItem retrieves a work item by ID.
func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// ListItems returns a paginated list of items ordered by created_at DESC,
// along with the total count of all items.
func (s *SQLiteStore) ListItems(ctx context.Context, limit, offset int) ([]*model.Item, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate items: %w", err)
	}

	return items, total, nil
}

// ListPending returns all pending items for an operation in sequence order.
func (s *SQLiteStore) ListPending(ctx context.Context, operation string) ([]*model.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE operation = ? AND status = ? ORDER BY seq ASC",
		operation, model.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending items: %w", err)
	}

	return items, nil
}

// UpdateItemStatus transitions an item to a new status, validating the
// transition against the item state machine. Entering processing sets
// started_at and resets progress; re-entering pending clears the previous
// episode's error and progress.
func (s *SQLiteStore) UpdateItemStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM items WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get item status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	switch status {
	case model.StatusProcessing:
		_, err = tx.ExecContext(ctx,
			"UPDATE items SET status = ?, progress = 0, started_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	case model.StatusPending:
		_, err = tx.ExecContext(ctx,
			"UPDATE items SET status = ?, progress = 0, error = '', finished_at = NULL WHERE id = ?",
			status, id,
		)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE items SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	}
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}

	return tx.Commit()
}

// UpdateItemProgress writes the item's current progress value.
func (s *SQLiteStore) UpdateItemProgress(ctx context.Context, id string, progress int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE items SET progress = ? WHERE id = ?", progress, id,
	)
	if err != nil {
		return fmt.Errorf("update item progress: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// FinishItem writes an item's terminal state and output blobs in one transaction.
// The input payload is dropped for completed items to keep the table compact.
func (s *SQLiteStore) FinishItem(ctx context.Context, it *model.Item, outputs [][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var payload []byte
	if it.Status != model.StatusCompleted {
		payload = it.Payload
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE items SET status = ?, progress = ?, payload = ?, error = ?,
			output_size = ?, savings_percent = ?, page_count = ?, finished_at = ?
		WHERE id = ?`,
		it.Status, it.Progress, payload, it.Error,
		it.OutputSize, it.SavingsPercent, it.PageCount, now, it.ID,
	)
	if err != nil {
		return fmt.Errorf("finish item: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	for i, data := range outputs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO outputs (item_id, seq, data, created_at) VALUES (?, ?, ?, ?)",
			it.ID, i, data, now,
		); err != nil {
			return fmt.Errorf("insert output %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// DeleteItem removes an item and its outputs.
func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM outputs WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("delete outputs: %w", err)
	}

	return tx.Commit()
}

// GetOutputs returns an item's output blobs in sequence order.
func (s *SQLiteStore) GetOutputs(ctx context.Context, itemID string) ([]model.Output, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT item_id, seq, data FROM outputs WHERE item_id = ? ORDER BY seq ASC",
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("get outputs: %w", err)
	}
	defer rows.Close()

	var outputs []model.Output
	for rows.Next() {
		var o model.Output
		if err := rows.Scan(&o.ItemID, &o.Seq, &o.Data); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outputs = append(outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}

	return outputs, nil
}

// GetItemStats returns aggregate statistics over all items.
func (s *SQLiteStore) GetItemStats(ctx context.Context) (*ItemStats, error) {
	stats := &ItemStats{
		CountByStatus:    make(map[string]int),
		CountByOperation: make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(original_size), 0), COALESCE(SUM(output_size), 0) FROM items",
	).Scan(&stats.Total, &stats.TotalInputBytes, &stats.TotalOutputBytes); err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM items GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	opRows, err := tx.QueryContext(ctx, "SELECT operation, COUNT(*) FROM items GROUP BY operation")
	if err != nil {
		return nil, fmt.Errorf("count by operation: %w", err)
	}
	defer opRows.Close()
	for opRows.Next() {
		var op string
		var count int
		if err := opRows.Scan(&op, &count); err != nil {
			return nil, fmt.Errorf("scan operation count: %w", err)
		}
		stats.CountByOperation[op] = count
	}
	if err := opRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation counts: %w", err)
	}

	return stats, nil
}
