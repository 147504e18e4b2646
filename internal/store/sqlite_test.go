package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/smashpdf/smash/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "smash.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newItem(op, filename, payload string) *model.Item {
	return &model.Item{
		ID:           model.NewID(),
		Operation:    op,
		Filename:     filename,
		Status:       model.StatusPending,
		Payload:      []byte(payload),
		OriginalSize: int64(len(payload)),
		CreatedAt:    time.Now().UTC(),
	}
}

func TestCreateAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := newItem(model.OpProtect, "secret.pdf", "plaintext")
	it.Params = model.OpParams{Protect: &model.ProtectParams{UserPassword: "hunter2", KeyBits: 256}}
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if it.Seq != 1 {
		t.Errorf("Seq = %d, want 1", it.Seq)
	}

	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Operation != model.OpProtect || got.Filename != "secret.pdf" {
		t.Errorf("got %s %q, want protect secret.pdf", got.Operation, got.Filename)
	}
	if string(got.Payload) != "plaintext" {
		t.Errorf("Payload = %q, want plaintext", got.Payload)
	}
	if got.Params.Protect == nil || got.Params.Protect.UserPassword != "hunter2" {
		t.Errorf("Params not round-tripped: %+v", got.Params)
	}
	if got.Status != model.StatusPending || got.Progress != 0 {
		t.Errorf("status/progress = %s/%d, want pending/0", got.Status, got.Progress)
	}
}

func TestGetItemNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetItem(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetItem error = %v, want ErrNotFound", err)
	}
}

func TestSeqAssignedPerOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newItem(model.OpMerge, "a.pdf", "a")
	b := newItem(model.OpMerge, "b.pdf", "b")
	c := newItem(model.OpUnlock, "c.pdf", "c")
	for _, it := range []*model.Item{a, b, c} {
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}

	if a.Seq != 1 || b.Seq != 2 {
		t.Errorf("merge seqs = %d,%d, want 1,2", a.Seq, b.Seq)
	}
	if c.Seq != 1 {
		t.Errorf("unlock seq = %d, want 1 (sequences are per operation)", c.Seq)
	}
}

func TestListPendingOrderedBySeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	third := newItem(model.OpCompress, "third.pdf", "3")
	third.Seq = 30
	first := newItem(model.OpCompress, "first.pdf", "1")
	first.Seq = 10
	second := newItem(model.OpCompress, "second.pdf", "2")
	second.Seq = 20
	done := newItem(model.OpCompress, "done.pdf", "d")
	done.Seq = 5
	other := newItem(model.OpProtect, "other.pdf", "o")
	for _, it := range []*model.Item{third, first, second, done, other} {
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}
	if err := s.UpdateItemStatus(ctx, done.ID, model.StatusProcessing); err != nil {
		t.Fatalf("UpdateItemStatus: %v", err)
	}

	pending, err := s.ListPending(ctx, model.OpCompress)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending items, want 3", len(pending))
	}
	for i, want := range []string{"first.pdf", "second.pdf", "third.pdf"} {
		if pending[i].Filename != want {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].Filename, want)
		}
	}
}

func TestListItemsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		it := newItem(model.OpCompress, "doc.pdf", "x")
		it.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}

	items, total, err := s.ListItems(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	// Newest first.
	if !items[0].CreatedAt.After(items[1].CreatedAt) {
		t.Errorf("items not ordered by created_at DESC: %v, %v", items[0].CreatedAt, items[1].CreatedAt)
	}

	rest, _, err := s.ListItems(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListItems offset: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("got %d items after offset, want 3", len(rest))
	}
}

func TestUpdateItemStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := newItem(model.OpCompress, "doc.pdf", "x")
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	// pending -> completed skips processing.
	err := s.UpdateItemStatus(ctx, it.ID, model.StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed error = %v, want ErrInvalidTransition", err)
	}

	if err := s.UpdateItemStatus(ctx, it.ID, model.StatusProcessing); err != nil {
		t.Fatalf("pending->processing: %v", err)
	}
	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set on entering processing")
	}

	if err := s.UpdateItemStatus(ctx, it.ID, model.StatusError); err != nil {
		t.Fatalf("processing->error: %v", err)
	}
	got, err = s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set on terminal status")
	}

	// Retry path resets the previous episode.
	if err := s.UpdateItemStatus(ctx, it.ID, model.StatusPending); err != nil {
		t.Fatalf("error->pending: %v", err)
	}
	got, err = s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != model.StatusPending || got.Progress != 0 || got.Error != "" {
		t.Errorf("after retry: status=%s progress=%d error=%q, want pending/0/empty",
			got.Status, got.Progress, got.Error)
	}
	if got.FinishedAt != nil {
		t.Error("FinishedAt not cleared on re-entering pending")
	}
}

func TestUpdateItemStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateItemStatus(context.Background(), "no-such-id", model.StatusProcessing)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateItemProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := newItem(model.OpCompress, "doc.pdf", "x")
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := s.UpdateItemProgress(ctx, it.ID, 42); err != nil {
		t.Fatalf("UpdateItemProgress: %v", err)
	}
	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Progress != 42 {
		t.Errorf("Progress = %d, want 42", got.Progress)
	}

	if err := s.UpdateItemProgress(ctx, "no-such-id", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestFinishItemCompletedDropsPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := newItem(model.OpCompress, "doc.pdf", "original input bytes")
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := s.UpdateItemStatus(ctx, it.ID, model.StatusProcessing); err != nil {
		t.Fatalf("UpdateItemStatus: %v", err)
	}

	it.Status = model.StatusCompleted
	it.Progress = 100
	outSize := int64(4)
	savings := 80.0
	it.OutputSize = &outSize
	it.SavingsPercent = &savings
	if err := s.FinishItem(ctx, it, [][]byte{[]byte("tiny")}); err != nil {
		t.Fatalf("FinishItem: %v", err)
	}

	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != model.StatusCompleted || got.Progress != 100 {
		t.Errorf("status/progress = %s/%d, want completed/100", got.Status, got.Progress)
	}
	if len(got.Payload) != 0 {
		t.Errorf("Payload retained after completion: %d bytes", len(got.Payload))
	}
	if got.OutputSize == nil || *got.OutputSize != 4 {
		t.Errorf("OutputSize = %v, want 4", got.OutputSize)
	}
	if got.SavingsPercent == nil || *got.SavingsPercent != 80 {
		t.Errorf("SavingsPercent = %v, want 80", got.SavingsPercent)
	}

	outputs, err := s.GetOutputs(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetOutputs: %v", err)
	}
	if len(outputs) != 1 || string(outputs[0].Data) != "tiny" {
		t.Errorf("outputs = %v, want one blob %q", outputs, "tiny")
	}
}

func TestFinishItemErrorKeepsPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := newItem(model.OpUnlock, "doc.pdf", "still needed for retry")
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := s.UpdateItemStatus(ctx, it.ID, model.StatusProcessing); err != nil {
		t.Fatalf("UpdateItemStatus: %v", err)
	}

	it.Status = model.StatusError
	it.Error = "the password did not match"
	if err := s.FinishItem(ctx, it, nil); err != nil {
		t.Fatalf("FinishItem: %v", err)
	}

	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != model.StatusError || got.Error != "the password did not match" {
		t.Errorf("status/error = %s/%q", got.Status, got.Error)
	}
	if string(got.Payload) != "still needed for retry" {
		t.Errorf("Payload = %q, want original bytes kept for retry", got.Payload)
	}
}

func TestFinishItemNotFound(t *testing.T) {
	s := newTestStore(t)

	it := newItem(model.OpCompress, "doc.pdf", "x")
	it.Status = model.StatusCompleted
	err := s.FinishItem(context.Background(), it, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestDeleteItemRemovesOutputs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := newItem(model.OpSplit, "doc.pdf", "x")
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := s.UpdateItemStatus(ctx, it.ID, model.StatusProcessing); err != nil {
		t.Fatalf("UpdateItemStatus: %v", err)
	}
	it.Status = model.StatusCompleted
	if err := s.FinishItem(ctx, it, [][]byte{[]byte("part-1"), []byte("part-2")}); err != nil {
		t.Fatalf("FinishItem: %v", err)
	}

	if err := s.DeleteItem(ctx, it.ID); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if _, err := s.GetItem(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem after delete = %v, want ErrNotFound", err)
	}
	outputs, err := s.GetOutputs(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetOutputs: %v", err)
	}
	if len(outputs) != 0 {
		t.Errorf("outputs survived delete: %d blobs", len(outputs))
	}

	if err := s.DeleteItem(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestGetOutputsOrderedBySeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := newItem(model.OpSplit, "doc.pdf", "x")
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := s.UpdateItemStatus(ctx, it.ID, model.StatusProcessing); err != nil {
		t.Fatalf("UpdateItemStatus: %v", err)
	}
	it.Status = model.StatusCompleted
	if err := s.FinishItem(ctx, it, [][]byte{[]byte("one"), []byte("two"), []byte("three")}); err != nil {
		t.Fatalf("FinishItem: %v", err)
	}

	outputs, err := s.GetOutputs(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetOutputs: %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(outputs) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(outputs), len(want))
	}
	for i, w := range want {
		if outputs[i].Seq != i || string(outputs[i].Data) != w {
			t.Errorf("outputs[%d] = seq %d %q, want seq %d %q",
				i, outputs[i].Seq, outputs[i].Data, i, w)
		}
	}
}

func TestGetItemStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newItem(model.OpCompress, "a.pdf", "aaaa")
	b := newItem(model.OpCompress, "b.pdf", "bb")
	c := newItem(model.OpProtect, "c.pdf", "cccccc")
	for _, it := range []*model.Item{a, b, c} {
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}
	if err := s.UpdateItemStatus(ctx, a.ID, model.StatusProcessing); err != nil {
		t.Fatalf("UpdateItemStatus: %v", err)
	}
	a.Status = model.StatusCompleted
	aOut := int64(2)
	a.OutputSize = &aOut
	if err := s.FinishItem(ctx, a, [][]byte{[]byte("zz")}); err != nil {
		t.Fatalf("FinishItem: %v", err)
	}

	stats, err := s.GetItemStats(ctx)
	if err != nil {
		t.Fatalf("GetItemStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusPending] != 2 || stats.CountByStatus[model.StatusCompleted] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByOperation[model.OpCompress] != 2 || stats.CountByOperation[model.OpProtect] != 1 {
		t.Errorf("CountByOperation = %v", stats.CountByOperation)
	}
	if stats.TotalInputBytes != 12 {
		t.Errorf("TotalInputBytes = %d, want 12", stats.TotalInputBytes)
	}
	if stats.TotalOutputBytes != 2 {
		t.Errorf("TotalOutputBytes = %d, want 2", stats.TotalOutputBytes)
	}
}
