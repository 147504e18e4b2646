package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smashpdf/smash/internal/engine"
	"github.com/smashpdf/smash/internal/model"
	"github.com/smashpdf/smash/internal/modules"
	"github.com/smashpdf/smash/internal/queue"
	"github.com/smashpdf/smash/internal/store"
	"github.com/smashpdf/smash/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner completes every request with a fixed output, optionally
// blocking until released.
type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, req engine.Request, onProgress func(int)) (*engine.Result, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	err := f.err
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := []byte("processed")
	return &engine.Result{Outputs: [][]byte{out}, OutputSize: int64(len(out))}, nil
}

type fakePool struct{}

func (fakePool) Get(ctx context.Context, engineType string) (*worker.Worker, error) {
	return nil, nil
}

type testServer struct {
	srv    *Server
	store  *store.SQLiteStore
	proc   *queue.Processor
	runner *fakeRunner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	runner := &fakeRunner{}
	proc := queue.NewProcessor(s, runner, testLogger())
	t.Cleanup(proc.Shutdown)

	mods := modules.NewManager(fakePool{}, testLogger())

	return &testServer{
		srv:    NewServer(":0", s, proc, mods, testLogger()),
		store:  s,
		proc:   proc,
		runner: runner,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func createBody(op, filename, data string) map[string]any {
	body := map[string]any{
		"operation": op,
		"filename":  filename,
		"data":      base64.StdEncoding.EncodeToString([]byte(data)),
	}
	switch op {
	case model.OpCompress:
		body["params"] = map[string]any{"compress": map[string]any{"preset": "ebook"}}
	case model.OpProtect:
		body["params"] = map[string]any{"protect": map[string]any{"user_password": "secret", "key_bits": 256}}
	case model.OpUnlock:
		body["params"] = map[string]any{"unlock": map[string]any{"password": "secret"}}
	}
	return body
}

func decodeItem(t *testing.T, rec *httptest.ResponseRecorder) model.Item {
	t.Helper()
	var it model.Item
	if err := json.NewDecoder(rec.Body).Decode(&it); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	return it
}

func TestCreateItem(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpCompress, "report.pdf", "pdf bytes"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}

	it := decodeItem(t, rec)
	if it.ID == "" {
		t.Error("created item has no ID")
	}
	if it.Status != model.StatusPending || it.Operation != model.OpCompress {
		t.Errorf("status/operation = %s/%s, want pending/compress", it.Status, it.Operation)
	}
	if it.OriginalSize != int64(len("pdf bytes")) {
		t.Errorf("OriginalSize = %d, want %d", it.OriginalSize, len("pdf bytes"))
	}
}

func TestCreateItemValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown operation", createBody("rotate", "doc.pdf", "x")},
		{"missing filename", map[string]any{
			"operation": "compress",
			"data":      base64.StdEncoding.EncodeToString([]byte("x")),
		}},
		{"missing data", map[string]any{"operation": "compress", "filename": "doc.pdf"}},
		{"protect without password", map[string]any{
			"operation": "protect",
			"filename":  "doc.pdf",
			"data":      base64.StdEncoding.EncodeToString([]byte("x")),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/items", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestCreateItemMalformedJSON(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetItem(t *testing.T) {
	ts := newTestServer(t)

	created := decodeItem(t, ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpCompress, "doc.pdf", "x")))

	rec := ts.do(t, http.MethodGet, "/v1/items/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decodeItem(t, rec)
	if got.ID != created.ID || got.Filename != "doc.pdf" {
		t.Errorf("got %s %q, want %s doc.pdf", got.ID, got.Filename, created.ID)
	}

	rec = ts.do(t, http.MethodGet, "/v1/items/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListItemsPagination(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 5; i++ {
		ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpCompress, fmt.Sprintf("doc-%d.pdf", i), "x"))
	}

	rec := ts.do(t, http.MethodGet, "/v1/items?limit=2&offset=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Items  []*model.Item `json:"items"`
		Total  int           `json:"total"`
		Limit  int           `json:"limit"`
		Offset int           `json:"offset"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 5 || len(resp.Items) != 2 || resp.Limit != 2 || resp.Offset != 1 {
		t.Errorf("total=%d items=%d limit=%d offset=%d, want 5/2/2/1",
			resp.Total, len(resp.Items), resp.Limit, resp.Offset)
	}
}

func TestDeleteItem(t *testing.T) {
	ts := newTestServer(t)

	created := decodeItem(t, ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpCompress, "doc.pdf", "x")))

	rec := ts.do(t, http.MethodDelete, "/v1/items/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/v1/items/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestProcessBatch(t *testing.T) {
	ts := newTestServer(t)

	created := decodeItem(t, ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpCompress, "doc.pdf", "input doc")))

	rec := ts.do(t, http.MethodPost, "/v1/process", map[string]any{"operation": "compress"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	ts.proc.Wait()

	got := decodeItem(t, ts.do(t, http.MethodGet, "/v1/items/"+created.ID, nil))
	if got.Status != model.StatusCompleted || got.Progress != 100 {
		t.Errorf("status/progress = %s/%d, want completed/100", got.Status, got.Progress)
	}

	rec = ts.do(t, http.MethodGet, "/v1/items/"+created.ID+"/outputs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("outputs status = %d, want 200", rec.Code)
	}
	var outResp struct {
		ItemID  string `json:"item_id"`
		Outputs []struct {
			Seq  int    `json:"seq"`
			Data []byte `json:"data"`
		} `json:"outputs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&outResp); err != nil {
		t.Fatalf("decode outputs: %v", err)
	}
	if len(outResp.Outputs) != 1 || string(outResp.Outputs[0].Data) != "processed" {
		t.Errorf("outputs = %+v, want one blob %q", outResp.Outputs, "processed")
	}
}

func TestProcessWhileBusy(t *testing.T) {
	ts := newTestServer(t)
	ts.runner.release = make(chan struct{})

	ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpCompress, "doc.pdf", "x"))

	rec := ts.do(t, http.MethodPost, "/v1/process", map[string]any{"operation": "compress"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first process status = %d, want 202", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/process", map[string]any{"operation": "protect"})
	if rec.Code != http.StatusConflict {
		t.Errorf("second process status = %d, want 409: %s", rec.Code, rec.Body)
	}

	close(ts.runner.release)
	ts.proc.Wait()
}

func TestProcessUnknownOperation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/process", map[string]any{"operation": "rotate"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRetryItem(t *testing.T) {
	ts := newTestServer(t)
	ts.runner.err = fmt.Errorf("invalid password")

	created := decodeItem(t, ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpUnlock, "doc.pdf", "x")))
	ts.do(t, http.MethodPost, "/v1/process", map[string]any{"operation": "unlock"})
	ts.proc.Wait()

	got := decodeItem(t, ts.do(t, http.MethodGet, "/v1/items/"+created.ID, nil))
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}

	rec := ts.do(t, http.MethodPost, "/v1/items/"+created.ID+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200: %s", rec.Code, rec.Body)
	}
	retried := decodeItem(t, rec)
	if retried.Status != model.StatusPending || retried.Error != "" {
		t.Errorf("after retry: status=%s error=%q, want pending/empty", retried.Status, retried.Error)
	}

	// A pending item cannot be retried again.
	rec = ts.do(t, http.MethodPost, "/v1/items/"+created.ID+"/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second retry status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/items/nope/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry unknown item status = %d, want 404", rec.Code)
	}
}

func TestGetStats(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpCompress, "a.pdf", "xxxx"))
	ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpProtect, "b.pdf", "yy"))

	rec := ts.do(t, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Total           int            `json:"total"`
		ByStatus        map[string]int `json:"by_status"`
		ByOperation     map[string]int `json:"by_operation"`
		TotalInputBytes int64          `json:"total_input_bytes"`
		Processing      bool           `json:"processing"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || resp.ByStatus[model.StatusPending] != 2 {
		t.Errorf("total=%d by_status=%v, want 2 pending", resp.Total, resp.ByStatus)
	}
	if resp.ByOperation[model.OpCompress] != 1 || resp.ByOperation[model.OpProtect] != 1 {
		t.Errorf("by_operation = %v", resp.ByOperation)
	}
	if resp.TotalInputBytes != 6 {
		t.Errorf("total_input_bytes = %d, want 6", resp.TotalInputBytes)
	}
	if resp.Processing {
		t.Error("processing = true with no batch running")
	}
}

func TestListEngines(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/engines", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var states map[string]modules.State
	if err := json.NewDecoder(rec.Body).Decode(&states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, et := range model.EngineTypes {
		st, ok := states[et]
		if !ok {
			t.Errorf("missing engine type %s", et)
			continue
		}
		if st.Loaded || st.Loading {
			t.Errorf("%s reported loaded/loading before any preload: %+v", et, st)
		}
	}
}

func TestPreloadEngine(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/engines/ghostscript-wasm/preload", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodPost, "/v1/engines/ghostscript-jit/preload", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown engine status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestProgressStreamTerminalItem(t *testing.T) {
	ts := newTestServer(t)

	created := decodeItem(t, ts.do(t, http.MethodPost, "/v1/items", createBody(model.OpCompress, "doc.pdf", "input")))
	ts.do(t, http.MethodPost, "/v1/process", map[string]any{"operation": "compress"})
	ts.proc.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/items/"+created.ID+"/progress", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if !bytes.Contains([]byte(body), []byte("completed")) {
		t.Errorf("stream missing terminal snapshot: %q", body)
	}
	if !bytes.Contains([]byte(body), []byte("event: done")) {
		t.Errorf("stream missing done event: %q", body)
	}
}
