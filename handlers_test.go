package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/batchimport"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"bitbucket.org/mmdatafocus/debts_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type stubFiles struct {
	summary *models.FileSummary
	err     error
}

func (s stubFiles) Summary(ctx context.Context, id int) (*models.FileSummary, error) {
	return s.summary, s.err
}

type stubSweeper struct {
	calls int
	res   workflow.SweepResult
}

func (s *stubSweeper) SweepOnce(ctx context.Context) (workflow.SweepResult, error) {
	s.calls++
	return s.res, nil
}

type stubImporter struct {
	source string
	res    *batchimport.Result
	err    error
}

func (s *stubImporter) ImportPath(ctx context.Context, source string) (*batchimport.Result, error) {
	s.source = source
	return s.res, s.err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testRouter(ops *opsHandlers, isReady bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ready := &readiness{}
	if isReady {
		ready.set()
	}
	return newRouter(testLogger(), ready, ops)
}

func do(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthzIgnoresReadiness(t *testing.T) {
	r := testRouter(&opsHandlers{logger: testLogger()}, false)

	if w := do(r, http.MethodGet, "/healthz", nil); w.Code != http.StatusNoContent {
		t.Fatalf("healthz = %d, want 204", w.Code)
	}
	if w := do(r, http.MethodPost, "/internal/reconcile", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("reconcile before ready = %d, want 503", w.Code)
	}
}

func TestCorrelationIdEchoed(t *testing.T) {
	r := testRouter(&opsHandlers{logger: testLogger()}, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("x-correlation-id", "cid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("x-correlation-id"); got != "cid-1" {
		t.Fatalf("correlation id = %q", got)
	}

	w = do(r, http.MethodGet, "/healthz", nil)
	if w.Header().Get("x-correlation-id") == "" {
		t.Fatalf("correlation id not generated")
	}
}

func TestFileSummaryRoute(t *testing.T) {
	summary := &models.FileSummary{
		FileMetadata: models.FileMetadata{ID: 7, OriginalFilename: "debts.csv", TotalRows: 2, RowsCompleted: 1, RowsFailed: 1},
		RowsByStatus: map[models.FileRowStatus]int64{models.FileRowStatusCompleted: 1, models.FileRowStatusFailed: 1},
		Finished:     true,
	}
	r := testRouter(&opsHandlers{files: stubFiles{summary: summary}, logger: testLogger()}, true)

	w := do(r, http.MethodGet, "/internal/files/7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got fileSummaryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Id != 7 || !got.Finished || got.RowsFailed != 1 || got.RowsByStatus[models.FileRowStatusCompleted] != 1 {
		t.Fatalf("response = %+v", got)
	}

	if w := do(r, http.MethodGet, "/internal/files/abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d, want 400", w.Code)
	}

	missing := testRouter(&opsHandlers{files: stubFiles{err: utils.ErrorRecordNotFound}, logger: testLogger()}, true)
	if w := do(missing, http.MethodGet, "/internal/files/8", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing file = %d, want 404", w.Code)
	}
}

func TestImportRoute(t *testing.T) {
	im := &stubImporter{res: &batchimport.Result{FileMetadataId: 3, Rows: 2, Enqueued: 2}}
	r := testRouter(&opsHandlers{importer: im, logger: testLogger()}, true)

	w := do(r, http.MethodPost, "/internal/files/import", []byte(`{"source":" gs://bucket/debts.csv "}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if im.source != "gs://bucket/debts.csv" {
		t.Fatalf("source = %q", im.source)
	}

	if w := do(r, http.MethodPost, "/internal/files/import", []byte(`{}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("missing source = %d, want 400", w.Code)
	}

	im.res, im.err = nil, errors.New("parse debts.csv: no data rows")
	if w := do(r, http.MethodPost, "/internal/files/import", []byte(`{"source":"debts.csv"}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("unparseable file = %d, want 400", w.Code)
	}

	im.res, im.err = &batchimport.Result{FileMetadataId: 4, Rows: 2, Enqueued: 1}, errors.New("enqueue line 2")
	if w := do(r, http.MethodPost, "/internal/files/import", []byte(`{"source":"debts.csv"}`)); w.Code != http.StatusInternalServerError {
		t.Fatalf("partial enqueue = %d, want 500", w.Code)
	}
}

func TestReconcileRoute(t *testing.T) {
	sw := &stubSweeper{res: workflow.SweepResult{PendingRequeued: 2}}
	r := testRouter(&opsHandlers{sweeper: sw, logger: testLogger()}, true)

	w := do(r, http.MethodPost, "/internal/reconcile", nil)
	if w.Code != http.StatusOK || sw.calls != 1 {
		t.Fatalf("status = %d calls = %d", w.Code, sw.calls)
	}
	var got workflow.SweepResult
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || got.PendingRequeued != 2 {
		t.Fatalf("result = %+v, %v", got, err)
	}
}

func TestRequeueRoute(t *testing.T) {
	q := queue.NewMemoryQueue(testLogger(), queue.Defaults{MaxAttempts: 1})
	q.Consume("always-fails", func(ctx context.Context, job *queue.Job) error {
		return errors.New("boom")
	})
	h, err := q.Enqueue(context.Background(), "always-fails", map[string]int{"n": 1}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	live, err := q.Enqueue(context.Background(), "always-fails", map[string]int{"n": 2}, queue.EnqueueOptions{Delay: time.Hour})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.ProcessDue(context.Background())

	r := testRouter(&opsHandlers{requeuer: q, logger: testLogger()}, true)

	w := do(r, http.MethodPost, "/internal/jobs/"+strconv.FormatInt(h.ID, 10)+"/requeue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("requeue dead job = %d: %s", w.Code, w.Body.String())
	}
	rec, _ := q.Get(context.Background(), h.ID)
	if rec.Status != models.JobStatusPending {
		t.Fatalf("status = %s, want PENDING", rec.Status)
	}

	if w := do(r, http.MethodPost, "/internal/jobs/"+strconv.FormatInt(live.ID, 10)+"/requeue", nil); w.Code != http.StatusConflict {
		t.Fatalf("requeue pending job = %d, want 409", w.Code)
	}
	if w := do(r, http.MethodPost, "/internal/jobs/999/requeue", nil); w.Code != http.StatusNotFound {
		t.Fatalf("requeue unknown job = %d, want 404", w.Code)
	}
}

func TestInternalTokenGuard(t *testing.T) {
	t.Setenv("INTERNAL_API_TOKEN", "s3cret")
	sw := &stubSweeper{}
	r := testRouter(&opsHandlers{sweeper: sw, logger: testLogger()}, true)

	if w := do(r, http.MethodPost, "/internal/reconcile", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("X-Internal-Token", "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || sw.calls != 1 {
		t.Fatalf("with token = %d calls = %d", w.Code, sw.calls)
	}
}

func TestInternalRoutesClosedInProductionWithoutToken(t *testing.T) {
	t.Setenv("INTERNAL_API_TOKEN", "")
	t.Setenv("GO_ENV", "production")
	sw := &stubSweeper{}
	r := testRouter(&opsHandlers{sweeper: sw, logger: testLogger()}, true)

	if w := do(r, http.MethodPost, "/internal/reconcile", nil); w.Code != http.StatusServiceUnavailable || sw.calls != 0 {
		t.Fatalf("production without token = %d calls = %d, want 503", w.Code, sw.calls)
	}

	t.Setenv("GO_ENV", "development")
	dev := testRouter(&opsHandlers{sweeper: sw, logger: testLogger()}, true)
	if w := do(dev, http.MethodPost, "/internal/reconcile", nil); w.Code != http.StatusOK || sw.calls != 1 {
		t.Fatalf("development without token = %d calls = %d", w.Code, sw.calls)
	}
}

func TestImportRouteRefusesLocalPathOutsideImportDir(t *testing.T) {
	im := &stubImporter{err: fmt.Errorf("%w: /etc/passwd", batchimport.ErrLocalSourceNotAllowed)}
	r := testRouter(&opsHandlers{importer: im, logger: testLogger()}, true)
	if w := do(r, http.MethodPost, "/internal/files/import", []byte(`{"source":"/etc/passwd"}`)); w.Code != http.StatusForbidden {
		t.Fatalf("local path = %d, want 403", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	r := testRouter(&opsHandlers{logger: testLogger()}, true)
	if w := do(r, http.MethodGet, "/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d, want 404", w.Code)
	}
}
