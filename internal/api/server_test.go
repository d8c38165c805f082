package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Resinat/syncagent/internal/cache"
	"github.com/Resinat/syncagent/internal/collect"
	"github.com/Resinat/syncagent/internal/downstream"
	"github.com/Resinat/syncagent/internal/model"
	"github.com/Resinat/syncagent/internal/upload"
)

type fakeCacheReader struct{ snap *cache.Snapshot }

func (f *fakeCacheReader) Get() *cache.Snapshot { return f.snap }

type fakeStoreReader struct {
	meters   []model.Meter
	readings []model.MeterReading
	logs     []model.SyncLog
	tenant   model.Tenant
}

func (s *fakeStoreReader) ListActiveMeters(ctx context.Context) ([]model.Meter, error) {
	return s.meters, nil
}
func (s *fakeStoreReader) ListRecentReadings(ctx context.Context, since time.Time, limit int) ([]model.MeterReading, error) {
	return s.readings, nil
}
func (s *fakeStoreReader) ListSyncLogs(ctx context.Context, direction model.SyncDirection, limit int) ([]model.SyncLog, error) {
	return s.logs, nil
}
func (s *fakeStoreReader) GetTenant(ctx context.Context) (model.Tenant, error) {
	return s.tenant, nil
}

type fakeEngine struct {
	result *collect.CycleResult
	err    error
}

func (e *fakeEngine) RunCycle(ctx context.Context) (*collect.CycleResult, error) {
	return e.result, e.err
}
func (e *fakeEngine) LastResult() *collect.CycleResult { return e.result }

type fakeDownstream struct {
	result *downstream.SyncResult
	err    error
}

func (d *fakeDownstream) RunSync(ctx context.Context) (*downstream.SyncResult, error) {
	return d.result, d.err
}
func (d *fakeDownstream) LastResult() *downstream.SyncResult { return d.result }

type fakeUpload struct {
	result        *upload.CycleResult
	err           error
	uploadedTotal int64
	failedTotal   int64
}

func (u *fakeUpload) RunCycle(ctx context.Context) (*upload.CycleResult, error) { return u.result, u.err }
func (u *fakeUpload) LastResult() *upload.CycleResult                           { return u.result }
func (u *fakeUpload) Counters() (int64, int64)                                  { return u.uploadedTotal, u.failedTotal }

type fakeConnMonitor struct{ connected bool }

func (c *fakeConnMonitor) IsConnected() bool { return c.connected }

func newTestServer() (*Server, *fakeStoreReader, *fakeConnMonitor, *fakeUpload) {
	storeReader := &fakeStoreReader{}
	connMonitor := &fakeConnMonitor{connected: true}
	uploadManager := &fakeUpload{}
	srv := NewServer(0,
		&fakeCacheReader{snap: &cache.Snapshot{}},
		storeReader,
		&fakeEngine{},
		&fakeDownstream{},
		uploadManager,
		connMonitor,
	)
	return srv, storeReader, connMonitor, uploadManager
}

func TestHandleHealth(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleLocalTenantUninitialized(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/local/tenant", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before cache is populated, got %d", w.Code)
	}
}

func TestHandleLocalTenantPopulated(t *testing.T) {
	storeReader := &fakeStoreReader{}
	connMonitor := &fakeConnMonitor{connected: true}
	srv := NewServer(0,
		&fakeCacheReader{snap: &cache.Snapshot{Tenant: model.Tenant{ID: "t1", Name: "Acme"}}},
		storeReader, &fakeEngine{}, &fakeDownstream{}, &fakeUpload{}, connMonitor,
	)
	req := httptest.NewRequest(http.MethodGet, "/api/local/tenant", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var tenant model.Tenant
	if err := json.NewDecoder(w.Body).Decode(&tenant); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tenant.ID != "t1" {
		t.Fatalf("expected tenant t1, got %q", tenant.ID)
	}
}

func TestHandleSyncTriggerOfflineReturns503(t *testing.T) {
	srv, _, connMonitor, _ := newTestServer()
	connMonitor.connected = false
	req := httptest.NewRequest(http.MethodPost, "/api/local/sync-trigger", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when offline, got %d", w.Code)
	}
}

func TestHandleMeterReadingTriggerAlreadyRunning(t *testing.T) {
	storeReader := &fakeStoreReader{}
	connMonitor := &fakeConnMonitor{connected: true}
	srv := NewServer(0,
		&fakeCacheReader{snap: &cache.Snapshot{}},
		storeReader,
		&fakeEngine{err: collect.ErrAlreadyRunning},
		&fakeDownstream{}, &fakeUpload{}, connMonitor,
	)
	req := httptest.NewRequest(http.MethodPost, "/api/meter-reading/trigger", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestHandleLocalReadingsInvalidHours(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/local/readings?hours=-1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid hours, got %d", w.Code)
	}
}

func TestCORSPreflightHandled(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodOptions, "/api/local/meters", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for CORS preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected permissive CORS header")
	}
}
