package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Resinat/syncagent/internal/cache"
	"github.com/Resinat/syncagent/internal/collect"
	"github.com/Resinat/syncagent/internal/downstream"
	"github.com/Resinat/syncagent/internal/model"
	"github.com/Resinat/syncagent/internal/upload"
)

// meterReadingTriggerBudget is the minimum request timeout budget for a
// manual Collection Engine trigger, since a cycle may poll many meters.
const meterReadingTriggerBudget = 5 * time.Minute

// CacheReader is the in-memory Cache surface this server reads for the
// tenant snapshot endpoint.
type CacheReader interface {
	Get() *cache.Snapshot
}

// StoreReader is the Local Store read surface this server depends on.
type StoreReader interface {
	ListActiveMeters(ctx context.Context) ([]model.Meter, error)
	ListRecentReadings(ctx context.Context, since time.Time, limit int) ([]model.MeterReading, error)
	ListSyncLogs(ctx context.Context, direction model.SyncDirection, limit int) ([]model.SyncLog, error)
	GetTenant(ctx context.Context) (model.Tenant, error)
}

// CollectionEngine is the Collection Engine surface this server depends on.
type CollectionEngine interface {
	RunCycle(ctx context.Context) (*collect.CycleResult, error)
	LastResult() *collect.CycleResult
}

// DownstreamAgent is the Downstream Sync Agent surface this server depends on.
type DownstreamAgent interface {
	RunSync(ctx context.Context) (*downstream.SyncResult, error)
	LastResult() *downstream.SyncResult
}

// UploadManager is the Upstream Upload Manager surface this server depends on.
type UploadManager interface {
	RunCycle(ctx context.Context) (*upload.CycleResult, error)
	LastResult() *upload.CycleResult
	Counters() (uploaded, failed int64)
}

// ConnectivityMonitor is the Connectivity Monitor surface this server depends on.
type ConnectivityMonitor interface {
	IsConnected() bool
}

// Server is the Local HTTP API: read-mostly status and manual-trigger
// endpoints, no auth, permissive CORS, every request logged.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires routes against the agent's components. Any dependency
// may be nil (e.g. during tests) as long as the corresponding routes are
// not exercised.
func NewServer(
	port int,
	cacheReader CacheReader,
	store StoreReader,
	engine CollectionEngine,
	downstreamAgent DownstreamAgent,
	uploadManager UploadManager,
	conn ConnectivityMonitor,
) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /api/local/tenant", handleLocalTenant(cacheReader))
	mux.HandleFunc("POST /api/local/tenant-sync", handleTenantSync(downstreamAgent, store))
	mux.HandleFunc("GET /api/local/meters", handleLocalMeters(store))
	mux.HandleFunc("GET /api/local/readings", handleLocalReadings(store))
	mux.HandleFunc("GET /api/local/sync-status", handleLocalSyncStatus(conn, uploadManager, store))
	mux.HandleFunc("POST /api/local/sync-trigger", handleSyncTrigger(conn, uploadManager))
	mux.HandleFunc("GET /api/local/meter-sync-status", handleMeterSyncStatus(downstreamAgent))
	mux.HandleFunc("POST /api/local/meter-sync-trigger", handleMeterSyncTrigger(downstreamAgent))
	mux.HandleFunc("GET /api/meter-reading/status", handleMeterReadingStatus(engine))
	mux.HandleFunc("POST /api/meter-reading/trigger", handleMeterReadingTrigger(engine))
	mux.HandleFunc("GET /api/sync/meter-reading-upload/status", handleUploadStatus(uploadManager))
	mux.HandleFunc("GET /api/sync/meter-reading-upload/log", handleUploadLog(store))
	mux.HandleFunc("POST /api/sync/meter-reading-upload/trigger", handleUploadTrigger(uploadManager))

	handler := RequestLogMiddleware(CORSMiddleware(mux))

	return &Server{
		httpServer: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: handler},
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func handleLocalTenant(cacheReader CacheReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := cacheReader.Get()
		if snap == nil || snap.Tenant.ID == "" {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
			return
		}
		WriteJSON(w, http.StatusOK, snap.Tenant)
	}
}

type tenantSyncRequest struct {
	TenantID string `json:"tenant_id"`
}

func handleTenantSync(agent DownstreamAgent, store StoreReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tenantSyncRequest
		_ = decodeJSONBody(r, &req) // tenant_id is informational; this agent syncs its own configured tenant

		result, err := agent.RunSync(r.Context())
		if err != nil {
			if errors.Is(err, downstream.ErrAlreadyRunning) {
				WriteError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
				return
			}
			WriteError(w, http.StatusInternalServerError, "SYNC_FAILED", err.Error())
			return
		}

		tenant, _ := store.GetTenant(r.Context())
		WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"sync_result": map[string]any{
				"inserted":  result.Inserted,
				"updated":   result.Updated,
				"timestamp": result.Timestamp,
			},
			"tenant_data": tenant,
		})
	}
}

func handleLocalMeters(store StoreReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meters, err := store.ListActiveMeters(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, meters)
	}
}

const maxRecentReadings = 1000

func handleLocalReadings(store StoreReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if v := r.URL.Query().Get("hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "hours must be a positive integer")
				return
			}
			hours = n
		}
		since := time.Now().Add(-time.Duration(hours) * time.Hour)
		readings, err := store.ListRecentReadings(r.Context(), since, maxRecentReadings)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, readings)
	}
}

func handleLocalSyncStatus(conn ConnectivityMonitor, uploadManager UploadManager, store StoreReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last := uploadManager.LastResult()
		var lastSyncAt *time.Time
		queueSize := 0
		if last != nil {
			lastSyncAt = &last.Timestamp
			queueSize = last.QueueSize
		}
		errLogs, _ := store.ListSyncLogs(r.Context(), model.SyncDirectionUpstream, 10)
		var syncErrors []model.SyncLog
		for _, l := range errLogs {
			if !l.Succeeded {
				syncErrors = append(syncErrors, l)
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"is_connected": conn.IsConnected(),
			"last_sync_at": lastSyncAt,
			"queue_size":   queueSize,
			"sync_errors":  syncErrors,
		})
	}
}

func handleSyncTrigger(conn ConnectivityMonitor, uploadManager UploadManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !conn.IsConnected() {
			WriteError(w, http.StatusServiceUnavailable, "OFFLINE", "client system is unreachable")
			return
		}
		result, err := uploadManager.RunCycle(r.Context())
		if err != nil {
			if errors.Is(err, upload.ErrAlreadyRunning) {
				WriteError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
				return
			}
			WriteError(w, http.StatusInternalServerError, "UPLOAD_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleMeterSyncStatus(agent DownstreamAgent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last := agent.LastResult()
		if last == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"status": "never_run"})
			return
		}
		WriteJSON(w, http.StatusOK, last)
	}
}

func handleMeterSyncTrigger(agent DownstreamAgent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := agent.RunSync(r.Context())
		if err != nil {
			if errors.Is(err, downstream.ErrAlreadyRunning) {
				WriteError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
				return
			}
			WriteError(w, http.StatusInternalServerError, "SYNC_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleMeterReadingStatus(engine CollectionEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last := engine.LastResult()
		if last == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"status": "never_run"})
			return
		}
		WriteJSON(w, http.StatusOK, last)
	}
}

func handleMeterReadingTrigger(engine CollectionEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), meterReadingTriggerBudget)
		defer cancel()
		result, err := engine.RunCycle(ctx)
		if err != nil {
			if errors.Is(err, collect.ErrAlreadyRunning) {
				WriteError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
				return
			}
			WriteError(w, http.StatusInternalServerError, "CYCLE_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleUploadStatus(uploadManager UploadManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last := uploadManager.LastResult()
		uploaded, failed := uploadManager.Counters()
		WriteJSON(w, http.StatusOK, map[string]any{
			"last_result":    last,
			"total_uploaded": uploaded,
			"total_failed":   failed,
		})
	}
}

const defaultUploadLogLimit = 50

func handleUploadLog(store StoreReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultUploadLogLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a positive integer")
				return
			}
			limit = n
		}
		logs, err := store.ListSyncLogs(r.Context(), model.SyncDirectionUpstream, limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, logs)
	}
}

func handleUploadTrigger(uploadManager UploadManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := uploadManager.RunCycle(r.Context())
		if err != nil {
			if errors.Is(err, upload.ErrAlreadyRunning) {
				WriteError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
				return
			}
			WriteError(w, http.StatusInternalServerError, "UPLOAD_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
