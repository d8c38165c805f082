// Package upload implements the Upstream Upload Manager: a
// connectivity-gated, bounded-concurrency batch upload of unsynchronized
// readings with exponential backoff and at-least-once delivery.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resinat/syncagent/internal/gate"
	"github.com/Resinat/syncagent/internal/model"
	"github.com/Resinat/syncagent/internal/remote"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// Connectivity is the Connectivity Monitor surface this manager gates on.
type Connectivity interface {
	IsConnected() bool
}

// Store is the Local Store surface this manager depends on.
type Store interface {
	CountUnsynchronizedReadings(ctx context.Context) (int, error)
	ListUnsynchronizedReadings(ctx context.Context, limit int) ([]model.MeterReading, error)
	DeleteReadings(ctx context.Context, ids []string) error
	IncrementRetryCount(ctx context.Context, ids []string) error
	AppendSyncLog(ctx context.Context, l model.SyncLog) error
}

// Uploader is the Remote Gateway surface this manager ships batches through.
type Uploader interface {
	UploadReadings(ctx context.Context, readings []model.MeterReading) error
}

// CycleResult summarizes one completed (or refused) upload cycle.
type CycleResult struct {
	IsClientConnected bool
	QueueSize         int
	TotalUploaded     int
	TotalFailed       int
	Timestamp         time.Time
}

// ErrAlreadyRunning is returned by RunCycle when a cycle is already in flight.
var ErrAlreadyRunning = errors.New("upload cycle already running")

// Manager drains the unsynchronized-reading queue whenever connectivity,
// schedule, or a manual trigger calls for it.
type Manager struct {
	conn       Connectivity
	store      Store
	remote     Uploader
	batchSize  int
	maxRetries int

	gate gate.Gate

	mu            sync.RWMutex
	lastResult    *CycleResult
	totalUploaded int64
	totalFailed   int64
}

func NewManager(conn Connectivity, store Store, up Uploader, batchSize, maxRetries int) *Manager {
	return &Manager{conn: conn, store: store, remote: up, batchSize: batchSize, maxRetries: maxRetries}
}

// LastResult returns the most recently completed cycle's result, or nil if
// none has completed yet.
func (m *Manager) LastResult() *CycleResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastResult
}

func (m *Manager) setLastResult(r *CycleResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastResult = r
}

// Counters returns the running totals of uploaded and failed readings
// across all cycles, for status reporting.
func (m *Manager) Counters() (uploaded, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalUploaded, m.totalFailed
}

// RunCycle drains the queue of unsynchronized readings in batches, gated by
// connectivity and a single-cycle-at-a-time run lock.
func (m *Manager) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !m.gate.TryEnter() {
		return nil, ErrAlreadyRunning
	}
	defer m.gate.Exit()

	result := &CycleResult{Timestamp: time.Now()}

	if !m.conn.IsConnected() {
		result.IsClientConnected = false
		m.setLastResult(result)
		return result, nil
	}
	result.IsClientConnected = true

	queueSize, err := m.store.CountUnsynchronizedReadings(ctx)
	if err != nil {
		m.appendLog(ctx, 0, false, fmt.Sprintf("count unsynchronized readings: %v", err))
		m.setLastResult(result)
		return result, nil
	}
	result.QueueSize = queueSize

	for {
		batch, err := m.store.ListUnsynchronizedReadings(ctx, m.batchSize)
		if err != nil {
			m.appendLog(ctx, 0, false, fmt.Sprintf("list unsynchronized readings: %v", err))
			break
		}
		if len(batch) == 0 {
			break
		}

		uploaded, failed, abort := m.shipBatch(ctx, batch)
		result.TotalUploaded += uploaded
		result.TotalFailed += failed
		if abort {
			break
		}
		if uploaded == 0 {
			// Non-retryable failure already logged inside shipBatch; the
			// batch is left queued and we must not spin on it forever.
			break
		}
	}

	// One summary row per cycle that shipped anything; per-batch failures
	// are logged individually inside shipBatch.
	if result.TotalUploaded > 0 {
		m.appendLog(ctx, result.TotalUploaded, true, "")
	}

	m.mu.Lock()
	m.totalUploaded += int64(result.TotalUploaded)
	m.totalFailed += int64(result.TotalFailed)
	m.mu.Unlock()

	m.setLastResult(result)
	return result, nil
}

// shipBatch uploads one batch, applying retry-with-backoff on retryable
// failures and checking the Connectivity Monitor's current state between
// attempts (no extra probe is issued; the state is whatever the monitor's
// last scheduled probe found). Returns the
// number of readings uploaded, the number counted as failed, and whether
// the caller should stop draining (connectivity lost mid-retry).
func (m *Manager) shipBatch(ctx context.Context, batch []model.MeterReading) (uploaded, failed int, abort bool) {
	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		err := m.remote.UploadReadings(ctx, batch)
		if err == nil {
			if delErr := m.store.DeleteReadings(ctx, ids); delErr != nil {
				m.appendLog(ctx, len(batch), false, fmt.Sprintf("delete uploaded readings: %v", delErr))
				return 0, len(batch), false
			}
			return len(batch), 0, false
		}
		lastErr = err

		var nonRetryable *remote.NonRetryableError
		if errors.As(err, &nonRetryable) {
			m.appendLog(ctx, len(batch), false, err.Error())
			return 0, 0, false
		}

		if attempt == m.maxRetries {
			break
		}

		wait := backoffBase * time.Duration(1<<uint(attempt))
		if wait > backoffCap {
			wait = backoffCap
		}
		select {
		case <-ctx.Done():
			return 0, 0, true
		case <-time.After(wait):
		}

		if !m.conn.IsConnected() {
			return 0, 0, true
		}
	}

	if incErr := m.store.IncrementRetryCount(ctx, ids); incErr != nil {
		m.appendLog(ctx, len(batch), false, fmt.Sprintf("increment retry count: %v", incErr))
		return 0, len(batch), false
	}
	m.appendLog(ctx, len(batch), false, fmt.Sprintf("upload failed after retries: %v", lastErr))
	return 0, len(batch), false
}

func (m *Manager) appendLog(ctx context.Context, batchSize int, success bool, errText string) {
	direction := model.SyncDirectionUpstream
	now := time.Now()
	_ = m.store.AppendSyncLog(ctx, model.SyncLog{
		Direction:  direction,
		StartedAt:  now,
		FinishedAt: now,
		Succeeded:  success,
		RowsSynced: batchSize,
		ErrorText:  errText,
	})
}
