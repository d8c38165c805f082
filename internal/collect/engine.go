// Package collect implements the Collection Engine: the periodic cycle
// that polls every active meter's BACnet points, pivots the readings into
// wide rows, and persists them to the Local Store.
package collect

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/Resinat/syncagent/internal/bacnet"
	"github.com/Resinat/syncagent/internal/cache"
	"github.com/Resinat/syncagent/internal/gate"
	"github.com/Resinat/syncagent/internal/model"
)

const (
	persistSubBatchSize = 100
	persistMaxRetries   = 3
)

var persistRetryBackoff = []time.Duration{time.Second, 2 * time.Second}

// Store is the Local Store surface the Collection Engine depends on.
type Store interface {
	InsertReadingsWide(ctx context.Context, readings []model.MeterReading) (int, error)
}

// CycleResult summarizes one completed collection cycle.
type CycleResult struct {
	CycleID           string
	Start             time.Time
	End               time.Time
	MetersProcessed   int
	ReadingsCollected int
	Errors            []string
}

// Engine runs collection cycles against a BACnet gateway, a cache
// snapshot, and the local store.
type Engine struct {
	gateway *bacnet.Gateway
	cache   *cache.Cache
	store   Store

	gate gate.Gate

	mu         sync.RWMutex
	lastResult *CycleResult
}

func NewEngine(gw *bacnet.Gateway, c *cache.Cache, store Store) *Engine {
	return &Engine{gateway: gw, cache: c, store: store}
}

// LastResult returns the most recently completed cycle's result, or nil if
// no cycle has completed yet.
func (e *Engine) LastResult() *CycleResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

func (e *Engine) setLastResult(r *CycleResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastResult = r
}

// ErrAlreadyRunning is returned by RunCycle when a cycle is already in flight.
var ErrAlreadyRunning = fmt.Errorf("collection cycle already running")

// RunCycle executes one collection cycle: reload the cache if invalid,
// snapshot active meters, read every configured point per meter, validate,
// pivot into wide rows, and persist in sub-batches.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !e.gate.TryEnter() {
		return nil, ErrAlreadyRunning
	}
	defer e.gate.Exit()

	result := &CycleResult{CycleID: newCycleID(), Start: time.Now()}

	if !e.cache.IsValid() {
		if err := e.cache.Reload(ctx); err != nil {
			result.End = time.Now()
			result.Errors = append(result.Errors, fmt.Sprintf("cache reload failed: %v", err))
			e.setLastResult(result)
			return result, fmt.Errorf("collect: cache reload: %w", err)
		}
	}
	snap := e.cache.Get()

	activeMeters := make([]model.Meter, 0, len(snap.Meters))
	for _, m := range snap.Meters {
		if m.Active {
			activeMeters = append(activeMeters, m)
		}
	}

	var pending []model.PendingReading
	for _, m := range activeMeters {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, "cycle cancelled")
			result.End = time.Now()
			e.setLastResult(result)
			return result, ctx.Err()
		default:
		}

		if len(m.Points) == 0 {
			result.MetersProcessed++
			continue
		}

		refs := make([]bacnet.PointRef, len(m.Points))
		for i, p := range m.Points {
			refs[i] = bacnet.PointRef{
				DeviceID:   m.BACnetDeviceID,
				ObjectType: p.BACnetObjectType,
				Instance:   p.BACnetInstance,
				PointName:  p.FieldName,
			}
		}
		readAt := time.Now()
		results := e.gateway.ReadPoints(ctx, refs)
		for _, r := range results {
			if r.Err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("meter %s/%s point %s: %v",
					m.MeterID, m.MeterElementID, r.PointName, r.Err))
				continue
			}
			pending = append(pending, model.PendingReading{
				MeterID:        m.MeterID,
				MeterElementID: m.MeterElementID,
				PointName:      r.PointName,
				Value:          r.Value,
				ReadAt:         readAt,
			})
		}
		result.MetersProcessed++
	}

	valid, invalidCount := validatePendingReadings(pending)
	if invalidCount > 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("%d invalid readings dropped", invalidCount))
	}

	rows := pivot(valid, snap.Tenant.ID)
	persisted, persistErrs := e.persist(ctx, rows)
	result.ReadingsCollected = persisted
	result.Errors = append(result.Errors, persistErrs...)
	result.End = time.Now()

	e.setLastResult(result)
	// Clear the cache so the next cycle reloads, picking up any config edits.
	e.cache.Invalidate()

	return result, nil
}

func (e *Engine) persist(ctx context.Context, rows []model.MeterReading) (int, []string) {
	var errs []string
	persisted := 0
	for i := 0; i < len(rows); i += persistSubBatchSize {
		end := i + persistSubBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[i:end]

		var lastErr error
		ok := false
		for attempt := 0; attempt <= persistMaxRetries; attempt++ {
			n, err := e.store.InsertReadingsWide(ctx, batch)
			if err == nil {
				persisted += n
				ok = true
				break
			}
			lastErr = err
			if attempt < len(persistRetryBackoff) {
				select {
				case <-ctx.Done():
					errs = append(errs, fmt.Sprintf("sub-batch persist cancelled: %v", ctx.Err()))
					return persisted, errs
				case <-time.After(persistRetryBackoff[attempt]):
				}
			}
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("sub-batch of %d rows failed after retries: %v", len(batch), lastErr))
			log.Printf("[collect] sub-batch persist failed permanently: %v", lastErr)
		}
	}
	return persisted, errs
}

func validatePendingReadings(in []model.PendingReading) ([]model.PendingReading, int) {
	var valid []model.PendingReading
	invalid := 0
	now := time.Now()
	for _, r := range in {
		if r.MeterID == "" || r.MeterElementID == "" || r.PointName == "" {
			invalid++
			continue
		}
		if r.ReadAt.IsZero() || r.ReadAt.After(now) {
			invalid++
			continue
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			invalid++
			continue
		}
		valid = append(valid, r)
	}
	return valid, invalid
}

func pivot(readings []model.PendingReading, tenantID string) []model.MeterReading {
	type key struct{ meterID, elementID string }
	groups := map[key]*model.MeterReading{}
	var order []key

	for _, r := range readings {
		k := key{r.MeterID, r.MeterElementID}
		g, ok := groups[k]
		if !ok {
			g = &model.MeterReading{
				TenantID:       tenantID,
				MeterID:        r.MeterID,
				MeterElementID: r.MeterElementID,
				CreatedAt:      r.ReadAt,
				Fields:         map[string]float64{},
				IsSynchronized: false,
				RetryCount:     0,
			}
			groups[k] = g
			order = append(order, k)
		}
		fieldName := presentValueColumn(r.PointName)
		g.Fields[fieldName] = r.Value
		if r.ReadAt.After(g.CreatedAt) {
			g.CreatedAt = r.ReadAt
		}
	}

	out := make([]model.MeterReading, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	return out
}

// fieldColumnAliases maps the configured point field names this system
// knows about to their wide-table column, matching the pre-declared
// column superset in the meter_reading schema.
var fieldColumnAliases = map[string]string{
	"presentValue": "present_value",
	"kWh":          "kwh",
	"kW":           "kw",
	"V":            "voltage",
	"A":            "current",
	"PF":           "power_factor",
	"Hz":           "frequency",
}

// presentValueColumn maps a BACnet point name to its wide-table column.
// Unrecognized field names pass through unchanged; InsertReadingsWide
// drops any that fall outside the known column superset.
func presentValueColumn(pointName string) string {
	if col, ok := fieldColumnAliases[pointName]; ok {
		return col
	}
	return pointName
}

func newCycleID() string {
	return fmt.Sprintf("cycle-%d", time.Now().UnixNano())
}
