// Package downstream implements the Downstream Sync Agent: a scheduled
// remote-to-local diff reconciliation of the tenant and meter tables,
// gated to at most one sync at a time.
package downstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resinat/syncagent/internal/gate"
	"github.com/Resinat/syncagent/internal/model"
	"github.com/Resinat/syncagent/internal/storage"
)

// RemoteSource is the Remote Gateway surface this agent depends on.
type RemoteSource interface {
	DownloadTenant(ctx context.Context) (model.Tenant, error)
	DownloadMeters(ctx context.Context) ([]model.Meter, error)
}

// Store is the Local Store surface this agent depends on.
type Store interface {
	GetTenant(ctx context.Context) (model.Tenant, error)
	UpsertTenant(ctx context.Context, t model.Tenant) error
	ListMeters(ctx context.Context) ([]model.Meter, error)
	UpsertMeter(ctx context.Context, m model.Meter) error
	DeactivateMeter(ctx context.Context, key model.MeterKey) error
}

// Invalidator is the single cache mutator this agent calls after a change.
type Invalidator interface {
	Invalidate()
}

// SyncResult summarizes one completed downstream sync.
type SyncResult struct {
	Inserted  int
	Updated   int
	Deleted   int
	Success   bool
	Error     string
	Timestamp time.Time
}

// ErrAlreadyRunning is returned by RunSync when a sync is already in flight.
var ErrAlreadyRunning = errors.New("downstream sync already running")

// ErrNoTenant is returned when no local tenant row exists (and none could
// be synced from remote) before meter sync would otherwise proceed.
var ErrNoTenant = errors.New("downstream sync: no tenant configured")

// TenantSyncedFunc is called with a newly-synced tenant's API key whenever
// it is non-empty, so the Agent Lifecycle can hand it to the Remote Gateway.
type TenantSyncedFunc func(apiKey string)

// Agent runs downstream reconciliation cycles.
type Agent struct {
	remote RemoteSource
	store  Store
	cache  Invalidator

	onTenantSynced TenantSyncedFunc

	gate gate.Gate

	mu         sync.RWMutex
	lastResult *SyncResult
}

func NewAgent(remote RemoteSource, store Store, cache Invalidator, onTenantSynced TenantSyncedFunc) *Agent {
	return &Agent{remote: remote, store: store, cache: cache, onTenantSynced: onTenantSynced}
}

// LastResult returns the most recently completed sync's result, or nil if
// none has completed yet.
func (a *Agent) LastResult() *SyncResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastResult
}

func (a *Agent) setLastResult(r *SyncResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastResult = r
}

// RunSync executes one downstream sync: reconcile the tenant row, then
// (if a tenant now exists) reconcile the meter table, invalidating the
// cache if anything changed.
func (a *Agent) RunSync(ctx context.Context) (*SyncResult, error) {
	if !a.gate.TryEnter() {
		return nil, ErrAlreadyRunning
	}
	defer a.gate.Exit()

	result := &SyncResult{Timestamp: time.Now()}

	tenantChanged, err := a.syncTenant(ctx)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		a.setLastResult(result)
		return result, err
	}
	if tenantChanged {
		result.Updated++
	}

	inserted, updated, deactivated, err := a.syncMeters(ctx)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		a.setLastResult(result)
		return result, err
	}
	result.Inserted += inserted
	result.Updated += updated
	result.Deleted += deactivated
	result.Success = true

	if result.Inserted+result.Updated+result.Deleted > 0 {
		a.cache.Invalidate()
	}

	a.setLastResult(result)
	return result, nil
}

// syncTenant reconciles the singleton tenant row and reports whether it
// changed (inserted counts as changed too, for the purposes of the
// result's change total).
func (a *Agent) syncTenant(ctx context.Context) (bool, error) {
	remoteTenant, err := a.remote.DownloadTenant(ctx)
	if err != nil {
		return false, fmt.Errorf("download tenant: %w", err)
	}

	localTenant, err := a.store.GetTenant(ctx)
	localExists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("get local tenant: %w", err)
	}

	if remoteTenant.ID == "" {
		if !localExists {
			return false, ErrNoTenant
		}
		return false, nil
	}

	changed := !localExists || tenantTrackedFieldsDiffer(localTenant, remoteTenant)
	if changed {
		remoteTenant.UpdatedAt = time.Now()
		if err := a.store.UpsertTenant(ctx, remoteTenant); err != nil {
			return false, fmt.Errorf("upsert tenant: %w", err)
		}
	}

	if remoteTenant.APIKey != "" && a.onTenantSynced != nil {
		a.onTenantSynced(remoteTenant.APIKey)
	}
	return changed, nil
}

func tenantTrackedFieldsDiffer(local, remote model.Tenant) bool {
	return local.Name != remote.Name || local.Address != remote.Address || local.APIKey != remote.APIKey
}

// syncMeters reconciles the meter table against the remote set, applying
// deactivates, then inserts, then updates, one row at a time so a single
// row's failure does not abort the rest.
func (a *Agent) syncMeters(ctx context.Context) (inserted, updated, deactivated int, err error) {
	remoteMeters, err := a.remote.DownloadMeters(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("download meters: %w", err)
	}
	localMeters, err := a.store.ListMeters(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list local meters: %w", err)
	}

	remoteByKey := make(map[model.MeterKey]model.Meter, len(remoteMeters))
	for _, m := range remoteMeters {
		remoteByKey[model.MeterKey{MeterID: m.MeterID, MeterElementID: m.MeterElementID}] = m
	}
	localByKey := make(map[model.MeterKey]model.Meter, len(localMeters))
	for _, m := range localMeters {
		localByKey[model.MeterKey{MeterID: m.MeterID, MeterElementID: m.MeterElementID}] = m
	}

	var toDeactivate []model.MeterKey
	for key, local := range localByKey {
		remote, stillRemote := remoteByKey[key]
		if !stillRemote || !remote.Active {
			if local.Active {
				toDeactivate = append(toDeactivate, key)
			}
		}
	}

	var toInsert, toUpdate []model.Meter
	for key, remote := range remoteByKey {
		local, exists := localByKey[key]
		if !exists {
			toInsert = append(toInsert, remote)
			continue
		}
		// A remote-inactive meter belongs to the deactivate set alone;
		// counting it as an update too would double-report the change.
		if !remote.Active {
			continue
		}
		if meterTrackedFieldsDiffer(local, remote) {
			toUpdate = append(toUpdate, remote)
		}
	}

	for _, key := range toDeactivate {
		if err := a.store.DeactivateMeter(ctx, key); err != nil {
			continue
		}
		deactivated++
	}
	for _, m := range toInsert {
		m.UpdatedAt = time.Now()
		if err := a.store.UpsertMeter(ctx, m); err != nil {
			continue
		}
		inserted++
	}
	for _, m := range toUpdate {
		m.UpdatedAt = time.Now()
		if err := a.store.UpsertMeter(ctx, m); err != nil {
			continue
		}
		updated++
	}

	return inserted, updated, deactivated, nil
}

func meterTrackedFieldsDiffer(local, remote model.Meter) bool {
	return local.Name != remote.Name || local.IP != remote.IP || local.Port != remote.Port ||
		local.Active != remote.Active || local.Element != remote.Element
}
