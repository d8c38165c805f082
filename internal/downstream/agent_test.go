package downstream

import (
	"context"
	"errors"
	"testing"

	"github.com/Resinat/syncagent/internal/model"
	"github.com/Resinat/syncagent/internal/storage"
)

type fakeRemote struct {
	tenant model.Tenant
	meters []model.Meter
	err    error
}

func (f *fakeRemote) DownloadTenant(ctx context.Context) (model.Tenant, error) {
	return f.tenant, f.err
}
func (f *fakeRemote) DownloadMeters(ctx context.Context) ([]model.Meter, error) {
	return f.meters, f.err
}

type fakeStore struct {
	tenant      *model.Tenant
	meters      map[model.MeterKey]model.Meter
	deactivated []model.MeterKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{meters: map[model.MeterKey]model.Meter{}}
}

func (s *fakeStore) GetTenant(ctx context.Context) (model.Tenant, error) {
	if s.tenant == nil {
		return model.Tenant{}, storage.ErrNotFound
	}
	return *s.tenant, nil
}
func (s *fakeStore) UpsertTenant(ctx context.Context, t model.Tenant) error {
	s.tenant = &t
	return nil
}
func (s *fakeStore) ListMeters(ctx context.Context) ([]model.Meter, error) {
	var out []model.Meter
	for _, m := range s.meters {
		out = append(out, m)
	}
	return out, nil
}
func (s *fakeStore) UpsertMeter(ctx context.Context, m model.Meter) error {
	s.meters[model.MeterKey{MeterID: m.MeterID, MeterElementID: m.MeterElementID}] = m
	return nil
}
func (s *fakeStore) DeactivateMeter(ctx context.Context, key model.MeterKey) error {
	m := s.meters[key]
	m.Active = false
	s.meters[key] = m
	s.deactivated = append(s.deactivated, key)
	return nil
}

type fakeInvalidator struct{ calls int }

func (f *fakeInvalidator) Invalidate() { f.calls++ }

func TestRunSyncInsertsTenantAndMeters(t *testing.T) {
	remote := &fakeRemote{
		tenant: model.Tenant{ID: "t7", Name: "Acme", APIKey: "k"},
		meters: []model.Meter{
			{MeterID: "10", MeterElementID: "1", Name: "Main", IP: "192.0.2.5", Port: 47808, Element: "kWh", Active: true},
		},
	}
	store := newFakeStore()
	inval := &fakeInvalidator{}
	var gotAPIKey string
	a := NewAgent(remote, store, inval, func(apiKey string) { gotAPIKey = apiKey })

	result, err := a.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if result.Inserted != 1 || result.Updated != 1 { // meter insert + tenant change
		t.Fatalf("expected 1 meter insert and 1 tenant change, got %+v", result)
	}
	if gotAPIKey != "k" {
		t.Fatalf("expected onTenantSynced called with api key, got %q", gotAPIKey)
	}
	if inval.calls != 1 {
		t.Fatalf("expected cache invalidated once, got %d", inval.calls)
	}
	if len(store.meters) != 1 {
		t.Fatalf("expected 1 meter persisted, got %d", len(store.meters))
	}
}

func TestRunSyncDeactivatesMissingMeter(t *testing.T) {
	remote := &fakeRemote{
		tenant: model.Tenant{ID: "t7", Name: "Acme", APIKey: "k"},
		meters: []model.Meter{
			{MeterID: "10", MeterElementID: "1", Active: true},
		},
	}
	store := newFakeStore()
	store.tenant = &model.Tenant{ID: "t7", Name: "Acme", APIKey: "k"}
	store.meters[model.MeterKey{MeterID: "10", MeterElementID: "1"}] = model.Meter{MeterID: "10", MeterElementID: "1", Active: true}
	store.meters[model.MeterKey{MeterID: "10", MeterElementID: "2"}] = model.Meter{MeterID: "10", MeterElementID: "2", Active: true}
	inval := &fakeInvalidator{}
	a := NewAgent(remote, store, inval, nil)

	result, err := a.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("expected 1 deactivation, got %+v", result)
	}
	key2 := model.MeterKey{MeterID: "10", MeterElementID: "2"}
	if store.meters[key2].Active {
		t.Fatal("expected meter (10,2) to be deactivated")
	}
	if inval.calls != 1 {
		t.Fatalf("expected cache invalidated once, got %d", inval.calls)
	}
}

func TestRunSyncRemoteInactiveCountsOnlyAsDeactivation(t *testing.T) {
	remote := &fakeRemote{
		tenant: model.Tenant{ID: "t7", Name: "Acme", APIKey: "k"},
		meters: []model.Meter{
			{MeterID: "10", MeterElementID: "1", Name: "Renamed", Active: false},
		},
	}
	store := newFakeStore()
	store.tenant = &model.Tenant{ID: "t7", Name: "Acme", APIKey: "k"}
	key := model.MeterKey{MeterID: "10", MeterElementID: "1"}
	store.meters[key] = model.Meter{MeterID: "10", MeterElementID: "1", Name: "Main", Active: true}
	a := NewAgent(remote, store, &fakeInvalidator{}, nil)

	result, err := a.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if result.Deleted != 1 || result.Updated != 0 {
		t.Fatalf("expected the row counted once as a deactivation, got %+v", result)
	}
	if store.meters[key].Active {
		t.Fatal("expected meter deactivated")
	}
}

func TestRunSyncIdempotentOnSecondRun(t *testing.T) {
	remote := &fakeRemote{
		tenant: model.Tenant{ID: "t7", Name: "Acme", APIKey: "k"},
		meters: []model.Meter{
			{MeterID: "10", MeterElementID: "1", Name: "Main", Active: true},
		},
	}
	store := newFakeStore()
	inval := &fakeInvalidator{}
	a := NewAgent(remote, store, inval, nil)

	if _, err := a.RunSync(context.Background()); err != nil {
		t.Fatalf("first RunSync: %v", err)
	}
	result, err := a.RunSync(context.Background())
	if err != nil {
		t.Fatalf("second RunSync: %v", err)
	}
	if result.Inserted != 0 || result.Updated != 0 || result.Deleted != 0 {
		t.Fatalf("expected no changes on second run, got %+v", result)
	}
	if inval.calls != 1 {
		t.Fatalf("expected cache invalidated only on first run, got %d calls", inval.calls)
	}
}

func TestRunSyncNoTenantErrorsBeforeMeterSync(t *testing.T) {
	remote := &fakeRemote{
		tenant: model.Tenant{},
		meters: []model.Meter{{MeterID: "10", MeterElementID: "1"}},
	}
	store := newFakeStore()
	inval := &fakeInvalidator{}
	a := NewAgent(remote, store, inval, nil)

	_, err := a.RunSync(context.Background())
	if !errors.Is(err, ErrNoTenant) {
		t.Fatalf("expected ErrNoTenant, got %v", err)
	}
	if len(store.meters) != 0 {
		t.Fatal("expected meter sync to be skipped when no tenant exists")
	}
}

func TestRunSyncGateExcludesConcurrentSyncs(t *testing.T) {
	remote := &fakeRemote{tenant: model.Tenant{ID: "t7"}}
	store := newFakeStore()
	inval := &fakeInvalidator{}
	a := NewAgent(remote, store, inval, nil)

	if !a.gate.TryEnter() {
		t.Fatal("expected to acquire the gate directly")
	}
	defer a.gate.Exit()

	_, err := a.RunSync(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}
