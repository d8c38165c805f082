package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Resinat/syncagent/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTenantUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetTenant(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any upsert, got %v", err)
	}

	tenant := model.Tenant{ID: "t7", Name: "Acme", Address: "1 Main St", APIKey: "k", TimeZone: "UTC", Active: true, UpdatedAt: time.Now()}
	if err := s.UpsertTenant(ctx, tenant); err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}

	got, err := s.GetTenant(ctx)
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if got.ID != "t7" || got.Name != "Acme" || got.APIKey != "k" || !got.Active {
		t.Fatalf("unexpected tenant: %+v", got)
	}

	tenant.APIKey = "rotated"
	if err := s.UpsertTenant(ctx, tenant); err != nil {
		t.Fatalf("re-upsert tenant: %v", err)
	}
	got, _ = s.GetTenant(ctx)
	if got.APIKey != "rotated" {
		t.Fatalf("expected rotated api key, got %q", got.APIKey)
	}
}

func TestMeterUpsertListDeactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := model.Meter{
		TenantID: "t7", MeterID: "10", MeterElementID: "1", Name: "Main",
		IP: "192.0.2.5", Port: 47808, Element: "kWh", BACnetDeviceID: 100,
		Points:    []model.MeterPoint{{FieldName: "presentValue", BACnetObjectType: "analog-input", BACnetInstance: 1}},
		Active:    true,
		UpdatedAt: time.Now(),
	}
	m2 := m1
	m2.MeterElementID = "2"
	m2.Element = "kW"

	if err := s.UpsertMeter(ctx, m1); err != nil {
		t.Fatalf("upsert m1: %v", err)
	}
	if err := s.UpsertMeter(ctx, m2); err != nil {
		t.Fatalf("upsert m2: %v", err)
	}

	all, err := s.ListMeters(ctx)
	if err != nil {
		t.Fatalf("list meters: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 meters, got %d", len(all))
	}
	if len(all[0].Points) != 1 || all[0].Points[0].FieldName != "presentValue" {
		t.Fatalf("expected points round-tripped, got %+v", all[0].Points)
	}

	if err := s.DeactivateMeter(ctx, model.MeterKey{MeterID: "10", MeterElementID: "2"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err := s.ListActiveMeters(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].MeterElementID != "1" {
		t.Fatalf("expected only (10,1) active, got %+v", active)
	}
}

func TestInsertReadingsWideRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createdAt := time.Now().Truncate(time.Millisecond).UTC()

	rows := []model.MeterReading{
		{
			TenantID: "t7", MeterID: "10", MeterElementID: "1", CreatedAt: createdAt,
			Fields: map[string]float64{"kwh": 100, "kw": 5, "voltage": 230},
		},
		{
			TenantID: "t7", MeterID: "10", MeterElementID: "2", CreatedAt: createdAt.Add(time.Second),
			Fields: map[string]float64{"present_value": 12345.67},
		},
	}

	n, err := s.InsertReadingsWide(ctx, rows)
	if err != nil {
		t.Fatalf("insert readings: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows inserted, got %d", n)
	}

	got, err := s.ListUnsynchronizedReadings(ctx, 10)
	if err != nil {
		t.Fatalf("list unsynchronized: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 unsynchronized rows, got %d", len(got))
	}
	// Ordered by created_at ascending.
	first := got[0]
	if first.MeterElementID != "1" {
		t.Fatalf("expected oldest row first, got element %q", first.MeterElementID)
	}
	if len(first.Fields) != 3 || first.Fields["kwh"] != 100 || first.Fields["kw"] != 5 || first.Fields["voltage"] != 230 {
		t.Fatalf("pivoted fields did not round-trip: %+v", first.Fields)
	}
	if !first.CreatedAt.Equal(createdAt) {
		t.Fatalf("created_at did not round-trip: want %v, got %v", createdAt, first.CreatedAt)
	}
	if first.RetryCount != 0 || first.IsSynchronized {
		t.Fatalf("expected fresh row flags, got %+v", first)
	}
	second := got[1]
	if len(second.Fields) != 1 || second.Fields["present_value"] != 12345.67 {
		t.Fatalf("sparse row fields did not round-trip: %+v", second.Fields)
	}
}

func TestInsertReadingsWideDropsUnknownFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []model.MeterReading{{
		TenantID: "t7", MeterID: "10", MeterElementID: "1", CreatedAt: time.Now(),
		Fields: map[string]float64{"kwh": 1, "bogus_column": 99},
	}}
	if _, err := s.InsertReadingsWide(ctx, rows); err != nil {
		t.Fatalf("insert readings: %v", err)
	}

	got, err := s.ListUnsynchronizedReadings(ctx, 1)
	if err != nil {
		t.Fatalf("list unsynchronized: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if _, ok := got[0].Fields["bogus_column"]; ok {
		t.Fatal("expected unknown field to be dropped")
	}
	if got[0].Fields["kwh"] != 1 {
		t.Fatalf("expected known field kept, got %+v", got[0].Fields)
	}
}

func TestListUnsynchronizedRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var rows []model.MeterReading
	base := time.Now()
	for i := 0; i < 5; i++ {
		rows = append(rows, model.MeterReading{
			TenantID: "t7", MeterID: "10", MeterElementID: "1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			Fields:    map[string]float64{"kwh": float64(i)},
		})
	}
	if _, err := s.InsertReadingsWide(ctx, rows); err != nil {
		t.Fatalf("insert readings: %v", err)
	}

	got, err := s.ListUnsynchronizedReadings(ctx, 2)
	if err != nil {
		t.Fatalf("list unsynchronized: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit respected, got %d rows", len(got))
	}

	count, err := s.CountUnsynchronizedReadings(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected queue size 5, got %d", count)
	}
}

func TestDeleteAndRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []model.MeterReading{
		{TenantID: "t7", MeterID: "10", MeterElementID: "1", CreatedAt: time.Now(), Fields: map[string]float64{"kwh": 1}},
		{TenantID: "t7", MeterID: "10", MeterElementID: "2", CreatedAt: time.Now(), Fields: map[string]float64{"kwh": 2}},
	}
	if _, err := s.InsertReadingsWide(ctx, rows); err != nil {
		t.Fatalf("insert readings: %v", err)
	}
	got, _ := s.ListUnsynchronizedReadings(ctx, 10)

	if err := s.IncrementRetryCount(ctx, []string{got[0].ID, got[1].ID}); err != nil {
		t.Fatalf("increment retry count: %v", err)
	}
	if err := s.IncrementRetryCount(ctx, []string{got[0].ID}); err != nil {
		t.Fatalf("increment retry count: %v", err)
	}
	after, _ := s.ListUnsynchronizedReadings(ctx, 10)
	byID := map[string]model.MeterReading{}
	for _, r := range after {
		byID[r.ID] = r
	}
	if byID[got[0].ID].RetryCount != 2 || byID[got[1].ID].RetryCount != 1 {
		t.Fatalf("unexpected retry counts: %+v", after)
	}

	if err := s.DeleteReadings(ctx, []string{got[0].ID}); err != nil {
		t.Fatalf("delete readings: %v", err)
	}
	count, _ := s.CountUnsynchronizedReadings(ctx)
	if count != 1 {
		t.Fatalf("expected 1 row after delete, got %d", count)
	}
}

func TestSyncLogAppendListAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := model.SyncLog{
		Direction: model.SyncDirectionUpstream,
		StartedAt: now.AddDate(0, 0, -40), FinishedAt: now.AddDate(0, 0, -40),
		Succeeded: false, RowsSynced: 30, ErrorText: "validation failed",
	}
	fresh := model.SyncLog{
		Direction: model.SyncDirectionUpstream,
		StartedAt: now, FinishedAt: now,
		Succeeded: true, RowsSynced: 30,
	}
	if err := s.AppendSyncLog(ctx, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.AppendSyncLog(ctx, fresh); err != nil {
		t.Fatalf("append fresh: %v", err)
	}
	if err := s.AppendSyncOperationLog(ctx, model.SyncOperationLog{
		Component: "upload", StartedAt: now.AddDate(0, 0, -40), EndedAt: now.AddDate(0, 0, -40), Outcome: "failure",
	}); err != nil {
		t.Fatalf("append op log: %v", err)
	}

	logs, err := s.ListSyncLogs(ctx, model.SyncDirectionUpstream, 10)
	if err != nil {
		t.Fatalf("list sync logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if !logs[0].Succeeded || logs[0].RowsSynced != 30 {
		t.Fatalf("expected newest-first ordering, got %+v", logs[0])
	}
	if logs[1].ErrorText != "validation failed" {
		t.Fatalf("expected error text preserved, got %+v", logs[1])
	}

	pruned, err := s.PruneLogs(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("prune logs: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 rows pruned (one sync_log, one sync_operation_log), got %d", pruned)
	}
	logs, _ = s.ListSyncLogs(ctx, model.SyncDirectionUpstream, 10)
	if len(logs) != 1 || !logs[0].Succeeded {
		t.Fatalf("expected only the fresh log to survive, got %+v", logs)
	}
}
