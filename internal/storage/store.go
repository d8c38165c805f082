package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Resinat/syncagent/internal/model"
)

// knownFieldColumns is the pre-declared superset of meter_reading point
// columns. InsertReadingsWide selects only the subset observed in a given
// batch when building its dynamic INSERT.
var knownFieldColumns = []string{
	"present_value", "kwh", "kw", "voltage", "current", "power_factor", "frequency",
}

// Store is the agent's Local Store: a single SQLite database accessed
// through a narrow, directly-transactional contract (no dirty-set
// batching — every call commits or rolls back on its own).
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) agent.db at path, applies pragmas, and runs
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is reachable, used at agent
// startup before anything else touches the store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertTenant inserts or replaces the tenant row. There is exactly one
// tenant row per agent instance.
func (s *Store) UpsertTenant(ctx context.Context, t model.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant (id, name, address, api_key, time_zone, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name=excluded.name, address=excluded.address, api_key=excluded.api_key,
			time_zone=excluded.time_zone, active=excluded.active, updated_at=excluded.updated_at
	`, t.ID, t.Name, t.Address, t.APIKey, t.TimeZone, boolToInt(t.Active), t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// GetTenant returns the single tenant row, or ErrNotFound if none exists yet.
func (s *Store) GetTenant(ctx context.Context) (model.Tenant, error) {
	var t model.Tenant
	var active int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT id, name, address, api_key, time_zone, active, updated_at FROM tenant LIMIT 1`).
		Scan(&t.ID, &t.Name, &t.Address, &t.APIKey, &t.TimeZone, &active, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tenant{}, ErrNotFound
	}
	if err != nil {
		return model.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	t.Active = active != 0
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return t, nil
}

// DeleteTenant removes the tenant row by id. The Downstream Sync Agent does
// not call it: a tenant missing remotely is left in place locally.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenant WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	return nil
}

// UpsertMeter inserts or replaces a meter row keyed by (meter_id, meter_element_id).
func (s *Store) UpsertMeter(ctx context.Context, m model.Meter) error {
	pointsJSON, err := json.Marshal(m.Points)
	if err != nil {
		return fmt.Errorf("upsert meter: marshal points: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meter (tenant_id, meter_id, meter_element_id, name, ip, port, element,
			bacnet_device_id, points_json, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (meter_id, meter_element_id) DO UPDATE SET
			tenant_id=excluded.tenant_id, name=excluded.name,
			ip=excluded.ip, port=excluded.port, element=excluded.element,
			bacnet_device_id=excluded.bacnet_device_id,
			points_json=excluded.points_json,
			active=excluded.active, updated_at=excluded.updated_at
	`, m.TenantID, m.MeterID, m.MeterElementID, m.Name, m.IP, m.Port, m.Element, m.BACnetDeviceID,
		string(pointsJSON), boolToInt(m.Active), m.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert meter: %w", err)
	}
	return nil
}

// DeactivateMeter marks a meter inactive by composite key without deleting
// it, so the Collection Engine skips it while its reading history remains.
func (s *Store) DeactivateMeter(ctx context.Context, key model.MeterKey) error {
	_, err := s.db.ExecContext(ctx, `UPDATE meter SET active = 0 WHERE meter_id = ? AND meter_element_id = ?`,
		key.MeterID, key.MeterElementID)
	if err != nil {
		return fmt.Errorf("deactivate meter: %w", err)
	}
	return nil
}

// DeleteMeter removes a meter row by composite key.
func (s *Store) DeleteMeter(ctx context.Context, key model.MeterKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM meter WHERE meter_id = ? AND meter_element_id = ?`,
		key.MeterID, key.MeterElementID)
	if err != nil {
		return fmt.Errorf("delete meter: %w", err)
	}
	return nil
}

// ListMeters returns all meters, active and inactive.
func (s *Store) ListMeters(ctx context.Context) ([]model.Meter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, meter_id, meter_element_id, name, ip, port, element,
			bacnet_device_id, points_json, active, updated_at
		FROM meter ORDER BY meter_id, meter_element_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list meters: %w", err)
	}
	defer rows.Close()

	var out []model.Meter
	for rows.Next() {
		var m model.Meter
		var active int
		var updatedAt int64
		var pointsJSON string
		if err := rows.Scan(&m.TenantID, &m.MeterID, &m.MeterElementID, &m.Name, &m.IP, &m.Port, &m.Element,
			&m.BACnetDeviceID, &pointsJSON, &active, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan meter: %w", err)
		}
		if err := json.Unmarshal([]byte(pointsJSON), &m.Points); err != nil {
			return nil, fmt.Errorf("scan meter: unmarshal points: %w", err)
		}
		m.Active = active != 0
		m.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListActiveMeters returns only active meters, the snapshot the Collection
// Engine polls on each cycle.
func (s *Store) ListActiveMeters(ctx context.Context) ([]model.Meter, error) {
	all, err := s.ListMeters(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Meter
	for _, m := range all {
		if m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

// InsertReadingsWide inserts a batch of wide meter_reading rows in a single
// transaction, using a per-batch column descriptor built from the union of
// observed fields (intersected with the pre-declared known-column superset).
// All-or-nothing: any row failure rolls the whole batch back and returns the
// error, so the Collection Engine can retry the sub-batch intact.
func (s *Store) InsertReadingsWide(ctx context.Context, readings []model.MeterReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	cols := observedColumns(readings)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert readings: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	baseCols := []string{"id", "tenant_id", "meter_id", "meter_element_id", "created_at", "is_synchronized", "retry_count"}
	allCols := append(append([]string{}, baseCols...), cols...)

	placeholders := make([]string, len(allCols))
	for i := range allCols {
		placeholders[i] = "?"
	}
	query := fmt.Sprintf(`INSERT INTO meter_reading (%s) VALUES (%s)`,
		joinCols(allCols), joinCols(placeholders))

	stmt, err := tx.Prepare(query)
	if err != nil {
		return 0, fmt.Errorf("insert readings: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		args := []any{r.ID, r.TenantID, r.MeterID, r.MeterElementID, r.CreatedAt.UnixNano(),
			boolToInt(r.IsSynchronized), r.RetryCount}
		for _, c := range cols {
			v, ok := r.Fields[c]
			if !ok {
				args = append(args, nil)
				continue
			}
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("insert reading %s/%s: %w", r.MeterID, r.MeterElementID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert readings: commit: %w", err)
	}
	return len(readings), nil
}

// ListUnsynchronizedReadings returns up to limit readings not yet
// acknowledged by the Client System, oldest first.
func (s *Store) ListUnsynchronizedReadings(ctx context.Context, limit int) ([]model.MeterReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, meter_id, meter_element_id, created_at, retry_count,
			present_value, kwh, kw, voltage, current, power_factor, frequency
		FROM meter_reading
		WHERE is_synchronized = 0
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsynchronized readings: %w", err)
	}
	defer rows.Close()

	var out []model.MeterReading
	for rows.Next() {
		var r model.MeterReading
		var createdAt int64
		var presentValue, kwh, kw, voltage, current, powerFactor, frequency sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.MeterID, &r.MeterElementID, &createdAt, &r.RetryCount,
			&presentValue, &kwh, &kw, &voltage, &current, &powerFactor, &frequency); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.Fields = map[string]float64{}
		for name, v := range map[string]sql.NullFloat64{
			"present_value": presentValue, "kwh": kwh, "kw": kw, "voltage": voltage,
			"current": current, "power_factor": powerFactor, "frequency": frequency,
		} {
			if v.Valid {
				r.Fields[name] = v.Float64
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecentReadings returns readings created at or after since, newest
// first, capped at limit — used by the local API's recent-readings view.
func (s *Store) ListRecentReadings(ctx context.Context, since time.Time, limit int) ([]model.MeterReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, meter_id, meter_element_id, created_at, is_synchronized, retry_count,
			present_value, kwh, kw, voltage, current, power_factor, frequency
		FROM meter_reading
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent readings: %w", err)
	}
	defer rows.Close()

	var out []model.MeterReading
	for rows.Next() {
		var r model.MeterReading
		var createdAt int64
		var isSynchronized int
		var presentValue, kwh, kw, voltage, current, powerFactor, frequency sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.MeterID, &r.MeterElementID, &createdAt, &isSynchronized, &r.RetryCount,
			&presentValue, &kwh, &kw, &voltage, &current, &powerFactor, &frequency); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.IsSynchronized = isSynchronized != 0
		r.Fields = map[string]float64{}
		for name, v := range map[string]sql.NullFloat64{
			"present_value": presentValue, "kwh": kwh, "kw": kw, "voltage": voltage,
			"current": current, "power_factor": powerFactor, "frequency": frequency,
		} {
			if v.Valid {
				r.Fields[name] = v.Float64
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUnsynchronizedReadings reports the current queue size without
// fetching the rows themselves, for status reporting.
func (s *Store) CountUnsynchronizedReadings(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meter_reading WHERE is_synchronized = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsynchronized readings: %w", err)
	}
	return n, nil
}

// DeleteReadings removes rows by ID after a successful upload, in a single
// transaction.
func (s *Store) DeleteReadings(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete readings: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`DELETE FROM meter_reading WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("delete readings: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("delete reading %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// IncrementRetryCount bumps the retry counter for a batch of readings that
// failed upload, in a single transaction.
func (s *Store) IncrementRetryCount(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("increment retry count: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`UPDATE meter_reading SET retry_count = retry_count + 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("increment retry count: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("increment retry count %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// AppendSyncLog writes one sync_log row. ID is populated if empty.
func (s *Store) AppendSyncLog(ctx context.Context, l model.SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (id, direction, started_at, finished_at, succeeded, rows_synced, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.ID, string(l.Direction), l.StartedAt.UnixNano(), l.FinishedAt.UnixNano(),
		boolToInt(l.Succeeded), l.RowsSynced, l.ErrorText)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// AppendSyncOperationLog writes one sync_operation_log row. ID is populated if empty.
func (s *Store) AppendSyncOperationLog(ctx context.Context, l model.SyncOperationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_operation_log (id, component, started_at, ended_at, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.Component, l.StartedAt.UnixNano(), l.EndedAt.UnixNano(), l.Outcome, l.Detail)
	if err != nil {
		return fmt.Errorf("append sync operation log: %w", err)
	}
	return nil
}

// ListSyncLogs returns the most recent sync_log rows, newest first.
func (s *Store) ListSyncLogs(ctx context.Context, direction model.SyncDirection, limit int) ([]model.SyncLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, direction, started_at, finished_at, succeeded, rows_synced, error_text
		FROM sync_log WHERE direction = ? ORDER BY started_at DESC LIMIT ?
	`, string(direction), limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	var out []model.SyncLog
	for rows.Next() {
		var l model.SyncLog
		var started, finished int64
		var succeeded int
		var dir string
		if err := rows.Scan(&l.ID, &dir, &started, &finished, &succeeded, &l.RowsSynced, &l.ErrorText); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		l.Direction = model.SyncDirection(dir)
		l.StartedAt = time.Unix(0, started).UTC()
		l.FinishedAt = time.Unix(0, finished).UTC()
		l.Succeeded = succeeded != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// PruneLogs deletes sync_log and sync_operation_log rows that started
// before the retention horizon, in a single transaction. Returns the total
// number of rows removed.
func (s *Store) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune logs: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64
	for _, table := range []string{"sync_log", "sync_operation_log"} {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE started_at < ?`, table), before.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune logs: commit: %w", err)
	}
	return total, nil
}

func observedColumns(readings []model.MeterReading) []string {
	seen := map[string]bool{}
	for _, r := range readings {
		for k := range r.Fields {
			seen[k] = true
		}
	}
	var cols []string
	for _, known := range knownFieldColumns {
		if seen[known] {
			cols = append(cols, known)
		}
	}
	sort.Strings(cols)
	return cols
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
