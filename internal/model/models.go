// Package model defines domain structs shared across the agent's packages.
package model

import "time"

// Tenant is the building/site this agent is bound to, mirrored from the
// Client System's tenant record.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	APIKey    string    `json:"api_key"`
	TimeZone  string    `json:"time_zone"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MeterPoint is one configured BACnet data point read for a meter and
// pivoted into the wide row's field_name column during collection.
type MeterPoint struct {
	FieldName        string `json:"field_name"`
	BACnetObjectType string `json:"bacnet_object_type"`
	BACnetInstance   int    `json:"bacnet_instance"`
}

// Meter is a physical meter's logical data-point grouping the Collection
// Engine polls: one BACnet device reached at (IP, Port), one or more
// configured points pivoted together into a single meter_reading row per
// cycle. Name, IP, Port, Element, and Active are the fields the Downstream
// Sync Agent tracks for change detection against the remote record.
type Meter struct {
	TenantID       string       `json:"tenant_id"`
	MeterID        string       `json:"meter_id"`
	MeterElementID string       `json:"meter_element_id"`
	Name           string       `json:"name"`
	IP             string       `json:"ip"`
	Port           int          `json:"port"`
	Element        string       `json:"element"`
	BACnetDeviceID int          `json:"bacnet_device_id"`
	Points         []MeterPoint `json:"points"`
	Active         bool         `json:"active"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MeterKey is the composite primary key identifying a meter reading series.
type MeterKey struct {
	MeterID        string
	MeterElementID string
}

// MeterReading is one wide row of observed point values for a meter at a
// point in time. Fields is a sparse set of point-name -> value pairs; only
// points actually observed during the owning cycle are populated.
type MeterReading struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	MeterID        string             `json:"meter_id"`
	MeterElementID string             `json:"meter_element_id"`
	CreatedAt      time.Time          `json:"created_at"`
	Fields         map[string]float64 `json:"fields"`
	IsSynchronized bool               `json:"is_synchronized"`
	RetryCount     int                `json:"retry_count"`
}

// PendingReading is a single raw BACnet read result awaiting pivot into a
// MeterReading wide row.
type PendingReading struct {
	MeterID        string
	MeterElementID string
	PointName      string
	Value          float64
	ReadAt         time.Time
}

// SyncDirection distinguishes downstream (remote->local) from upstream
// (local->remote) sync log entries.
type SyncDirection string

const (
	SyncDirectionDownstream SyncDirection = "downstream"
	SyncDirectionUpstream   SyncDirection = "upstream"
)

// SyncLog records the outcome of one reconciliation or upload cycle.
type SyncLog struct {
	ID         string        `json:"id"`
	Direction  SyncDirection `json:"direction"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Succeeded  bool          `json:"succeeded"`
	RowsSynced int           `json:"rows_synced"`
	ErrorText  string        `json:"error_text,omitempty"`
}

// SyncOperationLog is an append-only operational trace of every scheduled
// cycle (collection, downstream sync, upload), kept for operator visibility
// into recent activity, independent of SyncLog's row-count summary.
type SyncOperationLog struct {
	ID        string    `json:"id"`
	Component string    `json:"component"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}
