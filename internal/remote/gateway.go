// Package remote implements the Remote Gateway: the agent's HTTP client
// for the Client System (tenant/meter download, reading upload, heartbeat).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Resinat/syncagent/internal/model"
)

// Gateway is an authenticated HTTP client bound to one Client System base
// URL. Every call takes a context and is bounded by the configured timeout,
// following internal/netutil's DirectDownloader shape.
type Gateway struct {
	tenantID  string
	baseURL   string
	domain    string
	apiKey    atomic.Pointer[string]
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

func NewGateway(baseURL, apiKey, tenantID string, timeout time.Duration) *Gateway {
	g := &Gateway{
		tenantID:  tenantID,
		baseURL:   baseURL,
		domain:    extractDomain(baseURL),
		client:    &http.Client{},
		timeout:   timeout,
		userAgent: "syncagent/1.0",
	}
	g.apiKey.Store(&apiKey)
	return g
}

// Domain returns the Client System's eTLD+1, used to label connectivity
// log lines without printing the full configured URL.
func (g *Gateway) Domain() string {
	return g.domain
}

// SetAPIKey swaps the bearer credential used on every subsequent call. The
// Downstream Sync Agent calls this whenever it syncs a tenant row carrying
// a non-empty api_key, so credential rotation takes effect without
// restarting the agent.
func (g *Gateway) SetAPIKey(apiKey string) {
	g.apiKey.Store(&apiKey)
}

// Ping checks Client System reachability; used by the Connectivity Monitor.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.do(ctx, http.MethodGet, "/health", nil)
	return err
}

// DownloadTenant fetches this agent's tenant record. The Client System's
// config surface is reached over the same authenticated REST API as
// uploads; there is no separate remote database connection.
func (g *Gateway) DownloadTenant(ctx context.Context) (model.Tenant, error) {
	body, err := g.do(ctx, http.MethodGet, "/config/tenant", nil)
	if err != nil {
		return model.Tenant{}, err
	}
	var t model.Tenant
	if err := json.Unmarshal(body, &t); err != nil {
		return model.Tenant{}, &NonRetryableError{Err: fmt.Errorf("decode tenant: %w", err)}
	}
	return t, nil
}

// DownloadMeters fetches the full remote meter list for this tenant.
func (g *Gateway) DownloadMeters(ctx context.Context) ([]model.Meter, error) {
	body, err := g.do(ctx, http.MethodGet, "/config/meters", nil)
	if err != nil {
		return nil, err
	}
	var meters []model.Meter
	if err := json.Unmarshal(body, &meters); err != nil {
		return nil, &NonRetryableError{Err: fmt.Errorf("decode meters: %w", err)}
	}
	return meters, nil
}

// uploadReadingRow is the narrow wire shape of one reading in a batch
// upload request: the composite key, timestamp, and observed fields
// flattened alongside them rather than nested.
type uploadReadingRow struct {
	MeterID        string
	MeterElementID string
	CreatedAt      time.Time
	Fields         map[string]float64
}

func (r uploadReadingRow) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj["meter_id"] = r.MeterID
	obj["meter_element_id"] = r.MeterElementID
	obj["created_at"] = r.CreatedAt
	return json.Marshal(obj)
}

type uploadBatchRequest struct {
	TenantID string             `json:"tenant_id"`
	Readings []uploadReadingRow `json:"readings"`
}

type uploadBatchResponse struct {
	Success          bool `json:"success"`
	RecordsProcessed int  `json:"records_processed"`
}

// UploadReadings sends a batch of readings for acknowledgement.
func (g *Gateway) UploadReadings(ctx context.Context, readings []model.MeterReading) error {
	rows := make([]uploadReadingRow, len(readings))
	for i, r := range readings {
		rows[i] = uploadReadingRow{
			MeterID:        r.MeterID,
			MeterElementID: r.MeterElementID,
			CreatedAt:      r.CreatedAt,
			Fields:         r.Fields,
		}
	}
	payload, err := json.Marshal(uploadBatchRequest{TenantID: g.tenantID, Readings: rows})
	if err != nil {
		return &NonRetryableError{Err: fmt.Errorf("encode readings: %w", err)}
	}
	body, err := g.do(ctx, http.MethodPost, "/readings/batch", payload)
	if err != nil {
		return err
	}
	var resp uploadBatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &NonRetryableError{Err: fmt.Errorf("decode upload response: %w", err)}
	}
	if !resp.Success {
		return &NonRetryableError{Err: fmt.Errorf("upload rejected: records_processed=%d", resp.RecordsProcessed)}
	}
	return nil
}

// HeartbeatPayload is the optional status beacon sent once per upload
// interval tick.
type HeartbeatPayload struct {
	TenantID      string    `json:"tenant_id"`
	Timestamp     time.Time `json:"timestamp"`
	QueueSize     int       `json:"queue_size"`
	TotalUploaded int64     `json:"total_uploaded"`
	TotalFailed   int64     `json:"total_failed"`
}

// Heartbeat reports agent health to the Client System. Failures are
// logged by the caller and never block the upload cycle.
func (g *Gateway) Heartbeat(ctx context.Context, p HeartbeatPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return &NonRetryableError{Err: fmt.Errorf("encode heartbeat: %w", err)}
	}
	_, err = g.do(ctx, http.MethodPost, "/agents/heartbeat", payload)
	return err
}

func (g *Gateway) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, &NonRetryableError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Authorization", "Bearer "+*g.apiKey.Load())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(&HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}
	return respBody, nil
}
