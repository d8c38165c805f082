// Package config handles environment-based configuration loading for the
// sync agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	TenantID string

	LocalDBPath string

	ClientAPIURL       string
	ClientAPIKey       string
	ClientAPITimeout   time.Duration
	ClientAPIHeartbeat bool

	BACnetInterface      string
	BACnetPort           int
	BACnetBroadcast      string
	BACnetConnectTimeout time.Duration
	BACnetReadTimeout    time.Duration

	CollectionIntervalSeconds int
	CollectionAutoStart       bool

	DownstreamSyncIntervalMinutes int
	DownstreamSyncAutoStart       bool

	UploadIntervalMinutes int
	UploadBatchSize       int
	UploadMaxRetries      int

	ConnectivityCheckInterval time.Duration

	LocalAPIPort int

	LogLevel string

	// SyncLogRetentionSchedule is the cron expression on which sync_log and
	// sync_operation_log rows older than SyncLogRetentionDays are pruned.
	SyncLogRetentionSchedule string
	SyncLogRetentionDays     int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	overlay, err := LoadFileOverlay(os.Getenv("SYNCAGENT_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg.TenantID = strings.TrimSpace(envStr("SYNCAGENT_TENANT_ID", overlay.TenantID))
	if cfg.TenantID == "" {
		errs = append(errs, "SYNCAGENT_TENANT_ID must be set")
	}

	cfg.LocalDBPath = envStr("SYNCAGENT_LOCAL_DB_PATH", "/var/lib/syncagent/agent.db")

	cfg.ClientAPIURL = strings.TrimSuffix(envStr("SYNCAGENT_CLIENT_API_URL", overlay.ClientAPIURL), "/")
	if cfg.ClientAPIURL == "" {
		errs = append(errs, "SYNCAGENT_CLIENT_API_URL must be set")
	}
	cfg.ClientAPITimeout = envDurationMillis("SYNCAGENT_CLIENT_API_TIMEOUT_MS", 10_000, &errs)
	cfg.ClientAPIHeartbeat = envBool("SYNCAGENT_CLIENT_API_HEARTBEAT", true)
	// Bootstrap credential used only until the first downstream tenant sync
	// persists a (possibly rotated) api_key locally; see internal/agent.
	cfg.ClientAPIKey = envStr("SYNCAGENT_CLIENT_API_KEY", "")

	cfg.BACnetInterface = envStr("SYNCAGENT_BACNET_INTERFACE", "")
	cfg.BACnetPort = envInt("SYNCAGENT_BACNET_PORT", 47808, &errs)
	cfg.BACnetBroadcast = envStr("SYNCAGENT_BACNET_BROADCAST", "255.255.255.255")
	cfg.BACnetConnectTimeout = envDurationMillis("SYNCAGENT_BACNET_CONNECT_TIMEOUT_MS", 5_000, &errs)
	cfg.BACnetReadTimeout = envDurationMillis("SYNCAGENT_BACNET_READ_TIMEOUT_MS", 3_000, &errs)

	cfg.CollectionIntervalSeconds = envInt("SYNCAGENT_COLLECTION_INTERVAL_SECONDS", 60, &errs)
	cfg.CollectionAutoStart = envBool("SYNCAGENT_COLLECTION_AUTO_START", true)

	cfg.DownstreamSyncIntervalMinutes = envInt("SYNCAGENT_DOWNSTREAM_SYNC_INTERVAL_MINUTES", 60, &errs)
	cfg.DownstreamSyncAutoStart = envBool("SYNCAGENT_DOWNSTREAM_SYNC_AUTO_START", true)

	cfg.UploadIntervalMinutes = envInt("SYNCAGENT_UPLOAD_INTERVAL_MINUTES", 5, &errs)
	cfg.UploadBatchSize = envInt("SYNCAGENT_UPLOAD_BATCH_SIZE", 1000, &errs)
	cfg.UploadMaxRetries = envInt("SYNCAGENT_UPLOAD_MAX_RETRIES", 5, &errs)

	cfg.ConnectivityCheckInterval = envDurationMillis("SYNCAGENT_CONNECTIVITY_CHECK_INTERVAL_MS", 60_000, &errs)

	cfg.LocalAPIPort = envInt("SYNCAGENT_LOCAL_API_PORT", 3002, &errs)

	cfg.LogLevel = envStr("SYNCAGENT_LOG_LEVEL", "info")

	cfg.SyncLogRetentionSchedule = envStr("SYNCAGENT_SYNC_LOG_RETENTION_SCHEDULE", "0 3 * * *")
	if _, err := cron.ParseStandard(cfg.SyncLogRetentionSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SYNCAGENT_SYNC_LOG_RETENTION_SCHEDULE: invalid cron expression %q: %v", cfg.SyncLogRetentionSchedule, err))
	}
	cfg.SyncLogRetentionDays = envInt("SYNCAGENT_SYNC_LOG_RETENTION_DAYS", 30, &errs)
	validatePositive("SYNCAGENT_SYNC_LOG_RETENTION_DAYS", cfg.SyncLogRetentionDays, &errs)

	// A zero collection interval would mean cycles firing back-to-back; reject it.
	validatePositive("SYNCAGENT_COLLECTION_INTERVAL_SECONDS", cfg.CollectionIntervalSeconds, &errs)
	validatePositive("SYNCAGENT_DOWNSTREAM_SYNC_INTERVAL_MINUTES", cfg.DownstreamSyncIntervalMinutes, &errs)
	validatePositive("SYNCAGENT_UPLOAD_INTERVAL_MINUTES", cfg.UploadIntervalMinutes, &errs)
	validatePositive("SYNCAGENT_UPLOAD_BATCH_SIZE", cfg.UploadBatchSize, &errs)
	validatePositive("SYNCAGENT_UPLOAD_MAX_RETRIES", cfg.UploadMaxRetries, &errs)
	validatePort("SYNCAGENT_LOCAL_API_PORT", cfg.LocalAPIPort, &errs)
	validatePort("SYNCAGENT_BACNET_PORT", cfg.BACnetPort, &errs)
	if cfg.BACnetConnectTimeout <= 0 {
		errs = append(errs, "SYNCAGENT_BACNET_CONNECT_TIMEOUT_MS must be positive")
	}
	if cfg.BACnetReadTimeout <= 0 {
		errs = append(errs, "SYNCAGENT_BACNET_READ_TIMEOUT_MS must be positive")
	}
	if cfg.ClientAPITimeout <= 0 {
		errs = append(errs, "SYNCAGENT_CLIENT_API_TIMEOUT_MS must be positive")
	}
	if cfg.ConnectivityCheckInterval <= 0 {
		errs = append(errs, "SYNCAGENT_CONNECTIVITY_CHECK_INTERVAL_MS must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDurationMillis(key string, defaultMillis int, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defaultMillis) * time.Millisecond
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return time.Duration(defaultMillis) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
