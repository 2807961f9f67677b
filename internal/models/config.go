package models

// Config holds the application configuration
type Config struct {
	Server        ServerConfig       `json:"server" yaml:"server"`
	Database      DatabaseConfig     `json:"database" yaml:"database"`
	Handover      HandoverConfig     `json:"handover" yaml:"handover"`
	Presence      PresenceConfig     `json:"presence" yaml:"presence"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications"`
	Inbound       InboundConfig      `json:"inbound" yaml:"inbound"`
	Outbound      OutboundConfig     `json:"outbound" yaml:"outbound"`
	Maintenance   MaintenanceConfig  `json:"maintenance" yaml:"maintenance"`
	Tracing       TracingConfig      `json:"tracing" yaml:"tracing"`
	Retry         RetryConfig        `json:"retry" yaml:"retry"`
	LogLevel      string             `json:"log_level" yaml:"log_level"`
	LogFormat     string             `json:"log_format" yaml:"log_format"`
	// VerboseLogging disables masking of identifiers in logs.
	VerboseLogging bool `json:"verbose_logging" yaml:"verbose_logging"`

	// Environment and EncryptionSecret are only read from the process
	// environment.
	Environment      string `json:"-" yaml:"-"`
	EncryptionSecret string `json:"-" yaml:"-"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port               int      `json:"port" yaml:"port"`
	ReadTimeoutSec     int      `json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int      `json:"write_timeout_sec" yaml:"write_timeout_sec"`
	IdleTimeoutSec     int      `json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RateLimitBurst     int      `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	TrustedProxies     []string `json:"trusted_proxies" yaml:"trusted_proxies"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	// AllowedOrigins restricts websocket origins; empty allows same-origin only.
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
}

// HandoverConfig holds escalation engine settings
type HandoverConfig struct {
	Triggers        []TriggerConfig `json:"triggers" yaml:"triggers"`
	SLAWarningSec   int             `json:"sla_warning_sec" yaml:"sla_warning_sec"`
	MaxQueueWaitSec int             `json:"max_queue_wait_sec" yaml:"max_queue_wait_sec"`
	// LastMessages is how many recent messages are captured on escalation.
	LastMessages int `json:"last_messages" yaml:"last_messages"`
}

// PresenceConfig holds presence decay thresholds
type PresenceConfig struct {
	SweepIntervalSec int `json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
	AwayAfterSec     int `json:"away_after_sec" yaml:"away_after_sec"`
	OfflineAfterSec  int `json:"offline_after_sec" yaml:"offline_after_sec"`
	EvictAfterSec    int `json:"evict_after_sec" yaml:"evict_after_sec"`
}

// NotificationConfig holds notification retention settings
type NotificationConfig struct {
	TTLHours        int `json:"ttl_hours" yaml:"ttl_hours"`
	MaxPerRecipient int `json:"max_per_recipient" yaml:"max_per_recipient"`
}

// InboundConfig holds webhook ingestion settings
type InboundConfig struct {
	DedupeTTLSec int `json:"dedupe_ttl_sec" yaml:"dedupe_ttl_sec"`
}

// OutboundConfig holds provider call settings
type OutboundConfig struct {
	HTTPTimeoutSec     int `json:"http_timeout_sec" yaml:"http_timeout_sec"`
	BreakerMaxFailures int `json:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerTimeoutSec  int `json:"breaker_timeout_sec" yaml:"breaker_timeout_sec"`
}

// MaintenanceConfig holds cron specs for background jobs
type MaintenanceConfig struct {
	SLACheckCron  string `json:"sla_check_cron" yaml:"sla_check_cron"`
	PurgeCron     string `json:"purge_cron" yaml:"purge_cron"`
	RetentionCron string `json:"retention_cron" yaml:"retention_cron"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	Environment  string  `json:"environment" yaml:"environment"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate"`
	UseStdout    bool    `json:"use_stdout" yaml:"use_stdout"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	MaxAttempts      int `json:"max_attempts" yaml:"max_attempts"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
