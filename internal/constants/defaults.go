package constants

// Server defaults
const (
	DefaultServerPort            = 8080
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultRateLimitPerMinute    = 600
	DefaultRateLimitBurst        = 60
	DefaultMaxBodyBytes          = 5 * 1024 * 1024
	DefaultRateLimiterIdleMin    = 10
)

// Storage defaults
const (
	DefaultDatabasePath          = "omnidesk.db"
	DefaultRetentionDays         = 30
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultMaxAttempts           = 5
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxSec         = 5
)

// Handover defaults
const (
	DefaultSLAWarningSec    = 300
	DefaultMaxQueueWaitSec  = 1800
	DefaultLastMessages     = 10
	DefaultMaxConversations = 5
)

// Presence defaults
const (
	DefaultPresenceSweepSec   = 30
	DefaultPresenceAwaySec    = 60
	DefaultPresenceOfflineSec = 300
	DefaultPresenceEvictSec   = 3600
)

// Notification defaults
const (
	DefaultNotificationTTLHours = 72
	DefaultMaxPerRecipient      = 200
)

// Channel I/O defaults
const (
	DefaultDedupeTTLSec       = 600
	DefaultHTTPTimeoutSec     = 30
	DefaultBreakerMaxFailures = 5
	DefaultBreakerTimeoutSec  = 60
)

// Maintenance schedules (robfig/cron, with seconds field)
const (
	DefaultSLACheckCron  = "*/30 * * * * *"
	DefaultPurgeCron     = "0 */5 * * * *"
	DefaultRetentionCron = "0 30 3 * * *"

	// In-memory caches trimmed by the purge job
	DefaultTerminalCacheMin = 60
	DefaultHistoryIdleHours = 24
)

// Tracing defaults
const (
	DefaultServiceName  = "omnidesk"
	DefaultOTLPEndpoint = "localhost:4318"
	DefaultSampleRate   = 0.1
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// Validation limits
const (
	MaxIdentifierLength = 256
	MaxMessageLength    = 65536

	MinEncryptionSecretLength = 32
)

// Logging defaults
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)
