package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"omnidesk/internal/constants"
	"omnidesk/internal/models"
	"omnidesk/internal/security"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvPort             = "OMNIDESK_PORT"
	EnvDBPath           = "OMNIDESK_DB_PATH"
	EnvLogLevel         = "OMNIDESK_LOG_LEVEL"
	EnvOTLPEndpoint     = "OMNIDESK_OTLP_ENDPOINT"
	EnvEncryptionSecret = "OMNIDESK_ENCRYPTION_SECRET"
	EnvEnvironment      = "OMNIDESK_ENV"
)

const productionEnv = "production"

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// DefaultTriggers apply when the config names none.
func DefaultTriggers() []models.TriggerConfig {
	return []models.TriggerConfig{
		{Type: models.TriggerUserRequest, Enabled: true},
		{Type: models.TriggerRepeatedQuestions, Enabled: true, Count: 3},
	}
}

// LoadConfig reads a JSON or YAML config file, applies environment
// overrides and fills defaults.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	config, err := Parse(file, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}
	if err := validate(config); err != nil {
		return nil, err
	}
	if err := validateSecurity(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Parse decodes a config document. ext selects the format; anything other
// than .yaml or .yml is read as JSON.
func Parse(data []byte, ext string) (*models.Config, error) {
	var config models.Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}
	return &config, nil
}

func validate(c *models.Config) error {
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port %d", c.Server.Port)}
	}
	defaultInt(&c.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec)
	defaultInt(&c.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec)
	defaultInt(&c.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec)
	defaultInt(&c.Server.RateLimitPerMinute, constants.DefaultRateLimitPerMinute)
	defaultInt(&c.Server.RateLimitBurst, constants.DefaultRateLimitBurst)
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = constants.DefaultMaxBodyBytes
	}

	if c.Database.Path == "" {
		c.Database.Path = constants.DefaultDatabasePath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}
	defaultInt(&c.Database.RetentionDays, constants.DefaultRetentionDays)

	if err := validateHandover(&c.Handover); err != nil {
		return err
	}

	defaultInt(&c.Presence.SweepIntervalSec, constants.DefaultPresenceSweepSec)
	defaultInt(&c.Presence.AwayAfterSec, constants.DefaultPresenceAwaySec)
	defaultInt(&c.Presence.OfflineAfterSec, constants.DefaultPresenceOfflineSec)
	defaultInt(&c.Presence.EvictAfterSec, constants.DefaultPresenceEvictSec)
	if c.Presence.OfflineAfterSec <= c.Presence.AwayAfterSec {
		return models.ConfigError{Message: "presence offline_after_sec must be greater than away_after_sec"}
	}

	defaultInt(&c.Notifications.TTLHours, constants.DefaultNotificationTTLHours)
	defaultInt(&c.Notifications.MaxPerRecipient, constants.DefaultMaxPerRecipient)
	defaultInt(&c.Inbound.DedupeTTLSec, constants.DefaultDedupeTTLSec)
	defaultInt(&c.Outbound.HTTPTimeoutSec, constants.DefaultHTTPTimeoutSec)
	defaultInt(&c.Outbound.BreakerMaxFailures, constants.DefaultBreakerMaxFailures)
	defaultInt(&c.Outbound.BreakerTimeoutSec, constants.DefaultBreakerTimeoutSec)

	if err := validateMaintenance(&c.Maintenance); err != nil {
		return err
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = constants.DefaultServiceName
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = constants.DefaultOTLPEndpoint
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = constants.DefaultSampleRate
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: fmt.Sprintf("tracing sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)}
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = c.Environment
	}

	defaultInt(&c.Retry.InitialBackoffMs, constants.DefaultRetryBackoffMs)
	defaultInt(&c.Retry.MaxBackoffMs, constants.DefaultMaxBackoffMs)
	defaultInt(&c.Retry.MaxAttempts, constants.DefaultDatabaseRetryAttempts)

	if c.LogLevel == "" {
		c.LogLevel = constants.DefaultLogLevel
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid log level %q", c.LogLevel)}
	}
	if c.LogFormat == "" {
		c.LogFormat = constants.DefaultLogFormat
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return models.ConfigError{Message: fmt.Sprintf("invalid log format %q (json or text)", c.LogFormat)}
	}
	return nil
}

func defaultInt(v *int, fallback int) {
	if *v <= 0 {
		*v = fallback
	}
}

func validateHandover(h *models.HandoverConfig) error {
	defaultInt(&h.SLAWarningSec, constants.DefaultSLAWarningSec)
	defaultInt(&h.MaxQueueWaitSec, constants.DefaultMaxQueueWaitSec)
	defaultInt(&h.LastMessages, constants.DefaultLastMessages)
	if h.Triggers == nil {
		h.Triggers = DefaultTriggers()
	}
	for i, t := range h.Triggers {
		if err := ValidateTrigger(t); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("trigger %d: %v", i, err)}
		}
	}
	return nil
}

// ValidateTrigger checks that a trigger carries the fields its type needs.
func ValidateTrigger(t models.TriggerConfig) error {
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", t.Priority)
	}
	switch t.Type {
	case models.TriggerKeyword:
		if len(t.Keywords) == 0 {
			return fmt.Errorf("keyword trigger needs at least one keyword")
		}
	case models.TriggerUserRequest:
	case models.TriggerSentiment:
		if t.Threshold < -1 || t.Threshold > 1 {
			return fmt.Errorf("sentiment threshold must be between -1 and 1")
		}
	case models.TriggerConfidence:
		if t.Threshold < 0 || t.Threshold > 1 {
			return fmt.Errorf("confidence threshold must be between 0 and 1")
		}
	case models.TriggerRepeatedQuestions:
		if t.Count <= 0 {
			return fmt.Errorf("repeated_questions trigger needs a positive count")
		}
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}

func validateMaintenance(m *models.MaintenanceConfig) error {
	specs := []struct {
		name  string
		value *string
		def   string
	}{
		{"sla_check_cron", &m.SLACheckCron, constants.DefaultSLACheckCron},
		{"purge_cron", &m.PurgeCron, constants.DefaultPurgeCron},
		{"retention_cron", &m.RetentionCron, constants.DefaultRetentionCron},
	}
	for _, s := range specs {
		if *s.value == "" {
			*s.value = s.def
		}
		if _, err := cronParser.Parse(*s.value); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid %s %q: %v", s.name, *s.value, err)}
		}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid %s %q", EnvPort, v)}
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		c.Tracing.OTLPEndpoint = v
		c.Tracing.Enabled = true
	}

	// SECURITY: the credential encryption secret is never read from the file
	c.EncryptionSecret = os.Getenv(EnvEncryptionSecret)
	c.Environment = os.Getenv(EnvEnvironment)
	return nil
}

// IsProduction reports whether the config was loaded in production mode.
func IsProduction(c *models.Config) bool {
	return c.Environment == productionEnv
}

func validateSecurity(c *models.Config) error {
	if c.EncryptionSecret != "" && len(c.EncryptionSecret) < constants.MinEncryptionSecretLength {
		return models.ConfigError{Message: fmt.Sprintf("%s must be at least %d characters long", EnvEncryptionSecret, constants.MinEncryptionSecretLength)}
	}

	if IsProduction(c) {
		if c.EncryptionSecret == "" {
			return models.ConfigError{Message: fmt.Sprintf("channel credential encryption is required in production (set %s)", EnvEncryptionSecret)}
		}
		if c.LogLevel == "debug" || c.LogLevel == "trace" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		if c.VerboseLogging {
			return models.ConfigError{Message: "verbose_logging exposes customer identifiers and is not allowed in production"}
		}
	} else if c.EncryptionSecret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: %s not set. Channel credentials will be stored unencrypted.\n", EnvEncryptionSecret)
	}
	return nil
}
