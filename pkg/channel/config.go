package channel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChannelConfig is one tenant's configuration for one channel. Adapters read
// it and never mutate it.
type ChannelConfig struct {
	CompanyID     string            `json:"companyId"`
	Channel       Type              `json:"channel"`
	Credentials   map[string]string `json:"credentials,omitempty"`
	Settings      map[string]any    `json:"settings,omitempty"`
	WebhookSecret string            `json:"-"`
	VerifyToken   string            `json:"-"`
	Enabled       bool              `json:"enabled"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// RequireCredential narrows a credential, failing with a ConfigError that
// names the channel and the field.
func RequireCredential(cfg ChannelConfig, ch Type, key string) (string, error) {
	v := strings.TrimSpace(cfg.Credentials[key])
	if v == "" {
		return "", &ConfigError{Channel: ch, Field: key}
	}
	return v, nil
}

// Credential returns an optional credential or an empty string.
func (c ChannelConfig) Credential(key string) string {
	return strings.TrimSpace(c.Credentials[key])
}

// SettingString returns a string setting, or fallback when absent.
func (c ChannelConfig) SettingString(key, fallback string) string {
	switch v := c.Settings[key].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	case fmt.Stringer:
		return v.String()
	}
	return fallback
}

// SettingBool returns a boolean setting; strings such as "true" are accepted.
func (c ChannelConfig) SettingBool(key string) bool {
	switch v := c.Settings[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// BaseURL resolves a provider endpoint override from settings.
func (c ChannelConfig) BaseURL(fallback string) string {
	return strings.TrimRight(c.SettingString("api_base_url", fallback), "/")
}
