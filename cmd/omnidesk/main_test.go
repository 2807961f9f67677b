package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"omnidesk/internal/models"
	"omnidesk/pkg/channel"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChannelStore struct {
	mock.Mock
}

func (m *mockChannelStore) SaveChannelConfig(ctx context.Context, cfg channel.ChannelConfig) error {
	return m.Called(ctx, cfg).Error(0)
}

func (m *mockChannelStore) GetChannelConfig(ctx context.Context, companyID string, ch channel.Type) (*channel.ChannelConfig, error) {
	args := m.Called(ctx, companyID, ch)
	if cfg := args.Get(0); cfg != nil {
		return cfg.(*channel.ChannelConfig), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockChannelStore) ListChannelConfigs(ctx context.Context, companyID string) ([]channel.ChannelConfig, error) {
	args := m.Called(ctx, companyID)
	if list := args.Get(0); list != nil {
		return list.([]channel.ChannelConfig), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockChannelStore) DeleteChannelConfig(ctx context.Context, companyID string, ch channel.Type) error {
	return m.Called(ctx, companyID, ch).Error(0)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       models.Config
		verbose   bool
		wantLevel logrus.Level
		wantJSON  bool
	}{
		{name: "defaults to json info", cfg: models.Config{LogLevel: "info"}, wantLevel: logrus.InfoLevel, wantJSON: true},
		{name: "text format", cfg: models.Config{LogLevel: "warn", LogFormat: "text"}, wantLevel: logrus.WarnLevel},
		{name: "verbose forces debug", cfg: models.Config{LogLevel: "error"}, verbose: true, wantLevel: logrus.DebugLevel, wantJSON: true},
		{name: "invalid level falls back", cfg: models.Config{LogLevel: "chatty"}, wantLevel: logrus.InfoLevel, wantJSON: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := newLogger(&tt.cfg, tt.verbose)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())
			_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
			assert.Equal(t, tt.wantJSON, isJSON)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	})

	t.Run("empty path is ignored", func(t *testing.T) {
		assert.NoError(t, loadEnvFile(""))
	})

	t.Run("loads without overriding", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("OMNIDESK_TEST_FRESH=from-file\nOMNIDESK_TEST_SET=from-file\n"), 0o600))
		t.Setenv("OMNIDESK_TEST_SET", "from-env")
		t.Setenv("OMNIDESK_TEST_FRESH", "")
		require.NoError(t, os.Unsetenv("OMNIDESK_TEST_FRESH"))

		require.NoError(t, loadEnvFile(path))
		assert.Equal(t, "from-file", os.Getenv("OMNIDESK_TEST_FRESH"))
		assert.Equal(t, "from-env", os.Getenv("OMNIDESK_TEST_SET"))
	})
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--env-file", ""})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "omnidesk "+Version)
	assert.Contains(t, out.String(), "API Version: 1.1.0")
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := rootCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "channel", "version"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestSetChannel(t *testing.T) {
	store := new(mockChannelStore)
	store.On("SaveChannelConfig", mock.Anything, mock.MatchedBy(func(cfg channel.ChannelConfig) bool {
		return cfg.CompanyID == "acme" &&
			cfg.Channel == channel.Telegram &&
			cfg.Credentials["bot_token"] == "123:abc" &&
			cfg.Settings["parse_mode"] == "markdown" &&
			cfg.WebhookSecret == "s3cret" &&
			cfg.Enabled
	})).Return(nil)

	var out bytes.Buffer
	err := setChannel(context.Background(), &out, store, &channelSetOptions{
		company:       "acme",
		channel:       " Telegram ",
		credentials:   map[string]string{"bot_token": "123:abc"},
		settings:      map[string]string{"parse_mode": "markdown"},
		webhookSecret: "s3cret",
	})

	require.NoError(t, err)
	assert.Contains(t, out.String(), "Saved telegram connection for acme (enabled=true)")
	assert.NotContains(t, out.String(), "Warning")
	store.AssertExpectations(t)
}

func TestSetChannel_WarnsWithoutSecret(t *testing.T) {
	store := new(mockChannelStore)
	store.On("SaveChannelConfig", mock.Anything, mock.Anything).Return(nil)

	var out bytes.Buffer
	require.NoError(t, setChannel(context.Background(), &out, store, &channelSetOptions{
		company:  "acme",
		channel:  "slack",
		disabled: true,
	}))
	assert.Contains(t, out.String(), "enabled=false")
	assert.Contains(t, out.String(), "Warning: no webhook secret set")
}

func TestSetChannel_Rejects(t *testing.T) {
	store := new(mockChannelStore)

	err := setChannel(context.Background(), &bytes.Buffer{}, store, &channelSetOptions{company: "acme", channel: "fax"})
	var unsupported *channel.UnsupportedError
	assert.True(t, errors.As(err, &unsupported))

	err = setChannel(context.Background(), &bytes.Buffer{}, store, &channelSetOptions{company: " ", channel: "slack"})
	assert.Error(t, err)

	store.AssertNotCalled(t, "SaveChannelConfig", mock.Anything, mock.Anything)
}

func TestSetChannel_StoreError(t *testing.T) {
	store := new(mockChannelStore)
	store.On("SaveChannelConfig", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	err := setChannel(context.Background(), &bytes.Buffer{}, store, &channelSetOptions{company: "acme", channel: "teams"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestListChannels(t *testing.T) {
	store := new(mockChannelStore)
	store.On("ListChannelConfigs", mock.Anything, "acme").Return([]channel.ChannelConfig{
		{
			CompanyID:     "acme",
			Channel:       channel.WhatsApp,
			Credentials:   map[string]string{"phone_number_id": "PNID", "access_token": "super-secret-token"},
			WebhookSecret: "s",
			Enabled:       true,
			UpdatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}, nil)

	var out bytes.Buffer
	require.NoError(t, listChannels(context.Background(), &out, store, "acme"))

	assert.Contains(t, out.String(), "whatsapp")
	assert.Contains(t, out.String(), "access_token,phone_number_id")
	assert.Contains(t, out.String(), "2024-03-01 12:00:00")
	assert.NotContains(t, out.String(), "super-secret-token")
}

func TestListChannels_Empty(t *testing.T) {
	store := new(mockChannelStore)
	store.On("ListChannelConfigs", mock.Anything, "globex").Return(nil, nil)

	var out bytes.Buffer
	require.NoError(t, listChannels(context.Background(), &out, store, "globex"))
	assert.Equal(t, "No channels configured for globex\n", out.String())
}
