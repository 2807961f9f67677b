package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"omnidesk/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestConfigWatcher_StartInvalidPath(t *testing.T) {
	clearEnv(t)
	watcher := NewConfigWatcher("/nonexistent/omnidesk.json", quietLogger())
	assert.Error(t, watcher.Start(context.Background()))
	assert.Nil(t, watcher.GetConfig())
}

func TestConfigWatcher_LoadsAndStops(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "omnidesk.yaml", yamlConfig)
	watcher := NewConfigWatcher(path, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, watcher.Start(ctx))

	cfg := watcher.GetConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestConfigWatcher_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "omnidesk.json", `{"handover":{"triggers":[{"type":"keyword","enabled":true,"keywords":["refund"]}]}}`)
	watcher := NewConfigWatcher(path, quietLogger())
	watcher.SetInterval(10 * time.Millisecond)

	var mu sync.Mutex
	var reloaded *models.Config
	done := make(chan struct{})
	watcher.OnConfigChange(func(c *models.Config) {
		mu.Lock()
		defer mu.Unlock()
		if reloaded == nil {
			reloaded = c
			close(done)
		}
	})
	watcher.OnConfigChange(func(*models.Config) { panic("callback failure is contained") })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- watcher.Start(ctx) }()

	require.Eventually(t, func() bool { return watcher.GetConfig() != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"handover":{"triggers":[{"type":"keyword","enabled":true,"keywords":["cancel"]}]}}`), 0600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}
	cancel()
	require.NoError(t, <-stopped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"cancel"}, reloaded.Handover.Triggers[0].Keywords)
	assert.Equal(t, []string{"cancel"}, watcher.GetConfig().Handover.Triggers[0].Keywords)
}

func TestConfigWatcher_KeepsConfigOnInvalidReload(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "omnidesk.json", `{"log_level":"warn"}`)
	watcher := NewConfigWatcher(path, quietLogger())

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	watcher.mu.Lock()
	watcher.config = cfg
	watcher.mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":`), 0600))
	watcher.reloadConfig()
	assert.Equal(t, "warn", watcher.GetConfig().LogLevel)
}
