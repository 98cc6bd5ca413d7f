package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/connection"
	"github.com/srg/wearlink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wearlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "panic", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, []string{"WISH_RING", "WishRing", "MRD"}, cfg.NamePrefixes)
	assert.Equal(t, 5*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.DispatchInterval)
	assert.Equal(t, 256, cfg.QueueCapacity)
	assert.Equal(t, uint32(512), cfg.JournalCapacity)
	assert.Equal(t, device.DefaultWriteChannel, cfg.WriteChannel())
	assert.Equal(t, device.DefaultNotifyChannel, cfg.NotifyChannel())
	assert.Equal(t, device.WriteWithoutResponse, cfg.WriteMode())
	assert.Equal(t, 20, cfg.ChunkSize())
	assert.False(t, cfg.Reconnect().Enabled(), "reconnect is opt-in")
	assert.Equal(t, 3*time.Second, cfg.ReconnectInitial)
	assert.Equal(t, 60*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 2.0, cfg.ReconnectMultiplier)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultConfigDoesNotShareDefaultPrefixes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NamePrefixes[0] = "BAND"
	assert.Equal(t, "WISH_RING", DefaultConfig().NamePrefixes[0])
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
name_prefixes: [BAND]
reconnect_attempts: 5
dispatch_interval: 250ms
write_without_response: false
mtu: 185
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"BAND"}, cfg.NamePrefixes)
	assert.Equal(t, connection.DefaultReconnect(), cfg.Reconnect())
	assert.Equal(t, 250*time.Millisecond, cfg.DispatchInterval)
	assert.Equal(t, device.WriteWithResponse, cfg.WriteMode())
	assert.Equal(t, 182, cfg.ChunkSize())

	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, device.DefaultNotifyChannel, cfg.NotifyChannel())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed yaml", body: "log_level: [debug"},
		{name: "unknown log level", body: "log_level: chatty"},
		{name: "zero queue capacity", body: "queue_capacity: 0"},
		{name: "journal too large", body: "journal_capacity: 1000000"},
		{name: "mtu too small", body: "mtu: 3"},
		{name: "bad characteristic uuid", body: "write_characteristic: xyz"},
		{name: "negative timeout", body: "ready_timeout: -1s"},
		{name: "negative reconnect attempts", body: "reconnect_attempts: -1"},
		{name: "shrinking reconnect delay", body: "reconnect_attempts: 3\nreconnect_multiplier: 0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{name: "debug", level: "debug", expected: logrus.DebugLevel},
		{name: "info", level: "info", expected: logrus.InfoLevel},
		{name: "warn", level: "warn", expected: logrus.WarnLevel},
		{name: "error", level: "error", expected: logrus.ErrorLevel},
		{name: "invalid falls back to silent", level: "loud", expected: logrus.PanicLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			logger := cfg.NewLogger()

			assert.Equal(t, tt.expected, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
