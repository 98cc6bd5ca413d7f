package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearlink/internal/connection"
	"github.com/srg/wearlink/internal/device"
	"github.com/srg/wearlink/internal/journal"
	"github.com/srg/wearlink/scanner"
	"gopkg.in/yaml.v3"
)

// attOverhead is the ATT header carried by every write on top of its payload
const attOverhead = 3

// Config holds application configuration
type Config struct {
	LogLevel     string        `yaml:"log_level" default:"panic"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" default:"10s"`
	NamePrefixes []string      `yaml:"name_prefixes"` // case-insensitive; empty accepts every named peer
	ReadyTimeout time.Duration `yaml:"ready_timeout" default:"5s"`

	ReconnectAttempts   int           `yaml:"reconnect_attempts" default:"0"`
	ReconnectInitial    time.Duration `yaml:"reconnect_initial" default:"3s"`
	ReconnectMax        time.Duration `yaml:"reconnect_max" default:"60s"`
	ReconnectMultiplier float64       `yaml:"reconnect_multiplier" default:"2.0"`

	DispatchInterval time.Duration `yaml:"dispatch_interval" default:"500ms"`
	QueueCapacity    int           `yaml:"queue_capacity" default:"256"`
	JournalCapacity  uint32        `yaml:"journal_capacity" default:"512"`

	WriteService         string `yaml:"write_service" default:"f000efe0-0451-4000-0000-00000000b000"`
	WriteCharacteristic  string `yaml:"write_characteristic" default:"f000efe1-0451-4000-0000-00000000b000"`
	NotifyService        string `yaml:"notify_service" default:"f000efe0-0451-4000-0000-00000000b000"`
	NotifyCharacteristic string `yaml:"notify_characteristic" default:"f000efe3-0451-4000-0000-00000000b000"`
	WithoutResponse      bool   `yaml:"write_without_response" default:"true"`

	MTU int `yaml:"mtu" default:"23"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.NamePrefixes = append([]string(nil), scanner.DefaultNamePrefixes...)
	return cfg
}

// Load reads a YAML file over the defaults. Keys absent from the file keep their default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and UUID syntax
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.ScanTimeout < 0 {
		errs = append(errs, fmt.Errorf("scan_timeout must not be negative"))
	}
	if c.ReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("ready_timeout must not be negative"))
	}
	if c.DispatchInterval < 0 {
		errs = append(errs, fmt.Errorf("dispatch_interval must not be negative"))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect_attempts must not be negative"))
	}
	if c.ReconnectAttempts > 0 && c.ReconnectInitial <= 0 {
		errs = append(errs, fmt.Errorf("reconnect_initial must be > 0 when reconnecting"))
	}
	if c.ReconnectAttempts > 0 && c.ReconnectMultiplier < 1 {
		errs = append(errs, fmt.Errorf("reconnect_multiplier must be >= 1"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be > 0"))
	}
	if c.JournalCapacity == 0 || c.JournalCapacity > journal.MaxCapacity {
		errs = append(errs, fmt.Errorf("journal_capacity must be in 1..%d", journal.MaxCapacity))
	}
	if c.MTU <= attOverhead {
		errs = append(errs, fmt.Errorf("mtu must be > %d", attOverhead))
	}
	if _, err := device.ValidateUUID(c.WriteService, c.WriteCharacteristic, c.NotifyService, c.NotifyCharacteristic); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WriteChannel returns the configured outbound channel
func (c *Config) WriteChannel() device.Channel {
	return device.NewChannel(c.WriteService, c.WriteCharacteristic)
}

// NotifyChannel returns the configured inbound channel
func (c *Config) NotifyChannel() device.Channel {
	return device.NewChannel(c.NotifyService, c.NotifyCharacteristic)
}

// WriteMode returns the configured write procedure
func (c *Config) WriteMode() device.WriteMode {
	if c.WithoutResponse {
		return device.WriteWithoutResponse
	}
	return device.WriteWithResponse
}

// Reconnect returns the reconnect policy; zero attempts disable it
func (c *Config) Reconnect() connection.Reconnect {
	return connection.Reconnect{
		Initial:    c.ReconnectInitial,
		Max:        c.ReconnectMax,
		Multiplier: c.ReconnectMultiplier,
		Attempts:   c.ReconnectAttempts,
	}
}

// ChunkSize is the largest payload that fits in a single write at the configured MTU
func (c *Config) ChunkSize() int {
	return c.MTU - attOverhead
}

// NewLogger creates a configured logger instance. An unparsable level falls back to silent.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.PanicLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
