package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/stepbot/internal/hub"
	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/runner"
	"github.com/srg/stepbot/internal/transport"
	"github.com/srg/stepbot/internal/transport/goble"
)

// EnvPrefix prefixes every environment override, e.g. STEPBOT_HUB_ADDRESS.
const EnvPrefix = "STEPBOT_"

// Config holds application configuration
type Config struct {
	// LogLevel empty keeps the logger quiet.
	LogLevel   string `yaml:"log_level" json:"log_level"`
	HubAddress string `yaml:"hub_address" json:"hub_address"`

	ScanTimeout    time.Duration `yaml:"scan_timeout" json:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"15s"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" default:"5s"`
	// NotificationInterval of zero uses the session default; negative turns device notifications off.
	NotificationInterval time.Duration `yaml:"notification_interval" json:"notification_interval" default:"5s"`
	PacketInterval       time.Duration `yaml:"packet_interval" json:"packet_interval"`
	FallbackChunkSize    int           `yaml:"fallback_chunk_size" json:"fallback_chunk_size" default:"512"`

	ProgramSlot     uint8  `yaml:"program_slot" json:"program_slot"`
	ProgramFileName string `yaml:"program_file_name" json:"program_file_name" default:"program.py"`
	ConsoleBuffer   uint32 `yaml:"console_buffer" json:"console_buffer" default:"1024"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults and applies STEPBOT_*
// environment overrides. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps STEPBOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "HUB_ADDRESS"); v != "" {
		cfg.HubAddress = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"SCAN_TIMEOUT", &cfg.ScanTimeout},
		{"CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"NOTIFICATION_INTERVAL", &cfg.NotificationInterval},
		{"PACKET_INTERVAL", &cfg.PacketInterval},
	}
	for _, d := range durations {
		v := os.Getenv(EnvPrefix + d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, d.name, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv(EnvPrefix + "FALLBACK_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sFALLBACK_CHUNK_SIZE: %w", EnvPrefix, err)
		}
		cfg.FallbackChunkSize = n
	}
	if v := os.Getenv(EnvPrefix + "PROGRAM_SLOT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("%sPROGRAM_SLOT: %w", EnvPrefix, err)
		}
		cfg.ProgramSlot = uint8(n)
	}
	if v := os.Getenv(EnvPrefix + "PROGRAM_FILE_NAME"); v != "" {
		cfg.ProgramFileName = v
	}
	if v := os.Getenv(EnvPrefix + "CONSOLE_BUFFER"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%sCONSOLE_BUFFER: %w", EnvPrefix, err)
		}
		cfg.ConsoleBuffer = uint32(n)
	}
	return nil
}

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate returns a *ValidationError listing every out-of-range field.
func (c *Config) Validate() error {
	ve := &ValidationError{}

	if _, err := logrus.ParseLevel(c.LogLevel); c.LogLevel != "" && err != nil {
		ve.Add("log_level %q is not a logrus level", c.LogLevel)
	}
	if c.ScanTimeout <= 0 {
		ve.Add("scan_timeout must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		ve.Add("connect_timeout must be > 0")
	}
	if c.RequestTimeout <= 0 {
		ve.Add("request_timeout must be > 0")
	}
	if c.NotificationInterval > 0 && c.NotificationInterval.Milliseconds() > 0xFFFF {
		ve.Add("notification_interval must fit in %dms", 0xFFFF)
	}
	if c.PacketInterval < 0 {
		ve.Add("packet_interval must be >= 0")
	}
	if c.FallbackChunkSize <= 0 {
		ve.Add("fallback_chunk_size must be > 0")
	}
	if c.ProgramSlot > protocol.MaxSlot {
		ve.Add("program_slot must be in 0..%d", protocol.MaxSlot)
	}
	if c.ProgramFileName == "" {
		ve.Add("program_file_name must not be empty")
	} else if len(c.ProgramFileName) > protocol.MaxFileNameLength {
		ve.Add("program_file_name must be at most %d bytes", protocol.MaxFileNameLength)
	}
	if c.ConsoleBuffer == 0 {
		ve.Add("console_buffer must be > 0")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// Level returns the parsed log level: PanicLevel when unset, InfoLevel when unparsable.
func (c *Config) Level() logrus.Level {
	if c.LogLevel == "" {
		return logrus.PanicLevel
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// DialerOptions returns the BLE dialer settings.
func (c *Config) DialerOptions() goble.Options {
	return goble.Options{
		Address:        c.HubAddress,
		ScanTimeout:    c.ScanTimeout,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// SessionOptions returns the transport session settings.
func (c *Config) SessionOptions() *transport.Options {
	return &transport.Options{
		RequestTimeout:       c.RequestTimeout,
		NotificationInterval: c.NotificationInterval,
		PacketInterval:       c.PacketInterval,
		FallbackChunkSize:    c.FallbackChunkSize,
	}
}

// RunnerOptions returns the program runner settings.
func (c *Config) RunnerOptions() *runner.Options {
	return &runner.Options{
		Slot:     c.ProgramSlot,
		FileName: c.ProgramFileName,
	}
}

// HubOptions bundles everything a hub.Hub needs.
func (c *Config) HubOptions() *hub.Options {
	return &hub.Options{
		Session:       c.SessionOptions(),
		Runner:        c.RunnerOptions(),
		ConsoleBuffer: c.ConsoleBuffer,
	}
}
