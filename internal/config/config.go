// Package config loads the bridge configuration.
//
// Configuration comes from DefaultConfig, optionally overlaid by a single
// file named by the --config flag or the VITALS_BRIDGE_CONFIG environment
// variable. Files ending in .yaml/.yml are YAML; .json/.jsonc are JSON with
// comments and trailing commas allowed. Command-line flags are applied by
// the caller after loading.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/vitals-bridge/internal/bridge"
	"github.com/dj-oyu/vitals-bridge/internal/framing"
	"github.com/dj-oyu/vitals-bridge/internal/ingest"
	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/internal/telemetry"
)

// EnvConfigPath names the environment variable consulted when no config
// path is given explicitly.
const EnvConfigPath = "VITALS_BRIDGE_CONFIG"

// Config is the complete bridge configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" json:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	Preview   PreviewConfig   `yaml:"preview" json:"preview"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Sink      SinkConfig      `yaml:"sink" json:"sink"`
	Sensing   SensingConfig   `yaml:"sensing" json:"sensing"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	Color bool   `yaml:"color" json:"color"`
}

// TelemetryConfig configures the outbound vitals connection.
type TelemetryConfig struct {
	// Host must be a numeric IP address.
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port" json:"port"`
	DialTimeout Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// Payload is "detailed" or "summary".
	Payload         string   `yaml:"payload" json:"payload"`
	RetryInterval   Duration `yaml:"retry_interval" json:"retry_interval"`
	MaxSendFailures int      `yaml:"max_send_failures" json:"max_send_failures"`
}

// IngestConfig configures the inbound video listener.
type IngestConfig struct {
	Host             string `yaml:"host" json:"host"`
	Port             int    `yaml:"port" json:"port"`
	MaxFrameSize     uint32 `yaml:"max_frame_size" json:"max_frame_size"`
	Width            int    `yaml:"width" json:"width"`
	Height           int    `yaml:"height" json:"height"`
	ResizeToExpected bool   `yaml:"resize_to_expected" json:"resize_to_expected"`
	Reaccept         bool   `yaml:"reaccept" json:"reaccept"`
}

// PreviewConfig configures the HTTP preview. An empty Addr disables it.
type PreviewConfig struct {
	Addr           string   `yaml:"addr" json:"addr"`
	StatusInterval Duration `yaml:"status_interval" json:"status_interval"`
	JPEGQuality    int      `yaml:"jpeg_quality" json:"jpeg_quality"`
	MaxRTCClients  int      `yaml:"max_rtc_clients" json:"max_rtc_clients"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// SinkConfig configures the `sink` command.
type SinkConfig struct {
	Listen   string `yaml:"listen" json:"listen"`
	HTTPAddr string `yaml:"http_addr" json:"http_addr"`
}

// SensingConfig selects the sensing event source for `serve`.
type SensingConfig struct {
	// Replay is an NDJSON recording of sensing output. Empty means none.
	Replay string `yaml:"replay" json:"replay"`
	Pace   bool   `yaml:"pace" json:"pace"`
}

// DefaultConfig returns the reference deployment settings.
func DefaultConfig() Config {
	tel := telemetry.DefaultConfig()
	ing := ingest.DefaultConfig()
	pol := bridge.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Host:            tel.Host,
			Port:            tel.Port,
			Payload:         string(pol.Payload),
			RetryInterval:   Duration(pol.RetryInterval),
			MaxSendFailures: pol.MaxSendFailures,
		},
		Ingest: IngestConfig{
			Port:         ing.Port,
			MaxFrameSize: ing.MaxFrameSize,
			Width:        ing.Width,
			Height:       ing.Height,
			Reaccept:     pol.Reaccept,
		},
		Preview: PreviewConfig{
			Addr:           ":8080",
			StatusInterval: Duration(time.Second),
			JPEGQuality:    80,
			MaxRTCClients:  4,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Sink: SinkConfig{
			Listen:   "0.0.0.0:5555",
			HTTPAddr: ":5000",
		},
	}
}

// Load returns DefaultConfig overlaid with the file at path. An empty path
// falls back to $VITALS_BRIDGE_CONFIG; if that is unset too the defaults are
// returned unchanged. The result is validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	default:
		return fmt.Errorf("%s: unsupported config format (want .yaml, .yml, .json or .jsonc)", path)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if _, err := netip.ParseAddr(c.Telemetry.Host); err != nil {
		errs = append(errs, fmt.Errorf("telemetry.host must be a numeric IP address, got %q", c.Telemetry.Host))
	}
	if !validPort(c.Telemetry.Port) {
		errs = append(errs, fmt.Errorf("telemetry.port out of range: %d", c.Telemetry.Port))
	}
	if _, err := bridge.ParsePayload(c.Telemetry.Payload); err != nil {
		errs = append(errs, fmt.Errorf("telemetry.payload: %w", err))
	}
	if c.Telemetry.RetryInterval < 0 || c.Telemetry.DialTimeout < 0 {
		errs = append(errs, errors.New("telemetry durations must not be negative"))
	}
	if c.Telemetry.MaxSendFailures < 0 {
		errs = append(errs, fmt.Errorf("telemetry.max_send_failures must not be negative"))
	}

	if c.Ingest.Host != "" {
		if _, err := netip.ParseAddr(c.Ingest.Host); err != nil {
			errs = append(errs, fmt.Errorf("ingest.host must be a numeric IP address, got %q", c.Ingest.Host))
		}
	}
	// Port 0 picks an ephemeral port.
	if c.Ingest.Port < 0 || c.Ingest.Port > 65535 {
		errs = append(errs, fmt.Errorf("ingest.port out of range: %d", c.Ingest.Port))
	}
	if c.Ingest.MaxFrameSize > framing.MaxFrameSize {
		errs = append(errs, fmt.Errorf("ingest.max_frame_size exceeds %d", framing.MaxFrameSize))
	}
	if c.Ingest.Width < 0 || c.Ingest.Height < 0 {
		errs = append(errs, errors.New("ingest.width and ingest.height must not be negative"))
	}
	if c.Ingest.ResizeToExpected && (c.Ingest.Width == 0 || c.Ingest.Height == 0) {
		errs = append(errs, errors.New("ingest.resize_to_expected needs ingest.width and ingest.height"))
	}

	if c.Preview.JPEGQuality < 1 || c.Preview.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("preview.jpeg_quality must be 1..100, got %d", c.Preview.JPEGQuality))
	}
	if c.Preview.StatusInterval <= 0 {
		errs = append(errs, errors.New("preview.status_interval must be positive"))
	}

	for name, addr := range map[string]string{
		"preview.addr":   c.Preview.Addr,
		"metrics.addr":   c.Metrics.Addr,
		"sink.listen":    c.Sink.Listen,
		"sink.http_addr": c.Sink.HTTPAddr,
	} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// PublisherConfig returns the telemetry publisher settings.
func (c Config) PublisherConfig() telemetry.Config {
	return telemetry.Config{
		Host:        c.Telemetry.Host,
		Port:        c.Telemetry.Port,
		DialTimeout: time.Duration(c.Telemetry.DialTimeout),
	}
}

// IngestServerConfig returns the ingest server settings.
func (c Config) IngestServerConfig() ingest.Config {
	return ingest.Config{
		Host:             c.Ingest.Host,
		Port:             c.Ingest.Port,
		MaxFrameSize:     c.Ingest.MaxFrameSize,
		Width:            c.Ingest.Width,
		Height:           c.Ingest.Height,
		ResizeToExpected: c.Ingest.ResizeToExpected,
	}
}

// BridgeConfig returns the coordinator policy.
func (c Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		Payload:         bridge.Payload(c.Telemetry.Payload),
		Reaccept:        c.Ingest.Reaccept,
		RetryInterval:   time.Duration(c.Telemetry.RetryInterval),
		MaxSendFailures: c.Telemetry.MaxSendFailures,
	}
}
