// Package config loads the capitrack configuration file. Fields omitted
// from the YAML keep their defaults, so partial configs are safe.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/capitrack/internal/capi/bx"
	"github.com/banshee-data/capitrack/internal/tracker"
)

// Connector names a transport kind.
type Connector string

const (
	ConnectorSerial Connector = "serial"
	ConnectorSocket Connector = "socket"
)

// Config is the root configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Tracking   TrackingConfig   `yaml:"tracking,omitempty"`
	Recording  RecordingConfig  `yaml:"recording,omitempty"`
	Tools      ToolsConfig      `yaml:"tools,omitempty"`
}

// ConnectionConfig selects and tunes the transport.
type ConnectionConfig struct {
	Connector Connector `yaml:"connector"`          // serial or socket
	Address   string    `yaml:"address"`            // device path or host:port
	BaudRate  int       `yaml:"baud_rate,omitempty"`
	Attempts  int       `yaml:"attempts,omitempty"` // connect retries
}

// TrackingConfig tunes the session.
type TrackingConfig struct {
	Profile       string `yaml:"profile,omitempty"`       // gbf or legacy
	FetchCommand  string `yaml:"fetch_command,omitempty"` // overrides the per-frame poll command
	LegacyOptions uint16 `yaml:"legacy_options,omitempty"`
	EnforceCRC    bool   `yaml:"enforce_crc,omitempty"`
	// CommandTimeout is a duration string like "2s".
	CommandTimeout string `yaml:"command_timeout,omitempty"`
}

// RecordingConfig names the snapshot sink.
type RecordingConfig struct {
	Database string `yaml:"database,omitempty"` // SQLite path
}

// ToolsConfig lists tool definition files to load at initialization.
type ToolsConfig struct {
	// Wireless tool definition files, each allocated a fresh port handle.
	Wireless []string `yaml:"wireless,omitempty"`
	// Wired fallback definitions keyed by port handle, used when a tool's
	// onboard memory holds no definition.
	Wired map[int]string `yaml:"wired,omitempty"`
}

// Default returns the configuration used when no file is given: a serial
// device on the conventional port.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Connector: ConnectorSerial,
			Address:   "/dev/ttyUSB0",
			Attempts:  3,
		},
		Recording: RecordingConfig{Database: "capitrack.db"},
	}
}

// Load reads path into a Config on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that have no usable zero value.
func (c *Config) Validate() error {
	switch c.Connection.Connector {
	case ConnectorSerial, ConnectorSocket:
	default:
		return fmt.Errorf("unknown connector %q", c.Connection.Connector)
	}
	if c.Connection.Address == "" {
		return fmt.Errorf("connection address is required")
	}
	switch c.Tracking.Profile {
	case "", "gbf", "legacy":
	default:
		return fmt.Errorf("unknown tracking profile %q", c.Tracking.Profile)
	}
	if c.Tracking.CommandTimeout != "" {
		if _, err := time.ParseDuration(c.Tracking.CommandTimeout); err != nil {
			return fmt.Errorf("command_timeout: %w", err)
		}
	}
	return nil
}

// SessionOptions translates the config into tracker options. The connection
// itself is built by the caller, which knows the transport packages.
func (c *Config) SessionOptions() tracker.Options {
	opts := tracker.Options{
		FetchCommand:    c.Tracking.FetchCommand,
		LegacyOptions:   bx.Options(c.Tracking.LegacyOptions),
		ConnectAttempts: c.Connection.Attempts,
	}
	if c.Tracking.CommandTimeout != "" {
		// validated at load time
		opts.CommandTimeout, _ = time.ParseDuration(c.Tracking.CommandTimeout)
	}
	if c.Tracking.Profile == "legacy" {
		opts.Profile = tracker.ProfileLegacy
	}
	opts.Decoder.EnforceCRC = c.Tracking.EnforceCRC
	return opts
}
