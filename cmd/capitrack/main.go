// Capitrack is a command-line client for optical and electromagnetic
// tracking devices speaking the combined ASCII/binary command protocol over
// serial or TCP.
//
// Usage:
//
//	capitrack [command] [flags]
//
// See 'capitrack --help' for available commands.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/banshee-data/capitrack/internal/config"
	"github.com/banshee-data/capitrack/internal/monitoring"
	"github.com/banshee-data/capitrack/internal/tracker"
	"github.com/banshee-data/capitrack/internal/transport"
	"github.com/banshee-data/capitrack/internal/version"
)

var (
	configPath string
	connector  string
	address    string
	baudRate   int
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "capitrack",
	Short: "Client for CAPI motion-tracking devices",
	Long: `Capitrack drives optical and electromagnetic tracking devices over
serial or TCP: provisioning port handles, polling or streaming tracking
frames, and recording tool poses to SQLite.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		monitoring.SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger())
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&connector, "connector", "", "Transport kind (serial, socket)")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "Device path or host:port")
	rootCmd.PersistentFlags().IntVar(&baudRate, "baud", 0, "Serial baud rate")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(beepCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig merges the config file, if any, with command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if connector != "" {
		cfg.Connection.Connector = config.Connector(connector)
	}
	if address != "" {
		cfg.Connection.Address = address
	}
	if baudRate != 0 {
		cfg.Connection.BaudRate = baudRate
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildConnection turns the connection config into a concrete transport.
func buildConnection(cfg *config.Config) (transport.Connection, error) {
	switch cfg.Connection.Connector {
	case config.ConnectorSerial:
		return transport.NewSerial(cfg.Connection.Address, transport.SerialOptions{
			BaudRate: cfg.Connection.BaudRate,
		}), nil
	case config.ConnectorSocket:
		host, portStr, err := net.SplitHostPort(cfg.Connection.Address)
		if err != nil {
			return nil, fmt.Errorf("socket address %q: %w", cfg.Connection.Address, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("socket port %q: %w", portStr, err)
		}
		return transport.NewSocket(host, port), nil
	default:
		return nil, fmt.Errorf("unknown connector %q", cfg.Connection.Connector)
	}
}

// newSession builds a connected session from the effective config.
func newSession(cfg *config.Config) (*tracker.Session, error) {
	conn, err := buildConnection(cfg)
	if err != nil {
		return nil, err
	}
	opts := cfg.SessionOptions()
	opts.Conn = conn
	if len(cfg.Tools.Wired) > 0 {
		opts.WiredDefinitions = make(map[int][]byte)
		for handle, path := range cfg.Tools.Wired {
			rom, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read tool definition %s: %w", path, err)
			}
			opts.WiredDefinitions[handle] = rom
		}
	}
	s, err := tracker.NewSession(opts)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadToolDefinitions uploads the configured wireless tool definitions and
// collects the wired fallbacks.
func loadToolDefinitions(cfg *config.Config, s *tracker.Session) error {
	for _, path := range cfg.Tools.Wireless {
		rom, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read tool definition %s: %w", path, err)
		}
		handle, err := s.Registry().LoadWireless(s, rom)
		if err != nil {
			return fmt.Errorf("load tool definition %s: %w", path, err)
		}
		monitoring.Log().Info().Str("file", path).Int("handle", handle).Msg("wireless tool loaded")
	}
	return nil
}
