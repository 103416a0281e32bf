package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/capitrack/internal/monitoring"
	"github.com/banshee-data/capitrack/internal/recorder"
	"github.com/banshee-data/capitrack/internal/tracker"
	"github.com/banshee-data/capitrack/internal/version"
)

var (
	trackStream bool
	trackRecord bool
	trackPrint  bool
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Initialize the device and track until interrupted",
	Long: `Connects, provisions every allocated port handle, and runs the
tracking loop until Ctrl-C. With --stream the device pushes frames instead
of being polled; with --record every frame's tool poses are written to the
configured SQLite database.`,
	RunE: runTrack,
}

func init() {
	trackCmd.Flags().BoolVar(&trackStream, "stream", false, "Use streamed frames instead of polling")
	trackCmd.Flags().BoolVar(&trackRecord, "record", false, "Record tool poses to the database")
	trackCmd.Flags().BoolVar(&trackPrint, "print", true, "Print tool poses as they arrive")
}

func runTrack(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	if err := loadToolDefinitions(cfg, s); err != nil {
		return err
	}
	if err := s.Initialize(); err != nil {
		return err
	}
	if err := s.StartTracking(); err != nil {
		return err
	}

	if trackStream {
		if err := s.StartStreaming(); err != nil {
			return err
		}
	}
	if trackRecord {
		store, err := recorder.Open(cfg.Recording.Database)
		if err != nil {
			return fmt.Errorf("open recording database: %w", err)
		}
		defer store.Close()
		if err := s.StartRecording(store); err != nil {
			return err
		}
	}

	if trackPrint {
		s.Watch(func(snap tracker.Snapshot) {
			for _, tool := range snap.Tools {
				fmt.Printf("frame %d  tool %02X  %s\n", snap.Frame, tool.Handle, tool.Pose)
			}
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	monitoring.Log().Info().Msg("shutting down")
	return s.StopTracking()
}

var getCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Read device parameters",
	Long: `Reads one or more device parameters. NAME may use the device's
wildcard syntax, e.g. 'Param.Tracking.*'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer s.Disconnect()

		params, err := s.GetParameters(args[0])
		if err != nil {
			return err
		}
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s=%s\n", name, params[name])
		}
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Write a device parameter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer s.Disconnect()
		return s.SetParameter(args[0], args[1])
	},
}

var beepCmd = &cobra.Command{
	Use:   "beep [COUNT]",
	Short: "Sound the device beeper",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count := 1
		if len(args) == 1 {
			var err error
			if count, err = strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("beep count %q: %w", args[0], err)
			}
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer s.Disconnect()
		return s.Beep(count)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Hard-reset the device",
	Long: `Issues a hard reset, using the serial break signal when connected
over serial. The device reboots and must be re-initialized before tracking.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer s.Disconnect()

		start := time.Now()
		if err := s.Reset(); err != nil {
			return err
		}
		monitoring.Log().Info().Dur("took", time.Since(start)).Msg("device reset")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and device version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("capitrack %s (commit: %s)\n\n", version.Version, version.GitSHA)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer s.Disconnect()

		info, err := s.Version(0)
		if err != nil {
			return err
		}
		for _, key := range []string{"fw_type", "serial_number", "char_date", "freeze_tag", "freeze_date", "copyright"} {
			if v, ok := info[key]; ok {
				fmt.Printf("%-14s %s\n", key, v)
			}
		}
		return nil
	},
}
