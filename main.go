// sdr-source - multi-device SDR collection tool
// This program aggregates one or more SDR receivers into a single
// multi-channel source and records every channel with GPS position and time.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sdr-source/internal/collector"
	"sdr-source/internal/config"
	"sdr-source/internal/logging"
	"sdr-source/internal/metric"
	"sdr-source/internal/version"
)

const envPrefix = "SDR_SOURCE"

// Command line flag variables
var (
	cfgFile   string  // Configuration file path
	verbose   bool    // Force debug logging
	frequency float64 // Overrides channels[0].frequency when set
	gain      float64 // Overrides channels[0].gain when set
)

// rootCmd collects when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "sdr-source",
	Short: "Multi-device SDR collection tool",
	Long: `sdr-source aggregates one or more SDR receivers (RTL-SDR dongles, rtl_tcp
servers, recordings or the simulator) into a single multi-channel source and
records every channel together with GPS position and time.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCollector(cmd)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionInfo("sdr-source"))
	},
}

func init() {
	rootCmd.Version = version.GetFullVersion()
	rootCmd.SetVersionTemplate(version.GetVersionInfo("sdr-source") + "\n")

	def := config.DefaultConfig()
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml if present)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	// Source selection
	pf.StringP("args", "a", def.Source.Args, `device arguments, e.g. "rtl=0 rtl_tcp=host:1234" (empty = first device found)`)
	pf.Float64P("sample-rate", "s", def.SampleRate, "sample rate shared by every device (Hz)")
	pf.Bool("iq-correction", def.Source.IQCorrection, "software IQ imbalance correction per channel")
	pf.Bool("lenient", def.Source.LenientGroups, "skip device groups naming no known backend")
	pf.Duration("discovery-timeout", def.Source.DiscoveryTimeout, "bound on device enumeration")
	pf.Float64VarP(&frequency, "frequency", "f", def.Channels[0].Frequency, "frequency of channel 0 (Hz)")
	pf.Float64VarP(&gain, "gain", "g", def.Channels[0].Gain, "manual gain of channel 0 (dB)")
	pf.String("time-source", def.Clock.TimeSource, `time source on every mainboard ("gps" aligns device time at startup)`)
	pf.String("clock-source", def.Clock.ClockSource, "reference clock source on every mainboard")

	// Collection
	pf.DurationP("duration", "d", def.Collection.Duration, "collection duration")
	pf.StringP("output", "o", def.Collection.OutputDir, "output directory")
	pf.Bool("synced-start", def.Collection.SyncedStart, "delay the start to the next shared sync point")
	pf.Int64("start-time", def.Collection.StartTime, "exact start as Unix seconds")
	pf.String("collection-id", def.Collection.CollectionID, "collection identifier used in file names")

	// GPS
	pf.String("gps-mode", def.GPS.Mode, "GPS mode: nmea, gpsd, or manual")
	pf.StringP("gps-port", "p", def.GPS.Port, "GPS serial port (for NMEA mode)")
	pf.String("gpsd-host", def.GPS.GPSDHost, "GPSD host address (for gpsd mode)")
	pf.String("gpsd-port", def.GPS.GPSDPort, "GPSD port (for gpsd mode)")
	pf.Float64("latitude", def.GPS.ManualLatitude, "manual latitude in decimal degrees (for manual mode)")
	pf.Float64("longitude", def.GPS.ManualLongitude, "manual longitude in decimal degrees (for manual mode)")
	pf.Float64("altitude", def.GPS.ManualAltitude, "manual altitude in meters (for manual mode)")

	// Ambient
	pf.String("log-level", def.Logging.Level, "log level (debug, info, warn, error)")
	pf.String("log-format", def.Logging.Format, "log format (text, json)")
	pf.String("log-file", def.Logging.File, "log file (default stderr)")
	pf.String("metrics-listen", def.Metrics.Listen, "serve Prometheus metrics on this address")

	// Bind command line flags to viper configuration keys
	for key, flag := range map[string]string{
		"source.args":              "args",
		"sample_rate":              "sample-rate",
		"source.iq_correction":     "iq-correction",
		"source.lenient_groups":    "lenient",
		"source.discovery_timeout": "discovery-timeout",
		"clock.time_source":        "time-source",
		"clock.clock_source":       "clock-source",
		"collection.duration":      "duration",
		"collection.output_dir":    "output",
		"collection.synced_start":  "synced-start",
		"collection.start_time":    "start-time",
		"collection.collection_id": "collection-id",
		"gps.mode":                 "gps-mode",
		"gps.port":                 "gps-port",
		"gps.gpsd_host":            "gpsd-host",
		"gps.gpsd_port":            "gpsd-port",
		"gps.manual_latitude":      "latitude",
		"gps.manual_longitude":     "longitude",
		"gps.manual_altitude":      "altitude",
		"logging.level":            "log-level",
		"logging.format":           "log-format",
		"logging.file":             "log-file",
		"metrics.listen":           "metrics-listen",
	} {
		if err := viper.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(configCmd, versionCmd)
}

// loadConfig layers defaults, the config file, SDR_SOURCE_* environment
// variables and changed flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	flags := cmd.Flags()
	if len(cfg.Channels) == 0 && (flags.Changed("frequency") || flags.Changed("gain")) {
		cfg.Channels = append(cfg.Channels, config.DefaultConfig().Channels[0])
	}
	if flags.Changed("frequency") {
		cfg.Channels[0].Frequency = frequency
	}
	if flags.Changed("gain") {
		cfg.Channels[0].GainMode = "manual"
		cfg.Channels[0].Gain = gain
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkGPS(cfg.GPS); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkGPS(gps config.GPSConfig) error {
	switch gps.Mode {
	case "manual":
		if gps.ManualLatitude < -90 || gps.ManualLatitude > 90 {
			return fmt.Errorf("invalid latitude: %.8f (must be between -90 and 90 degrees)", gps.ManualLatitude)
		}
		if gps.ManualLongitude < -180 || gps.ManualLongitude > 180 {
			return fmt.Errorf("invalid longitude: %.8f (must be between -180 and 180 degrees)", gps.ManualLongitude)
		}
		// (0,0) almost always means the coordinates were never configured
		if gps.ManualLatitude == 0.0 && gps.ManualLongitude == 0.0 {
			return fmt.Errorf("manual coordinates not specified: set gps.manual_latitude and gps.manual_longitude or use --latitude and --longitude")
		}
	case "nmea":
		if gps.Port == "" {
			return fmt.Errorf("GPS port not specified for NMEA mode")
		}
	case "gpsd":
		if gps.GPSDHost == "" || gps.GPSDPort == "" {
			return fmt.Errorf("GPSD host and port must be specified for gpsd mode")
		}
	}
	return nil
}

// startMetrics serves a registry holding the collection metrics and the Go
// runtime collectors. Without metrics.listen the metrics stay unregistered.
func startMetrics(cfg config.MetricsConfig, logger *slog.Logger) (*metric.Metrics, func(), error) {
	if cfg.Listen == "" {
		return metric.NewMetrics(), func() {}, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := metric.NewRegistered(reg)
	if err != nil {
		return nil, nil, err
	}

	server := metric.NewServer(cfg.Listen, cfg.Path, reg, logger)
	if err := server.Start(); err != nil {
		return nil, nil, err
	}
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	return metrics, stop, nil
}

// runCollector is the main application logic
func runCollector(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.Open(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug("Using config file", "path", used)
	}

	metrics, stopMetrics, err := startMetrics(cfg.Metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	defer stopMetrics()

	logger.Info("sdr-source starting",
		"args", cfg.Source.Args,
		"sample_rate", cfg.SampleRate,
		"channels", len(cfg.Channels),
		"duration", cfg.Collection.Duration,
		"output", cfg.Collection.OutputDir,
		"gps_mode", cfg.GPS.Mode)

	// Cancel everything on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := collector.NewCollector(cfg, logger, metrics)
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Shutdown reported errors", "error", err)
		}
	}()

	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}

	if _, err := c.WaitForGPSFix(ctx); err != nil {
		return fmt.Errorf("GPS initialization failed: %w", err)
	}

	result, err := c.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collection failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Collection %s completed successfully.\n", result.CollectionID)
	for i, file := range result.Files {
		fmt.Fprintf(out, "  %s (%d samples)\n", file, result.Samples[i])
	}
	return nil
}

// main is the entry point of the application
func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
