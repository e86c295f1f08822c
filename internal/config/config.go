// Package config provides configuration structures and defaults for sdr-source
package config

import (
	"fmt"
	"time"

	"sdr-source/internal/backend"
)

// Config represents the complete application configuration
type Config struct {
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`           // Device arguments and aggregation options
	SampleRate float64          `yaml:"sample_rate" mapstructure:"sample_rate"` // Sample rate in Hz shared by every backend
	Channels   []ChannelConfig  `yaml:"channels" mapstructure:"channels"`       // Per logical channel settings, by index
	Clock      ClockConfig      `yaml:"clock" mapstructure:"clock"`             // Time and reference clock selection
	GPS        GPSConfig        `yaml:"gps" mapstructure:"gps"`                 // GPS receiver settings
	Collection CollectionConfig `yaml:"collection" mapstructure:"collection"`   // Data collection settings
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`         // Logging configuration
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`         // Prometheus endpoint
}

// SourceConfig selects the backends that make up the aggregated source
type SourceConfig struct {
	Args             string        `yaml:"args" mapstructure:"args"`                           // Device argument string, e.g. "rtl=0 rtl_tcp=host:1234"
	IQCorrection     bool          `yaml:"iq_correction" mapstructure:"iq_correction"`         // Insert software IQ imbalance correction per channel
	LenientGroups    bool          `yaml:"lenient_groups" mapstructure:"lenient_groups"`       // Skip device groups naming no known backend
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" mapstructure:"discovery_timeout"` // Bound on device enumeration
}

// ChannelConfig contains the tuning parameters of one logical channel.
// Zero values leave the backend default in place unless noted.
type ChannelConfig struct {
	Frequency           float64 `yaml:"frequency" mapstructure:"frequency"`                       // RF frequency in Hz
	GainMode            string  `yaml:"gain_mode" mapstructure:"gain_mode"`                       // Gain mode: "auto" (AGC) or "manual"
	Gain                float64 `yaml:"gain" mapstructure:"gain"`                                 // RF gain in dB (used when GainMode is "manual")
	IFGain              float64 `yaml:"if_gain" mapstructure:"if_gain"`                           // IF gain in dB
	BBGain              float64 `yaml:"bb_gain" mapstructure:"bb_gain"`                           // Baseband gain in dB
	Antenna             string  `yaml:"antenna" mapstructure:"antenna"`                           // Antenna port name
	Bandwidth           float64 `yaml:"bandwidth" mapstructure:"bandwidth"`                       // Analog filter bandwidth in Hz (0 = automatic, always applied)
	FrequencyCorrection float64 `yaml:"frequency_correction" mapstructure:"frequency_correction"` // Frequency correction in PPM
	DCOffsetMode        string  `yaml:"dc_offset_mode" mapstructure:"dc_offset_mode"`             // DC offset removal: "off", "manual" or "auto"
	IQBalanceMode       string  `yaml:"iq_balance_mode" mapstructure:"iq_balance_mode"`           // IQ balance correction: "off", "manual" or "auto"
}

// ClockConfig selects time and frequency references on every mainboard
type ClockConfig struct {
	TimeSource  string  `yaml:"time_source" mapstructure:"time_source"`   // Time source; "gps" aligns device time to GPS at startup
	ClockSource string  `yaml:"clock_source" mapstructure:"clock_source"` // Reference clock source
	ClockRate   float64 `yaml:"clock_rate" mapstructure:"clock_rate"`     // Master clock rate in Hz (0 = device default)
}

// GPSConfig contains GPS receiver configuration parameters
type GPSConfig struct {
	Mode            string        `yaml:"mode" mapstructure:"mode"`                         // GPS mode: "nmea", "gpsd", or "manual"
	Port            string        `yaml:"port" mapstructure:"port"`                         // Serial port device path (for NMEA mode)
	BaudRate        int           `yaml:"baud_rate" mapstructure:"baud_rate"`               // Serial communication baud rate (for NMEA mode)
	GPSDHost        string        `yaml:"gpsd_host" mapstructure:"gpsd_host"`               // GPSD host address (for gpsd mode)
	GPSDPort        string        `yaml:"gpsd_port" mapstructure:"gpsd_port"`               // GPSD port (for gpsd mode)
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`                   // Timeout for GPS fix acquisition
	ManualLatitude  float64       `yaml:"manual_latitude" mapstructure:"manual_latitude"`   // Manual latitude in decimal degrees
	ManualLongitude float64       `yaml:"manual_longitude" mapstructure:"manual_longitude"` // Manual longitude in decimal degrees
	ManualAltitude  float64       `yaml:"manual_altitude" mapstructure:"manual_altitude"`   // Manual altitude in meters
}

// CollectionConfig contains data collection configuration parameters
type CollectionConfig struct {
	Duration     time.Duration `yaml:"duration" mapstructure:"duration"`           // Collection duration
	OutputDir    string        `yaml:"output_dir" mapstructure:"output_dir"`       // Output directory for data files
	FilePrefix   string        `yaml:"file_prefix" mapstructure:"file_prefix"`     // Prefix for output filenames
	CollectionID string        `yaml:"collection_id" mapstructure:"collection_id"` // Collection identifier for filename
	SyncedStart  bool          `yaml:"synced_start" mapstructure:"synced_start"`   // Start capture at the next shared sync point
	StartTime    int64         `yaml:"start_time" mapstructure:"start_time"`       // Exact start as Unix seconds (overrides synced_start)
	BufferSize   int           `yaml:"buffer_size" mapstructure:"buffer_size"`     // Samples per read call
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // Log level (debug, info, warn, error)
	Format string `yaml:"format" mapstructure:"format"` // Log format (text, json)
	File   string `yaml:"file" mapstructure:"file"`     // Log file path (empty = stderr)
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"` // Listen address, empty disables the endpoint
	Path   string `yaml:"path" mapstructure:"path"`     // HTTP path for the scrape handler
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Args:             "",              // Enumerate and use the first device found
			IQCorrection:     false,           // Leave IQ balance to the backend
			LenientGroups:    false,           // Reject unknown device groups
			DiscoveryTimeout: 3 * time.Second, // mDNS browse and USB enumeration bound
		},
		SampleRate: 2048000, // 2.048 MSps
		Channels: []ChannelConfig{
			{
				Frequency:     433.92e6, // 433.92 MHz ISM band
				GainMode:      "manual", // Manual gain control by default
				Gain:          20.7,     // 20.7 dB gain
				DCOffsetMode:  "off",
				IQBalanceMode: "off",
			},
		},
		Clock: ClockConfig{
			TimeSource:  "", // Keep the device default
			ClockSource: "", // Keep the device default
		},
		GPS: GPSConfig{
			Mode:            "nmea",           // Default to NMEA serial mode
			Port:            "/dev/ttyUSB0",   // Common USB GPS device path
			BaudRate:        9600,             // Standard NMEA baud rate
			GPSDHost:        "localhost",      // Default gpsd host
			GPSDPort:        "2947",           // Default gpsd port
			Timeout:         30 * time.Second, // 30 second GPS fix timeout
			ManualLatitude:  0.0,              // Default latitude (equator)
			ManualLongitude: 0.0,              // Default longitude (prime meridian)
			ManualAltitude:  0.0,              // Default altitude (sea level)
		},
		Collection: CollectionConfig{
			Duration:     60 * time.Second, // 60 second collection duration
			OutputDir:    "./data",         // Current directory data folder
			FilePrefix:   "sdr",            // File prefix for output files
			CollectionID: "",               // No default collection ID
			SyncedStart:  true,             // Enable synchronized start by default
			StartTime:    0,                // No exact start time
			BufferSize:   16384,            // 8 ms at 2.048 MSps
		},
		Logging: LoggingConfig{
			Level:  "info", // Info level logging
			Format: "text", // Human readable records
			File:   "",     // Log to stderr
		},
		Metrics: MetricsConfig{
			Listen: "",         // Disabled
			Path:   "/metrics", // Prometheus default
		},
	}
}

// Validate checks values that would otherwise fail deep inside a backend call.
func (c *Config) Validate() error {
	if c.SampleRate < 0 {
		return fmt.Errorf("invalid sample_rate: %g", c.SampleRate)
	}
	for i, ch := range c.Channels {
		switch ch.GainMode {
		case "", "auto", "manual":
		default:
			return fmt.Errorf("invalid channels[%d].gain_mode: %s (must be 'auto' or 'manual')", i, ch.GainMode)
		}
		if _, err := backend.ParseDCOffsetMode(ch.DCOffsetMode); err != nil {
			return fmt.Errorf("invalid channels[%d]: %w", i, err)
		}
		if _, err := backend.ParseIQBalanceMode(ch.IQBalanceMode); err != nil {
			return fmt.Errorf("invalid channels[%d]: %w", i, err)
		}
		if ch.Bandwidth < 0 {
			return fmt.Errorf("invalid channels[%d].bandwidth: %g", i, ch.Bandwidth)
		}
	}
	switch c.GPS.Mode {
	case "nmea", "gpsd", "manual":
	default:
		return fmt.Errorf("invalid gps.mode: %s (must be 'nmea', 'gpsd', or 'manual')", c.GPS.Mode)
	}
	if c.Collection.Duration <= 0 {
		return fmt.Errorf("invalid collection.duration: %s", c.Collection.Duration)
	}
	if c.Collection.BufferSize <= 0 {
		return fmt.Errorf("invalid collection.buffer_size: %d", c.Collection.BufferSize)
	}
	return nil
}
