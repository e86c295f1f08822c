// sdr-probe - inspect devices and recordings
// Lists the devices every built-in backend can find, shows the channels and
// controls of an aggregated source, and summarizes IQ recordings.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"sdr-source/internal/backend"
	"sdr-source/internal/backend/registry"
	"sdr-source/internal/iqfile"
	"sdr-source/internal/logging"
	"sdr-source/internal/source"
	"sdr-source/internal/version"
)

var (
	deviceArgs   string
	timeout      time.Duration
	outputFormat string
	showStats    bool
	verbose      bool
	backendType  string
	listTypes    bool
)

var rootCmd = &cobra.Command{
	Use:          "sdr-probe",
	Short:        "Inspect SDR devices and IQ recordings",
	Version:      version.GetFullVersion(),
	SilenceUsage: true,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices found by every built-in backend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.New()
		if err != nil {
			return err
		}
		if listTypes {
			return listBackends(cmd.OutOrStdout(), reg)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return listDevices(ctx, cmd.OutOrStdout(), reg, backendType)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Open a source and describe its channels",
	RunE: func(cmd *cobra.Command, _ []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		logger, err := logging.New(cmd.ErrOrStderr(), level, "text")
		if err != nil {
			return err
		}
		src, err := source.New(cmd.Context(), deviceArgs,
			source.WithLogger(logger),
			source.WithDiscoveryTimeout(timeout))
		if err != nil {
			return err
		}
		defer src.Close()
		return describeSource(cmd.OutOrStdout(), src)
	},
}

var readCmd = &cobra.Command{
	Use:   "read [file.dat]",
	Short: "Display the header and sample summary of a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return displayFile(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.SetVersionTemplate(version.GetVersionInfo("sdr-probe") + "\n")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", source.DefaultDiscoveryTimeout, "device discovery timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log backend activity")

	devicesCmd.Flags().StringVar(&backendType, "type", "", "only query this backend type (name or alias)")
	devicesCmd.Flags().BoolVar(&listTypes, "backends", false, "list the built-in backend types instead of devices")

	infoCmd.Flags().StringVarP(&deviceArgs, "args", "a", "", "device arguments (empty = first device found)")

	readCmd.Flags().StringVarP(&outputFormat, "format", "f", "table", "output format (table, json)")
	readCmd.Flags().BoolVar(&showStats, "stats", false, "show statistical analysis of samples")

	rootCmd.AddCommand(devicesCmd, infoCmd, readCmd)
}

func listBackends(w io.Writer, reg *backend.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tALIASES\tDESCRIPTION")
	for _, d := range reg.Descriptors() {
		aliases := "-"
		if len(d.Aliases) > 0 {
			aliases = strings.Join(d.Aliases, ", ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, aliases, d.Description)
	}
	return tw.Flush()
}

// listDevices enumerates every backend type, or only kind when it is set.
func listDevices(ctx context.Context, w io.Writer, reg *backend.Registry, kind string) error {
	enumerate := reg.Enumerate
	if kind != "" {
		d, err := reg.Lookup(kind)
		if err != nil {
			return err
		}
		if d.Enumerate == nil {
			return fmt.Errorf("backend %s cannot list devices", d.Name)
		}
		enumerate = d.Enumerate
	}

	devices, err := enumerate(ctx)
	if len(devices) == 0 {
		if err != nil {
			return fmt.Errorf("no devices found: %w", err)
		}
		fmt.Fprintln(w, "No devices found")
		return nil
	}
	for i, dev := range devices {
		fmt.Fprintf(w, "%2d: %s\n", i, dev)
	}
	if err != nil {
		fmt.Fprintf(w, "\nSome backends failed: %v\n", err)
	}
	return nil
}

func formatRange(r backend.Ranges, unit float64, suffix string) string {
	if r.Empty() {
		return "-"
	}
	if r.Start() == r.Stop() {
		return fmt.Sprintf("%g %s", r.Start()/unit, suffix)
	}
	return fmt.Sprintf("%g..%g %s", r.Start()/unit, r.Stop()/unit, suffix)
}

func describeSource(w io.Writer, src *source.Source) error {
	fmt.Fprintf(w, "Backends:\n")
	for i, b := range src.Backends() {
		fmt.Fprintf(w, "  %d: %s (%d channels)\n", i, b.Name(), b.NumChannels())
	}
	if leftover := src.LeftoverGroups(); len(leftover) > 0 {
		fmt.Fprintf(w, "Unused groups:\n")
		for _, g := range leftover {
			fmt.Fprintf(w, "  %s\n", g)
		}
	}
	fmt.Fprintf(w, "Sample rate: %.3f MSps (supported %s)\n", src.SampleRate()/1e6, formatRange(src.SampleRates(), 1e6, "MSps"))
	timeSources, err := src.TimeSources(0)
	if err != nil {
		return err
	}
	clockSources, err := src.ClockSources(0)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Time sources: %s\n", strings.Join(timeSources, ", "))
	fmt.Fprintf(w, "Clock sources: %s\n\n", strings.Join(clockSources, ", "))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CH\tFREQ (MHz)\tRANGE\tGAIN (dB)\tSTAGES\tANTENNA\tBANDWIDTH")
	for ch := 0; ch < src.NumChannels(); ch++ {
		var stages []string
		for _, name := range src.GainNames(ch) {
			stages = append(stages, fmt.Sprintf("%s[%s]", name, formatRange(src.NamedGainRange(name, ch), 1, "dB")))
		}
		fmt.Fprintf(tw, "%d\t%.3f\t%s\t%.1f (%s)\t%s\t%s\t%s\n",
			ch,
			src.CenterFreq(ch)/1e6,
			formatRange(src.FreqRange(ch), 1e6, "MHz"),
			src.Gain(ch),
			formatRange(src.GainRange(ch), 1, "dB"),
			strings.Join(stages, " "),
			strings.Join(src.Antennas(ch), "/"),
			formatRange(src.BandwidthRange(ch), 1e6, "MHz"))
	}
	return tw.Flush()
}

// recordingSummary is the json form of a recording header
type recordingSummary struct {
	File         string       `json:"file"`
	Version      uint16       `json:"format_version"`
	CollectionID string       `json:"collection_id"`
	Channel      uint16       `json:"channel"`
	Frequency    uint64       `json:"frequency_hz"`
	SampleRate   uint32       `json:"sample_rate"`
	Samples      uint32       `json:"samples"`
	Duration     float64      `json:"duration_s"`
	Collected    time.Time    `json:"collection_time"`
	GPSTime      time.Time    `json:"gps_time"`
	Latitude     float64      `json:"latitude"`
	Longitude    float64      `json:"longitude"`
	Altitude     float64      `json:"altitude"`
	Device       string       `json:"device"`
	Stats        *sampleStats `json:"stats,omitempty"`
}

type sampleStats struct {
	MeanMagnitude float64 `json:"mean_magnitude"`
	StdMagnitude  float64 `json:"std_magnitude"`
	PeakMagnitude float64 `json:"peak_magnitude"`
	MeanPowerDB   float64 `json:"mean_power_db"`
}

func summarize(filename string, withStats bool) (*recordingSummary, error) {
	metadata, count, err := iqfile.ReadMetadata(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	summary := &recordingSummary{
		File:         filepath.Base(filename),
		Version:      metadata.FileFormatVersion,
		CollectionID: metadata.CollectionID,
		Channel:      metadata.Channel,
		Frequency:    metadata.Frequency,
		SampleRate:   metadata.SampleRate,
		Samples:      count,
		Collected:    metadata.CollectionTime,
		GPSTime:      metadata.GPSTimestamp,
		Latitude:     metadata.GPSLocation.Latitude,
		Longitude:    metadata.GPSLocation.Longitude,
		Altitude:     metadata.GPSLocation.Altitude,
		Device:       metadata.DeviceInfo,
	}
	if metadata.SampleRate > 0 {
		summary.Duration = float64(count) / float64(metadata.SampleRate)
	}

	if withStats && count > 0 {
		_, samples, err := iqfile.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read samples: %w", err)
		}
		summary.Stats = computeStats(samples)
	}
	return summary, nil
}

func computeStats(samples []complex64) *sampleStats {
	mags := make([]float64, len(samples))
	var power, peak float64
	for i, s := range samples {
		mags[i] = cmplx.Abs(complex128(s))
		power += mags[i] * mags[i]
		peak = max(peak, mags[i])
	}
	mean, std := stat.MeanStdDev(mags, nil)
	if len(mags) < 2 {
		std = 0
	}
	return &sampleStats{
		MeanMagnitude: mean,
		StdMagnitude:  std,
		PeakMagnitude: peak,
		MeanPowerDB:   10 * math.Log10(max(power/float64(len(samples)), 1e-20)),
	}
}

func displayFile(w io.Writer, filename string) error {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", filename)
	}

	summary, err := summarize(filename, showStats)
	if err != nil {
		return err
	}

	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	case "table":
	default:
		return fmt.Errorf("invalid format: %s (must be table or json)", outputFormat)
	}

	fmt.Fprintf(w, "File: %s\n", summary.File)
	fmt.Fprintf(w, "File Format Version: %d\n", summary.Version)
	fmt.Fprintf(w, "Collection ID: %s\n", summary.CollectionID)
	fmt.Fprintf(w, "Channel: %d\n", summary.Channel)
	fmt.Fprintf(w, "Frequency: %.3f MHz\n", float64(summary.Frequency)/1e6)
	fmt.Fprintf(w, "Sample Rate: %.3f MSps\n", float64(summary.SampleRate)/1e6)
	fmt.Fprintf(w, "Samples: %d (%.3f s)\n", summary.Samples, summary.Duration)
	fmt.Fprintf(w, "Collection Time: %s\n", summary.Collected.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(w, "GPS Timestamp: %s\n", summary.GPSTime.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(w, "GPS Latitude: %14.8f°\n", summary.Latitude)
	fmt.Fprintf(w, "GPS Longitude: %14.8f°\n", summary.Longitude)
	fmt.Fprintf(w, "GPS Altitude: %14.2f m\n", summary.Altitude)
	fmt.Fprintf(w, "Device: %s\n", summary.Device)

	if st := summary.Stats; st != nil {
		fmt.Fprintf(w, "\nMagnitude: mean %.6f, std %.6f, peak %.6f\n", st.MeanMagnitude, st.StdMagnitude, st.PeakMagnitude)
		fmt.Fprintf(w, "Mean Power: %.2f dB\n", st.MeanPowerDB)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
