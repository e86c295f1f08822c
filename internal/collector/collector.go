// Package collector captures every logical channel of an aggregated source
// into per-channel IQ recordings stamped with GPS position and time.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"sdr-source/internal/backend"
	"sdr-source/internal/config"
	"sdr-source/internal/gps"
	"sdr-source/internal/iqfile"
	"sdr-source/internal/metric"
	"sdr-source/internal/source"
)

type Collector struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metric.Metrics

	sourceOpts []source.Option
	source     *source.Source
	gps        gps.Receiver

	now func() time.Time
}

// Result lists the recordings written by one collection.
type Result struct {
	CollectionID string
	Files        []string
	Samples      []int
}

// NewCollector prepares a collector. extra options are passed to source.New
// after the ones derived from cfg.
func NewCollector(cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics, extra ...source.Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = metric.NewMetrics()
	}
	return &Collector{
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		sourceOpts: extra,
		now:        time.Now,
	}
}

// Initialize opens the source, applies the channel and clock settings, starts
// the GPS receiver and creates the output directory.
func (c *Collector) Initialize(ctx context.Context) error {
	opts := []source.Option{
		source.WithLogger(c.logger),
		source.WithMetrics(c.metrics),
		source.WithIQCorrection(c.config.Source.IQCorrection),
		source.WithDiscoveryTimeout(c.config.Source.DiscoveryTimeout),
	}
	if c.config.Source.LenientGroups {
		opts = append(opts, source.WithLenientGroups())
	}

	src, err := source.New(ctx, c.config.Source.Args, append(opts, c.sourceOpts...)...)
	if err != nil {
		return fmt.Errorf("failed to initialize source: %w", err)
	}
	c.source = src

	if err := c.configureSource(); err != nil {
		return err
	}

	c.gps, err = gps.Open(c.config.GPS, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize GPS: %w", err)
	}
	if err := c.gps.Start(); err != nil {
		return fmt.Errorf("failed to start GPS: %w", err)
	}

	if err := os.MkdirAll(c.config.Collection.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// Source returns the aggregated source once initialized.
func (c *Collector) Source() *source.Source { return c.source }

func (c *Collector) configureSource() error {
	src := c.source

	if c.config.SampleRate > 0 {
		rate, err := src.SetSampleRate(c.config.SampleRate)
		if err != nil {
			return fmt.Errorf("failed to set sample rate: %w", err)
		}
		c.logger.Info("Sample rate set", "requested", c.config.SampleRate, "applied", rate)
	}

	for ch, cc := range c.config.Channels {
		if ch >= src.NumChannels() {
			c.logger.Warn("Ignoring settings for missing channel", "channel", ch, "channels", src.NumChannels())
			break
		}
		if err := c.configureChannel(ch, cc); err != nil {
			return fmt.Errorf("failed to configure channel %d: %w", ch, err)
		}
	}

	clock := c.config.Clock
	if clock.ClockSource != "" {
		if err := src.SetClockSource(clock.ClockSource, source.AllMainboards); err != nil {
			return fmt.Errorf("failed to set clock source: %w", err)
		}
	}
	if clock.ClockRate > 0 {
		if err := src.SetClockRate(clock.ClockRate, source.AllMainboards); err != nil {
			return fmt.Errorf("failed to set clock rate: %w", err)
		}
	}
	if clock.TimeSource != "" {
		if err := src.SetTimeSource(clock.TimeSource, source.AllMainboards); err != nil {
			return fmt.Errorf("failed to set time source: %w", err)
		}
	}
	return nil
}

func (c *Collector) configureChannel(ch int, cc config.ChannelConfig) error {
	src := c.source

	if cc.Frequency > 0 {
		freq, err := src.SetCenterFreq(cc.Frequency, ch)
		if err != nil {
			return err
		}
		c.logger.Info("Tuned", "channel", ch, "freq", freq)
	}
	if cc.FrequencyCorrection != 0 {
		if _, err := src.SetFreqCorr(cc.FrequencyCorrection, ch); err != nil {
			return err
		}
	}

	if _, err := src.SetGainMode(cc.GainMode == "auto", ch); err != nil {
		return err
	}
	if cc.GainMode != "auto" {
		gain, err := src.SetGain(cc.Gain, ch)
		if err != nil {
			return err
		}
		c.logger.Info("Gain set", "channel", ch, "requested", cc.Gain, "applied", gain)
	}
	if cc.IFGain > 0 {
		if _, err := src.SetIFGain(cc.IFGain, ch); err != nil {
			return err
		}
	}
	if cc.BBGain > 0 {
		if _, err := src.SetBBGain(cc.BBGain, ch); err != nil {
			return err
		}
	}

	if cc.Antenna != "" {
		if _, err := src.SetAntenna(cc.Antenna, ch); err != nil {
			return err
		}
	}
	if _, err := src.SetBandwidth(cc.Bandwidth, ch); err != nil {
		return err
	}

	dcMode, err := backend.ParseDCOffsetMode(cc.DCOffsetMode)
	if err != nil {
		return err
	}
	if err := src.SetDCOffsetMode(dcMode, ch); err != nil {
		return err
	}
	iqMode, err := backend.ParseIQBalanceMode(cc.IQBalanceMode)
	if err != nil {
		return err
	}
	return src.SetIQBalanceMode(iqMode, ch)
}

// WaitForGPSFix blocks until the receiver reports a fix or gps.timeout
// expires. With clock.time_source "gps" it then aligns device time on every
// mainboard to GPS time at the next PPS edge.
func (c *Collector) WaitForGPSFix(ctx context.Context) (*gps.Position, error) {
	if c.config.GPS.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.GPS.Timeout)
		defer cancel()
	}

	c.logger.Info("Waiting for GPS fix", "mode", c.config.GPS.Mode, "timeout", c.config.GPS.Timeout)
	pos, err := c.gps.WaitForFix(ctx)
	if err != nil {
		return nil, fmt.Errorf("GPS fix failed: %w", err)
	}
	c.logger.Info("GPS fix acquired",
		"lat", pos.Latitude,
		"lon", pos.Longitude,
		"quality", c.gps.FixQualityString(),
		"satellites", pos.Satellites)

	if c.config.Clock.TimeSource == "gps" {
		if err := c.alignDeviceTime(pos); err != nil {
			return pos, err
		}
	}
	return pos, nil
}

// alignDeviceTime latches the GPS second following pos on every mainboard at
// the next PPS edge.
func (c *Collector) alignDeviceTime(pos *gps.Position) error {
	if pos.Time.IsZero() {
		c.logger.Warn("GPS reported no time of day, device time not aligned")
		return nil
	}

	next := pos.Time.Truncate(time.Second).Add(time.Second)
	if err := c.source.SetTimeUnknownPPS(time.Duration(next.UnixNano())); err != nil {
		return fmt.Errorf("failed to align device time: %w", err)
	}
	c.logger.Info("Device time aligned to GPS", "pps_time", next.Format(time.RFC3339))
	return nil
}

// Collect waits for the configured start time, captures every channel in
// parallel and writes one recording per channel.
func (c *Collector) Collect(ctx context.Context) (*Result, error) {
	startTime, err := c.waitForStart(ctx)
	if err != nil {
		return nil, err
	}

	collectionID := c.collectionID(startTime)
	rate := c.source.SampleRate()
	total := int(rate * c.config.Collection.Duration.Seconds())
	if total <= 0 {
		return nil, fmt.Errorf("nothing to collect at %g sps for %s", rate, c.config.Collection.Duration)
	}

	nchan := c.source.NumChannels()
	metadata := make([]iqfile.Metadata, nchan)
	for ch := range metadata {
		metadata[ch] = c.channelMetadata(ch, collectionID)
	}

	c.logger.Info("Starting collection",
		"id", collectionID,
		"duration", c.config.Collection.Duration,
		"channels", nchan,
		"samples_per_channel", total)

	captureTime := c.now()
	samples := make([][]complex64, nchan)
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	for ch := 0; ch < nchan; ch++ {
		p.Go(func(ctx context.Context) error {
			data, err := c.capture(ctx, ch, total)
			if err != nil {
				return fmt.Errorf("channel %d: %w", ch, err)
			}
			samples[ch] = data
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("collection failed: %w", err)
	}

	position := c.currentPosition()

	result := &Result{CollectionID: collectionID}
	for ch := 0; ch < nchan; ch++ {
		md := metadata[ch]
		md.CollectionTime = captureTime
		md.GPSLocation = iqfile.GPSLocation{
			Latitude:  position.Latitude,
			Longitude: position.Longitude,
			Altitude:  position.Altitude,
		}
		md.GPSTimestamp = position.Time

		filename := filepath.Join(c.config.Collection.OutputDir, fmt.Sprintf("%s_ch%d.dat", collectionID, ch))
		if err := iqfile.WriteFile(filename, md, samples[ch]); err != nil {
			return result, fmt.Errorf("failed to save channel %d: %w", ch, err)
		}
		result.Files = append(result.Files, filename)
		result.Samples = append(result.Samples, len(samples[ch]))
		c.logger.Info("Collection saved", "channel", ch, "file", filename, "samples", len(samples[ch]))
	}
	return result, nil
}

// capture reads up to total samples from ch. A replay that ends early yields
// a shorter capture.
func (c *Collector) capture(ctx context.Context, ch, total int) ([]complex64, error) {
	start := c.now()
	defer func() {
		c.metrics.CaptureSeconds.WithLabelValues(strconv.Itoa(ch)).Observe(time.Since(start).Seconds())
	}()

	bufSize := c.config.Collection.BufferSize
	data := make([]complex64, total)
	read := 0
	for read < total {
		n, err := c.source.Read(ctx, ch, data[read:min(read+bufSize, total)])
		read += n
		if errors.Is(err, io.EOF) {
			c.logger.Warn("Channel ended before collection finished", "channel", ch, "samples", read)
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return data[:read], nil
}

func (c *Collector) channelMetadata(ch int, collectionID string) iqfile.Metadata {
	src := c.source
	info := fmt.Sprintf("%s channel %d, gain %.1f dB (%s), antenna %s",
		c.deviceName(ch), ch, src.Gain(ch), gainModeString(src.GainMode(ch)), src.Antenna(ch))

	return iqfile.Metadata{
		Frequency:         uint64(src.CenterFreq(ch)),
		SampleRate:        uint32(src.SampleRate()),
		Channel:           uint16(ch),
		DeviceInfo:        info,
		FileFormatVersion: iqfile.FormatVersion,
		CollectionID:      collectionID,
	}
}

func gainModeString(automatic bool) string {
	if automatic {
		return "AGC"
	}
	return "manual"
}

// deviceName returns the name of the backend serving logical channel ch.
func (c *Collector) deviceName(ch int) string {
	for _, b := range c.source.Backends() {
		if ch < b.NumChannels() {
			return b.Name()
		}
		ch -= b.NumChannels()
	}
	return "unknown"
}

func (c *Collector) currentPosition() gps.Position {
	pos, err := c.gps.CurrentPosition()
	if err != nil {
		c.logger.Warn("No GPS position for metadata", "error", err)
		return gps.Position{}
	}
	return *pos
}

func (c *Collector) waitForStart(ctx context.Context) (time.Time, error) {
	var startTime time.Time
	switch {
	case c.config.Collection.StartTime > 0:
		startTime = time.Unix(c.config.Collection.StartTime, 0)
		if wait := startTime.Sub(c.now()); wait < -10*time.Second {
			return time.Time{}, fmt.Errorf("start time is too far in the past: %s", startTime.Format("15:04:05.000"))
		}
		c.logger.Info("Exact start time specified", "start", startTime.Format("15:04:05.000"))
	case c.config.Collection.SyncedStart:
		startTime = c.calculateSyncedStartTime()
		c.logger.Info("Synchronized start enabled", "start", startTime.Format("15:04:05.000"))
	default:
		return c.now(), nil
	}

	wait := startTime.Sub(c.now())
	if wait <= 0 {
		return startTime, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return startTime, nil
	case <-ctx.Done():
		return time.Time{}, fmt.Errorf("start wait cancelled: %w", ctx.Err())
	}
}

// calculateSyncedStartTime picks a start point shared by every station: 30
// seconds past the next 100-second boundary, at least 10 seconds away.
func (c *Collector) calculateSyncedStartTime() time.Time {
	currentEpoch := c.now().Unix()

	syncEpoch := ((currentEpoch+30)/100 + 1) * 100
	targetTime := syncEpoch + 30
	if targetTime-currentEpoch < 10 {
		targetTime += 100
	}
	return time.Unix(targetTime, 0)
}

func (c *Collector) collectionID(startTime time.Time) string {
	if c.config.Collection.CollectionID != "" {
		return fmt.Sprintf("%s_%d", c.config.Collection.CollectionID, startTime.Unix())
	}
	return fmt.Sprintf("%s-%s_%d", c.config.Collection.FilePrefix, c.deviceIdentifier(), startTime.Unix())
}

// deviceIdentifier returns a filename-safe name for the first backend.
func (c *Collector) deviceIdentifier() string {
	backends := c.source.Backends()
	if len(backends) == 0 {
		return "unknown"
	}
	id := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return -1
	}, backends[0].Name())
	if id == "" {
		return "unknown"
	}
	return id
}

func (c *Collector) Close() error {
	var errs error
	if c.source != nil {
		errs = multierr.Append(errs, c.source.Close())
	}
	if c.gps != nil {
		if err := c.gps.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("GPS close error: %w", err))
		}
	}
	return errs
}
