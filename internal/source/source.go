// Package source presents any mix of SDR backends as one multi-channel signal
// source.
//
// Logical channels are numbered across backends in the order their device
// groups appear in the argument string. Every control call is routed to the
// owning backend with the channel index translated to the backend's local
// numbering. Setters remember the last requested value per logical channel and
// skip the hardware write when the same value is requested again.
//
// A Source is driven from a single control goroutine. Read may run
// concurrently for distinct channels.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
	"sdr-source/internal/backend/registry"
	"sdr-source/internal/metric"
)

// Errors returned by New and the routing calls. They alias the backend
// package sentinels so callers need only this package for errors.Is.
var (
	ErrNoDeviceFound           = backend.ErrNoDeviceFound
	ErrNoDeviceSpecified       = backend.ErrNoDeviceSpecified
	ErrConstructionInvariant   = backend.ErrConstructionInvariant
	ErrUnrecognizedBackendType = backend.ErrUnrecognizedBackendType
	ErrChannelOutOfRange       = backend.ErrChannelOutOfRange
	ErrMainboardOutOfRange     = backend.ErrMainboardOutOfRange
	ErrUnknownBackend          = backend.ErrUnknownBackend
	ErrDuplicateBackend        = backend.ErrDuplicateBackend
	ErrNotSupported            = backend.ErrNotSupported
)

// AllMainboards addresses every backend in a clock or time call.
const AllMainboards = backend.AllMainboards

// cached remembers the last value requested for one setting.
type cached[T comparable] struct {
	value T
	ok    bool
}

func (c *cached[T]) hit(v T) bool { return c.ok && c.value == v }

func (c *cached[T]) store(v T) {
	c.value = v
	c.ok = true
}

// channelState holds the requested settings of one logical channel.
type channelState struct {
	centerFreq cached[float64]
	freqCorr   cached[float64]
	gainMode   cached[bool]
	gain       cached[float64]
	ifGain     cached[float64]
	bbGain     cached[float64]
	antenna    cached[string]
	bandwidth  cached[float64]

	stage outputStage
}

// Source is the aggregated view over every opened backend.
type Source struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	devices  []device
	channels []channelState
	leftover []args.Dict

	rateRequest cached[float64]
	sampleRate  float64
}

// New resolves argString into backends and opens them. When no group names a
// registered backend the first device reported by enumeration is used; ctx
// bounds that enumeration.
func New(ctx context.Context, argString string, opts ...Option) (*Source, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metric.NewMetrics()
	}
	if o.registry == nil {
		reg, err := registry.New()
		if err != nil {
			return nil, fmt.Errorf("failed to build backend registry: %w", err)
		}
		o.registry = reg
	}

	res, err := resolve(ctx, argString, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	s := &Source{
		logger:     o.logger,
		metrics:    o.metrics,
		devices:    res.devices,
		leftover:   res.leftover,
		sampleRate: math.NaN(),
	}

	for _, d := range s.devices {
		for local := 0; local < d.backend.NumChannels(); local++ {
			s.channels = append(s.channels, channelState{stage: s.newStage(d.backend, local, len(s.channels), o.iqCorrection)})
		}
	}

	s.metrics.Backends.Set(float64(len(s.devices)))
	s.metrics.Channels.Set(float64(len(s.channels)))
	s.logger.Info("Source ready",
		"backends", len(s.devices),
		"channels", len(s.channels),
		"iq_correction", o.iqCorrection)
	return s, nil
}

func (s *Source) newStage(b backend.Backend, local, ch int, correct bool) outputStage {
	if !correct {
		return &passthroughStage{backend: b, ch: local}
	}
	estimates := s.metrics.IQEstimates.WithLabelValues(strconv.Itoa(ch))
	return newCorrectionStage(b, estimates.Inc)
}

// locate maps a logical channel onto its device and local channel.
func (s *Source) locate(ch int) (*device, int, bool) {
	if ch < 0 {
		return nil, 0, false
	}
	for i := range s.devices {
		d := &s.devices[i]
		if n := d.backend.NumChannels(); ch < d.offset+n {
			return d, ch - d.offset, true
		}
	}
	return nil, 0, false
}

func (s *Source) channelError(op string, ch int) error {
	return fmt.Errorf("failed to %s on channel %d of %d: %w", op, ch, len(s.channels), ErrChannelOutOfRange)
}

// setCached performs one idempotent setter. A request equal to the cached one
// returns the cached value without touching the backend. Otherwise apply runs
// and the request is cached only if it succeeds.
func setCached[T comparable](s *Source, op string, c *cached[T], v T, apply func() (T, error)) (T, error) {
	if c.hit(v) {
		s.metrics.CacheHits.WithLabelValues(op).Inc()
		return c.value, nil
	}

	applied, err := write(s, op, apply)
	if err != nil {
		var zero T
		return zero, err
	}
	c.store(v)
	return applied, nil
}

// write runs one backend call and counts it.
func write[T any](s *Source, op string, apply func() (T, error)) (T, error) {
	s.metrics.BackendWrites.WithLabelValues(op).Inc()
	v, err := apply()
	if err != nil {
		s.metrics.BackendErrors.WithLabelValues(op).Inc()
		return v, fmt.Errorf("failed to %s: %w", op, err)
	}
	return v, nil
}

// NumChannels returns the total channel count over every backend.
func (s *Source) NumChannels() int { return len(s.channels) }

// Backends returns the opened backends in channel order.
func (s *Source) Backends() []backend.Backend {
	out := make([]backend.Backend, len(s.devices))
	for i, d := range s.devices {
		out[i] = d.backend
	}
	return out
}

// LeftoverGroups returns the user groups that named no backend when the
// device was chosen by enumeration.
func (s *Source) LeftoverGroups() []args.Dict { return s.leftover }

// SampleRates reports the rates of the first backend.
func (s *Source) SampleRates() backend.Ranges {
	if len(s.devices) == 0 {
		return nil
	}
	return s.devices[0].backend.SampleRates()
}

// SetSampleRate applies rate to every backend in order and returns the rate
// the last one applied. All backends are assumed to support the same rates.
func (s *Source) SetSampleRate(rate float64) (float64, error) {
	const op = "set_sample_rate"
	if s.rateRequest.hit(rate) {
		s.metrics.CacheHits.WithLabelValues(op).Inc()
		return s.sampleRate, nil
	}

	applied := 0.0
	for _, d := range s.devices {
		v, err := write(s, op, func() (float64, error) { return d.backend.SetSampleRate(rate) })
		if err != nil {
			return 0, fmt.Errorf("%s: %w", d.kind, err)
		}
		applied = v
	}
	s.rateRequest.store(rate)
	s.sampleRate = applied

	for ch := range s.channels {
		d, _, _ := s.locate(ch)
		s.channels[ch].stage.rateChanged(d.backend.SampleRate())
	}
	s.logger.Debug("Sample rate applied", "requested", rate, "applied", applied)
	return applied, nil
}

// SampleRate reports the rate of the first backend.
func (s *Source) SampleRate() float64 {
	if len(s.devices) == 0 {
		return 0
	}
	return s.devices[0].backend.SampleRate()
}

func (s *Source) FreqRange(ch int) backend.Ranges {
	d, local, ok := s.locate(ch)
	if !ok {
		return nil
	}
	return d.backend.FreqRange(local)
}

func (s *Source) SetCenterFreq(freq float64, ch int) (float64, error) {
	const op = "set_center_freq"
	d, local, ok := s.locate(ch)
	if !ok {
		return 0, s.channelError(op, ch)
	}
	return setCached(s, op, &s.channels[ch].centerFreq, freq, func() (float64, error) {
		return d.backend.SetCenterFreq(freq, local)
	})
}

func (s *Source) CenterFreq(ch int) float64 {
	d, local, ok := s.locate(ch)
	if !ok {
		return 0
	}
	return d.backend.CenterFreq(local)
}

func (s *Source) SetFreqCorr(ppm float64, ch int) (float64, error) {
	const op = "set_freq_corr"
	d, local, ok := s.locate(ch)
	if !ok {
		return 0, s.channelError(op, ch)
	}
	return setCached(s, op, &s.channels[ch].freqCorr, ppm, func() (float64, error) {
		return d.backend.SetFreqCorr(ppm, local)
	})
}

func (s *Source) FreqCorr(ch int) float64 {
	d, local, ok := s.locate(ch)
	if !ok {
		return 0
	}
	return d.backend.FreqCorr(local)
}

func (s *Source) GainNames(ch int) []string {
	d, local, ok := s.locate(ch)
	if !ok {
		return nil
	}
	return d.backend.GainNames(local)
}

func (s *Source) GainRange(ch int) backend.Ranges {
	d, local, ok := s.locate(ch)
	if !ok {
		return nil
	}
	return d.backend.GainRange(local)
}

func (s *Source) NamedGainRange(name string, ch int) backend.Ranges {
	d, local, ok := s.locate(ch)
	if !ok {
		return nil
	}
	return d.backend.NamedGainRange(name, local)
}

// SetGainMode selects automatic or manual gain. Returning to manual re-applies
// the last requested manual gain.
func (s *Source) SetGainMode(automatic bool, ch int) (bool, error) {
	const op = "set_gain_mode"
	d, local, ok := s.locate(ch)
	if !ok {
		return false, s.channelError(op, ch)
	}
	st := &s.channels[ch]
	if st.gainMode.hit(automatic) {
		s.metrics.CacheHits.WithLabelValues(op).Inc()
		return st.gainMode.value, nil
	}

	applied, err := write(s, op, func() (bool, error) { return d.backend.SetGainMode(automatic, local) })
	if err != nil {
		return false, err
	}
	st.gainMode.store(automatic)

	if !automatic && st.gain.ok {
		gain := st.gain.value
		if _, err := write(s, "set_gain", func() (float64, error) { return d.backend.SetGain(gain, local) }); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (s *Source) GainMode(ch int) bool {
	d, local, ok := s.locate(ch)
	if !ok {
		return false
	}
	return d.backend.GainMode(local)
}

func (s *Source) SetGain(gain float64, ch int) (float64, error) {
	const op = "set_gain"
	d, local, ok := s.locate(ch)
	if !ok {
		return 0, s.channelError(op, ch)
	}
	return setCached(s, op, &s.channels[ch].gain, gain, func() (float64, error) {
		return d.backend.SetGain(gain, local)
	})
}

// SetNamedGain sets one gain stage. It is not cached.
func (s *Source) SetNamedGain(gain float64, name string, ch int) (float64, error) {
	const op = "set_named_gain"
	d, local, ok := s.locate(ch)
	if !ok {
		return 0, s.channelError(op, ch)
	}
	return write(s, op, func() (float64, error) { return d.backend.SetNamedGain(gain, name, local) })
}

func (s *Source) Gain(ch int) float64 {
	d, local, ok := s.locate(ch)
	if !ok {
		return 0
	}
	return d.backend.Gain(local)
}

func (s *Source) NamedGain(name string, ch int) float64 {
	d, local, ok := s.locate(ch)
	if !ok {
		return 0
	}
	return d.backend.NamedGain(name, local)
}

func (s *Source) SetIFGain(gain float64, ch int) (float64, error) {
	const op = "set_if_gain"
	d, local, ok := s.locate(ch)
	if !ok {
		return 0, s.channelError(op, ch)
	}
	return setCached(s, op, &s.channels[ch].ifGain, gain, func() (float64, error) {
		return d.backend.SetIFGain(gain, local)
	})
}

func (s *Source) SetBBGain(gain float64, ch int) (float64, error) {
	const op = "set_bb_gain"
	d, local, ok := s.locate(ch)
	if !ok {
		return 0, s.channelError(op, ch)
	}
	return setCached(s, op, &s.channels[ch].bbGain, gain, func() (float64, error) {
		return d.backend.SetBBGain(gain, local)
	})
}

func (s *Source) Antennas(ch int) []string {
	d, local, ok := s.locate(ch)
	if !ok {
		return nil
	}
	return d.backend.Antennas(local)
}

func (s *Source) SetAntenna(antenna string, ch int) (string, error) {
	const op = "set_antenna"
	d, local, ok := s.locate(ch)
	if !ok {
		return "", s.channelError(op, ch)
	}
	return setCached(s, op, &s.channels[ch].antenna, antenna, func() (string, error) {
		return d.backend.SetAntenna(antenna, local)
	})
}

func (s *Source) Antenna(ch int) string {
	d, local, ok := s.locate(ch)
	if !ok {
		return ""
	}
	return d.backend.Antenna(local)
}

func (s *Source) SetDCOffsetMode(mode backend.DCOffsetMode, ch int) error {
	const op = "set_dc_offset_mode"
	d, local, ok := s.locate(ch)
	if !ok {
		return s.channelError(op, ch)
	}
	_, err := write(s, op, func() (struct{}, error) { return struct{}{}, d.backend.SetDCOffsetMode(mode, local) })
	return err
}

func (s *Source) SetDCOffset(offset complex128, ch int) error {
	const op = "set_dc_offset"
	d, local, ok := s.locate(ch)
	if !ok {
		return s.channelError(op, ch)
	}
	_, err := write(s, op, func() (struct{}, error) { return struct{}{}, d.backend.SetDCOffset(offset, local) })
	return err
}

// SetIQBalanceMode drives the software corrector when IQ correction is
// enabled and the backend otherwise.
func (s *Source) SetIQBalanceMode(mode backend.IQBalanceMode, ch int) error {
	const op = "set_iq_balance_mode"
	if _, _, ok := s.locate(ch); !ok {
		return s.channelError(op, ch)
	}
	_, err := write(s, op, func() (struct{}, error) { return struct{}{}, s.channels[ch].stage.setMode(mode) })
	return err
}

// SetIQBalance sets the magnitude (real part) and phase (imaginary part)
// correction. With IQ correction enabled it only takes effect while the
// estimator is idle.
func (s *Source) SetIQBalance(balance complex128, ch int) error {
	const op = "set_iq_balance"
	if _, _, ok := s.locate(ch); !ok {
		return s.channelError(op, ch)
	}
	_, err := write(s, op, func() (struct{}, error) { return struct{}{}, s.channels[ch].stage.setBalance(balance) })
	return err
}

// IQBalance reports the software corrector's magnitude and phase. It is zero
// when IQ correction is disabled.
func (s *Source) IQBalance(ch int) complex128 {
	if _, _, ok := s.locate(ch); !ok {
		return 0
	}
	return s.channels[ch].stage.balance()
}

// SetBandwidth selects the analog filter. Zero asks the backend to choose one
// and is always forwarded.
func (s *Source) SetBandwidth(bw float64, ch int) (float64, error) {
	const op = "set_bandwidth"
	d, local, ok := s.locate(ch)
	if !ok {
		return 0, s.channelError(op, ch)
	}
	st := &s.channels[ch]
	if bw == 0 {
		applied, err := write(s, op, func() (float64, error) { return d.backend.SetBandwidth(bw, local) })
		if err != nil {
			return 0, err
		}
		st.bandwidth.store(bw)
		return applied, nil
	}
	return setCached(s, op, &st.bandwidth, bw, func() (float64, error) {
		return d.backend.SetBandwidth(bw, local)
	})
}

func (s *Source) Bandwidth(ch int) float64 {
	d, local, ok := s.locate(ch)
	if !ok {
		return 0
	}
	return d.backend.Bandwidth(local)
}

func (s *Source) BandwidthRange(ch int) backend.Ranges {
	d, local, ok := s.locate(ch)
	if !ok {
		return nil
	}
	return d.backend.BandwidthRange(local)
}

// SeekSamples repositions a replay backend. It reports false for channels out of
// range and for backends that cannot seek.
func (s *Source) SeekSamples(offset int64, whence int, ch int) bool {
	d, local, ok := s.locate(ch)
	if !ok {
		return false
	}
	seeker, ok := d.backend.(backend.Seeker)
	if !ok {
		return false
	}
	return seeker.SeekSamples(offset, whence, local)
}

// Read fills dst with samples from channel ch after its output stage.
func (s *Source) Read(ctx context.Context, ch int, dst []complex64) (int, error) {
	d, local, ok := s.locate(ch)
	if !ok {
		return 0, s.channelError("read", ch)
	}
	r, ok := d.backend.(backend.Reader)
	if !ok {
		return 0, fmt.Errorf("failed to read from %s: %w", d.kind, ErrNotSupported)
	}

	n, err := r.ReadIQ(ctx, local, dst)
	if n > 0 {
		s.channels[ch].stage.process(dst[:n])
		s.metrics.SamplesRead.WithLabelValues(strconv.Itoa(ch)).Add(float64(n))
	}
	return n, err
}

// Close closes every backend and returns all failures together.
func (s *Source) Close() error {
	err := closeDevices(s.devices, nil)
	if err != nil {
		s.logger.Warn("Failed to close some backends", "error", err)
	}
	return err
}
