// Package sim synthesizes a phase-coherent multi-channel receiver.
//
// Every channel carries the same complex tone, shifted by a fixed phase step per
// channel, plus gaussian noise. An optional IQ amplitude and phase imbalance is
// applied to the output so correction can be exercised without hardware. The
// device keeps a software clock that honours time sources and PPS alignment.
//
// Device arguments:
//
//	sim[=<id>][,nchan=<n>][,rate=<sps>][,tone=<hz>][,phase=<deg>]
//	   [,iqmag=<ratio>][,iqphase=<deg>][,noise=<stddev>][,seed=<n>]
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
)

const Name = "sim"

const (
	defaultChannels   = 2
	defaultSampleRate = 2.048e6
	defaultTone       = 100e3
	defaultNoise      = 1e-4
)

var (
	gainStages = []string{"LNA", "VGA"}
	stageRange = map[string]backend.Ranges{
		"LNA": backend.SingleRange(0, 30, 1),
		"VGA": backend.SingleRange(0, 40, 2),
	}
	antennas     = []string{"RX", "TX/RX"}
	timeSources  = []string{"none", "internal", "external", "gps"}
	clockSources = []string{"internal", "external", "gps"}
)

// Register adds the simulated receiver to r.
func Register(r *backend.Registry) error {
	return r.Register(backend.Descriptor{
		Name:        Name,
		Description: "Simulated multi-channel receiver",
		Enumerate: func(context.Context) ([]string, error) {
			return []string{fmt.Sprintf("sim=0,nchan=%d,label='Simulated Receiver'", defaultChannels)}, nil
		},
		Open: Open,
	})
}

type channel struct {
	freq      float64
	corr      float64
	agc       bool
	gains     map[string]float64
	antenna   string
	bandwidth float64
	dcMode    backend.DCOffsetMode
	dcOffset  complex128
	sample    int64
}

// Receiver is a simulated device with one mainboard.
type Receiver struct {
	backend.Base

	id     string
	logger *slog.Logger

	tone       float64
	phaseStep  float64
	imbalance  complex128
	noise      float64
	sampleRate float64
	channels   []*channel

	timeSource  string
	clockSource string
	clockRate   float64
	now         func() time.Time
	epochWall   time.Time
	epochDevice time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Open builds a Receiver from its device group.
func Open(dict args.Dict, opts backend.Options) (backend.Backend, error) {
	nchan, err := dict.Int("nchan", defaultChannels)
	if err != nil {
		return nil, err
	}
	if nchan < 1 {
		return nil, fmt.Errorf("failed to open simulated receiver: nchan must be positive, got %d", nchan)
	}

	var rate, tone, phase, iqmag, iqphase, noise float64
	for _, f := range []struct {
		key string
		def float64
		dst *float64
	}{
		{"rate", defaultSampleRate, &rate},
		{"tone", defaultTone, &tone},
		{"phase", 0, &phase},
		{"iqmag", 0, &iqmag},
		{"iqphase", 0, &iqphase},
		{"noise", defaultNoise, &noise},
	} {
		if *f.dst, err = dict.Float(f.key, f.def); err != nil {
			return nil, err
		}
	}
	seed, err := dict.Int("seed", 1)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		id:          dict.Get(Name, "0"),
		logger:      opts.Logger,
		sampleRate:  rate,
		tone:        tone,
		phaseStep:   phase * math.Pi / 180,
		imbalance:   complex(iqmag, iqphase*math.Pi/180),
		noise:       noise,
		timeSource:  "none",
		clockSource: "internal",
		clockRate:   rate,
		now:         time.Now,
		rng:         rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.epochWall = r.now()

	for i := 0; i < nchan; i++ {
		r.channels = append(r.channels, &channel{
			freq:    100e6,
			gains:   map[string]float64{"LNA": 0, "VGA": 0},
			antenna: antennas[0],
		})
	}

	r.logger.Info("Opened simulated receiver", "id", r.id, "channels", nchan, "rate", r.sampleRate)
	return r, nil
}

// SetClock replaces the wall clock the device time is derived from.
func (r *Receiver) SetClock(now func() time.Time) {
	r.now = now
	r.epochWall = now()
	r.epochDevice = 0
}

func (r *Receiver) Name() string { return "Simulated Receiver " + r.id }

func (r *Receiver) NumChannels() int { return len(r.channels) }

func (r *Receiver) channel(ch int) *channel {
	if ch < 0 || ch >= len(r.channels) {
		return nil
	}
	return r.channels[ch]
}

func (r *Receiver) SampleRates() backend.Ranges { return backend.SingleRange(250e3, 10e6, 0) }

func (r *Receiver) SetSampleRate(rate float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampleRate = r.SampleRates().Clip(rate, false)
	return r.sampleRate, nil
}

func (r *Receiver) SampleRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleRate
}

func (r *Receiver) FreqRange(ch int) backend.Ranges {
	if r.channel(ch) == nil {
		return nil
	}
	return backend.SingleRange(24e6, 1766e6, 0)
}

func (r *Receiver) SetCenterFreq(freq float64, ch int) (float64, error) {
	c := r.channel(ch)
	if c == nil {
		return 0, backend.CheckChannel(ch, len(r.channels))
	}
	c.freq = r.FreqRange(ch).Clip(freq, false)
	return c.freq, nil
}

func (r *Receiver) CenterFreq(ch int) float64 {
	if c := r.channel(ch); c != nil {
		return c.freq
	}
	return 0
}

func (r *Receiver) SetFreqCorr(ppm float64, ch int) (float64, error) {
	c := r.channel(ch)
	if c == nil {
		return 0, backend.CheckChannel(ch, len(r.channels))
	}
	c.corr = ppm
	return c.corr, nil
}

func (r *Receiver) FreqCorr(ch int) float64 {
	if c := r.channel(ch); c != nil {
		return c.corr
	}
	return 0
}

func (r *Receiver) GainNames(ch int) []string {
	if r.channel(ch) == nil {
		return nil
	}
	return slices.Clone(gainStages)
}

func (r *Receiver) GainRange(ch int) backend.Ranges {
	if r.channel(ch) == nil {
		return nil
	}
	return backend.SingleRange(0, stageRange["LNA"].Stop()+stageRange["VGA"].Stop(), 1)
}

func (r *Receiver) NamedGainRange(name string, ch int) backend.Ranges {
	if r.channel(ch) == nil {
		return nil
	}
	return stageRange[name]
}

func (r *Receiver) SetGainMode(automatic bool, ch int) (bool, error) {
	c := r.channel(ch)
	if c == nil {
		return false, backend.CheckChannel(ch, len(r.channels))
	}
	c.agc = automatic
	return c.agc, nil
}

func (r *Receiver) GainMode(ch int) bool {
	if c := r.channel(ch); c != nil {
		return c.agc
	}
	return false
}

// SetGain distributes gain over the stages, LNA first.
func (r *Receiver) SetGain(gain float64, ch int) (float64, error) {
	c := r.channel(ch)
	if c == nil {
		return 0, backend.CheckChannel(ch, len(r.channels))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	gain = r.GainRange(ch).Clip(gain, true)
	lna := stageRange["LNA"].Clip(gain, true)
	vga := stageRange["VGA"].Clip(gain-lna, true)
	c.gains["LNA"], c.gains["VGA"] = lna, vga
	return lna + vga, nil
}

func (r *Receiver) SetNamedGain(gain float64, name string, ch int) (float64, error) {
	c := r.channel(ch)
	if c == nil {
		return 0, backend.CheckChannel(ch, len(r.channels))
	}
	rng, ok := stageRange[name]
	if !ok {
		return 0, fmt.Errorf("gain stage %q: %w", name, backend.ErrNotSupported)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c.gains[name] = rng.Clip(gain, true)
	return c.gains[name], nil
}

func (r *Receiver) Gain(ch int) float64 {
	c := r.channel(ch)
	if c == nil {
		return 0
	}
	return c.gains["LNA"] + c.gains["VGA"]
}

func (r *Receiver) NamedGain(name string, ch int) float64 {
	if c := r.channel(ch); c != nil {
		return c.gains[name]
	}
	return 0
}

// SetIFGain maps onto the VGA stage.
func (r *Receiver) SetIFGain(gain float64, ch int) (float64, error) {
	return r.SetNamedGain(gain, "VGA", ch)
}

func (r *Receiver) Antennas(ch int) []string {
	if r.channel(ch) == nil {
		return nil
	}
	return slices.Clone(antennas)
}

func (r *Receiver) SetAntenna(antenna string, ch int) (string, error) {
	c := r.channel(ch)
	if c == nil {
		return "", backend.CheckChannel(ch, len(r.channels))
	}
	if !slices.Contains(antennas, antenna) {
		return c.antenna, fmt.Errorf("antenna %q: %w", antenna, backend.ErrNotSupported)
	}
	c.antenna = antenna
	return c.antenna, nil
}

func (r *Receiver) Antenna(ch int) string {
	if c := r.channel(ch); c != nil {
		return c.antenna
	}
	return ""
}

func (r *Receiver) SetDCOffsetMode(mode backend.DCOffsetMode, ch int) error {
	c := r.channel(ch)
	if c == nil {
		return backend.CheckChannel(ch, len(r.channels))
	}
	r.mu.Lock()
	c.dcMode = mode
	r.mu.Unlock()
	return nil
}

func (r *Receiver) SetDCOffset(offset complex128, ch int) error {
	c := r.channel(ch)
	if c == nil {
		return backend.CheckChannel(ch, len(r.channels))
	}
	r.mu.Lock()
	c.dcOffset = offset
	r.mu.Unlock()
	return nil
}

func (r *Receiver) BandwidthRange(ch int) backend.Ranges {
	if r.channel(ch) == nil {
		return nil
	}
	return backend.SingleRange(200e3, 8e6, 0)
}

// SetBandwidth selects a filter. Zero picks one matching the sample rate.
func (r *Receiver) SetBandwidth(bw float64, ch int) (float64, error) {
	c := r.channel(ch)
	if c == nil {
		return 0, backend.CheckChannel(ch, len(r.channels))
	}
	if bw == 0 {
		bw = 0.8 * r.SampleRate()
	}
	c.bandwidth = r.BandwidthRange(ch).Clip(bw, false)
	return c.bandwidth, nil
}

func (r *Receiver) Bandwidth(ch int) float64 {
	if c := r.channel(ch); c != nil {
		return c.bandwidth
	}
	return 0
}

// ReadIQ synthesizes the next len(dst) samples of channel ch.
func (r *Receiver) ReadIQ(ctx context.Context, ch int, dst []complex64) (int, error) {
	c := r.channel(ch)
	if c == nil {
		return 0, backend.CheckChannel(ch, len(r.channels))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	amplitude := math.Pow(10, (c.gains["LNA"]+c.gains["VGA"])/20) / 100
	step := 2 * math.Pi * r.tone / r.sampleRate
	offset := r.phaseStep * float64(ch)
	mag, phi := real(r.imbalance), imag(r.imbalance)

	for i := range dst {
		phase := step*float64(c.sample+int64(i)) + offset
		iv := amplitude*math.Cos(phase) + r.rng.NormFloat64()*r.noise
		qv := amplitude*math.Sin(phase) + r.rng.NormFloat64()*r.noise

		// Receiver imbalance: Q leaks I by phi and is scaled by 1+mag.
		qv = (1 + mag) * (qv*math.Cos(phi) + iv*math.Sin(phi))

		if c.dcMode == backend.DCOffsetManual {
			iv -= real(c.dcOffset)
			qv -= imag(c.dcOffset)
		}
		dst[i] = complex(float32(iv), float32(qv))
	}
	c.sample += int64(len(dst))
	return len(dst), nil
}

func (r *Receiver) Close() error { return nil }
