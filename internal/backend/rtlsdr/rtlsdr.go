//go:build rtlsdr

package rtlsdr

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"

	rtl "github.com/jpoirier/gortlsdr"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
)

// USB bulk reads must be a multiple of this many bytes.
const transferAlign = 512

// Register adds the RTL-SDR USB backend to r.
func Register(r *backend.Registry) error {
	return r.Register(backend.Descriptor{
		Name:        Name,
		Description: "RTL2832U USB dongle",
		Enumerate:   Enumerate,
		Open:        Open,
	})
}

// Enumerate lists the attached dongles as "rtl=<index>,label='...'".
func Enumerate(context.Context) ([]string, error) {
	count := rtl.GetDeviceCount()
	devices := make([]string, 0, count)
	for i := 0; i < count; i++ {
		label := rtl.GetDeviceName(i)
		if manufacturer, product, serial, err := rtl.GetDeviceUsbStrings(i); err == nil {
			label = fmt.Sprintf("%s %s SN: %s", manufacturer, product, serial)
		}
		devices = append(devices, args.Dict{Name: strconv.Itoa(i), "label": label}.String())
	}
	return devices, nil
}

// Device is one opened dongle.
type Device struct {
	backend.Base

	index  int
	tuner  Tuner
	logger *slog.Logger

	mu      sync.Mutex
	dev     *rtl.Context
	gains   []float64
	gain    float64
	agc     bool
	bw      float64
	started bool
	pending []byte
}

// Open opens the dongle named by "rtl", either an index or a serial number.
func Open(dict args.Dict, opts backend.Options) (backend.Backend, error) {
	if rtl.GetDeviceCount() == 0 {
		return nil, fmt.Errorf("no RTL-SDR devices found")
	}

	index, err := resolveIndex(dict.Get(Name, "0"))
	if err != nil {
		return nil, err
	}

	dev, err := rtl.Open(index)
	if err != nil {
		return nil, fmt.Errorf("failed to open RTL-SDR device %d: %w", index, err)
	}

	d := &Device{
		index:  index,
		dev:    dev,
		tuner:  ParseTuner(dev.GetTunerType()),
		logger: opts.Logger,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	if tenths, err := dev.GetTunerGains(); err == nil && len(tenths) > 0 {
		d.gains = TenthsToDB(tenths)
	} else {
		d.gains = d.tuner.Gains()
	}

	if ppm, err := dict.Int("ppm", 0); err != nil {
		dev.Close()
		return nil, err
	} else if ppm != 0 {
		if err := dev.SetFreqCorrection(ppm); err != nil {
			dev.Close()
			return nil, fmt.Errorf("failed to set frequency correction: %w", err)
		}
	}

	d.logger.Info("Opened RTL-SDR device",
		"index", index,
		"name", rtl.GetDeviceName(index),
		"tuner", d.tuner.String(),
		"gains", len(d.gains))
	return d, nil
}

func resolveIndex(value string) (int, error) {
	count := rtl.GetDeviceCount()
	if idx, err := strconv.Atoi(value); err == nil && len(value) < 8 {
		if idx < 0 || idx >= count {
			return 0, fmt.Errorf("device index %d out of range (found %d devices)", idx, count)
		}
		return idx, nil
	}

	idx, err := rtl.GetIndexBySerial(value)
	if err != nil {
		return 0, fmt.Errorf("no RTL-SDR device found with serial number: %s", value)
	}
	return idx, nil
}

func (d *Device) Name() string {
	return fmt.Sprintf("RTL-SDR %s (%s)", rtl.GetDeviceName(d.index), d.tuner)
}

func (d *Device) NumChannels() int { return 1 }

func (d *Device) SampleRates() backend.Ranges { return SampleRates() }

// SetSampleRate falls back to the closest supported rate when the dongle
// rejects the request.
func (d *Device) SetSampleRate(rate float64) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dev.SetSampleRate(int(rate)); err != nil {
		fallback := ClosestSampleRate(rate)
		if err := d.dev.SetSampleRate(int(fallback)); err != nil {
			return 0, fmt.Errorf("failed to set sample rate to %.0f Hz (tried fallback %.0f Hz): %w", rate, fallback, err)
		}
		d.logger.Warn("Requested sample rate not supported", "requested", rate, "applied", fallback)
	}
	return float64(d.dev.GetSampleRate()), nil
}

func (d *Device) SampleRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.dev.GetSampleRate())
}

func (d *Device) FreqRange(ch int) backend.Ranges {
	if ch != 0 {
		return nil
	}
	return d.tuner.FreqRange()
}

func (d *Device) SetCenterFreq(freq float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dev.SetCenterFreq(int(freq)); err != nil {
		return 0, fmt.Errorf("failed to set frequency to %.0f Hz: %w", freq, err)
	}
	return float64(d.dev.GetCenterFreq()), nil
}

func (d *Device) CenterFreq(ch int) float64 {
	if ch != 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.dev.GetCenterFreq())
}

func (d *Device) SetFreqCorr(ppm float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dev.SetFreqCorrection(int(ppm)); err != nil {
		return 0, fmt.Errorf("failed to set frequency correction to %.0f ppm: %w", ppm, err)
	}
	return float64(d.dev.GetFreqCorrection()), nil
}

func (d *Device) FreqCorr(ch int) float64 {
	if ch != 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.dev.GetFreqCorrection())
}

func (d *Device) GainNames(ch int) []string {
	if ch != 0 {
		return nil
	}
	return []string{"LNA"}
}

func (d *Device) GainRange(ch int) backend.Ranges {
	if ch != 0 {
		return nil
	}
	return backend.DiscreteRange(d.gains...)
}

func (d *Device) NamedGainRange(_ string, ch int) backend.Ranges { return d.GainRange(ch) }

func (d *Device) SetGainMode(automatic bool, ch int) (bool, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// librtlsdr takes "manual mode", the inverse of automatic.
	if err := d.dev.SetTunerGainMode(!automatic); err != nil {
		return d.agc, fmt.Errorf("failed to set gain mode: %w", err)
	}
	if err := d.dev.SetAgcMode(automatic); err != nil {
		return d.agc, fmt.Errorf("failed to set AGC mode: %w", err)
	}
	d.agc = automatic
	return d.agc, nil
}

func (d *Device) GainMode(ch int) bool { return ch == 0 && d.agc }

func (d *Device) SetGain(gain float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	applied := backend.DiscreteRange(d.gains...).Clip(gain, false)
	if err := d.dev.SetTunerGain(int(math.Round(applied * 10))); err != nil {
		return 0, fmt.Errorf("failed to set gain to %.1f dB: %w", applied, err)
	}
	d.gain = float64(d.dev.GetTunerGain()) / 10
	return d.gain, nil
}

func (d *Device) SetNamedGain(gain float64, _ string, ch int) (float64, error) {
	return d.SetGain(gain, ch)
}

func (d *Device) Gain(ch int) float64 {
	if ch != 0 {
		return 0
	}
	return d.gain
}

func (d *Device) NamedGain(_ string, ch int) float64 { return d.Gain(ch) }

// SetIFGain programs the E4000 IF stages; other tuners ignore it.
func (d *Device) SetIFGain(gain float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	if d.tuner != TunerE4000 {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dev.SetTunerIfGain(1, int(math.Round(gain*10))); err != nil {
		return 0, fmt.Errorf("failed to set IF gain: %w", err)
	}
	return gain, nil
}

func (d *Device) Antennas(ch int) []string {
	if ch != 0 {
		return nil
	}
	return []string{"RX"}
}

func (d *Device) SetAntenna(_ string, ch int) (string, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return "", err
	}
	return "RX", nil
}

func (d *Device) Antenna(ch int) string {
	if ch != 0 {
		return ""
	}
	return "RX"
}

// SetBandwidth sets the tuner filter; zero lets librtlsdr follow the sample rate.
func (d *Device) SetBandwidth(bw float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dev.SetTunerBw(int(bw)); err != nil {
		return 0, fmt.Errorf("failed to set bandwidth to %.0f Hz: %w", bw, err)
	}
	d.bw = bw
	return d.bw, nil
}

func (d *Device) Bandwidth(ch int) float64 {
	if ch != 0 {
		return 0
	}
	return d.bw
}

func (d *Device) BandwidthRange(ch int) backend.Ranges {
	if ch != 0 {
		return nil
	}
	return backend.SingleRange(0, 8e6, 0)
}

// ReadIQ reads len(dst) samples synchronously. The first read resets the USB
// buffer so stale samples are discarded.
func (d *Device) ReadIQ(ctx context.Context, ch int, dst []complex64) (int, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		if err := d.dev.ResetBuffer(); err != nil {
			return 0, fmt.Errorf("failed to reset buffer: %w", err)
		}
		d.started = true
	}

	total := ConvertU8(dst, d.pending)
	d.pending = d.pending[2*total:]

	for total < len(dst) {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		want := 2 * (len(dst) - total)
		want = (want + transferAlign - 1) / transferAlign * transferAlign
		raw := make([]byte, want)
		n, err := d.dev.ReadSync(raw, want)
		if err != nil {
			return total, fmt.Errorf("failed to read samples: %w", err)
		}
		if n == 0 {
			break
		}

		converted := ConvertU8(dst[total:], raw[:n])
		total += converted
		d.pending = append(d.pending, raw[2*converted:n]...)
	}
	return total, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}
