// Package backend defines the control surface every SDR backend implements and
// the registry the aggregated source resolves device arguments against.
//
// Channel arguments are local to the backend (0..NumChannels()-1). Getters
// return neutral values for channels they do not know; setters return the value
// the hardware actually applied, which may differ from the request.
package backend

import (
	"context"
	"io"
	"time"
)

// ChannelController covers sample rate and tuning.
type ChannelController interface {
	NumChannels() int

	SampleRates() Ranges
	SetSampleRate(rate float64) (float64, error)
	SampleRate() float64

	FreqRange(ch int) Ranges
	SetCenterFreq(freq float64, ch int) (float64, error)
	CenterFreq(ch int) float64

	SetFreqCorr(ppm float64, ch int) (float64, error)
	FreqCorr(ch int) float64
}

// GainController covers overall and per-stage gain.
type GainController interface {
	GainNames(ch int) []string
	GainRange(ch int) Ranges
	NamedGainRange(name string, ch int) Ranges

	SetGainMode(automatic bool, ch int) (bool, error)
	GainMode(ch int) bool

	SetGain(gain float64, ch int) (float64, error)
	SetNamedGain(gain float64, name string, ch int) (float64, error)
	Gain(ch int) float64
	NamedGain(name string, ch int) float64

	SetIFGain(gain float64, ch int) (float64, error)
	SetBBGain(gain float64, ch int) (float64, error)
}

// FrontendController covers antenna selection, filtering and front-end corrections.
type FrontendController interface {
	Antennas(ch int) []string
	SetAntenna(antenna string, ch int) (string, error)
	Antenna(ch int) string

	SetDCOffsetMode(mode DCOffsetMode, ch int) error
	SetDCOffset(offset complex128, ch int) error

	SetIQBalanceMode(mode IQBalanceMode, ch int) error
	SetIQBalance(balance complex128, ch int) error

	SetBandwidth(bw float64, ch int) (float64, error)
	Bandwidth(ch int) float64
	BandwidthRange(ch int) Ranges
}

// ClockController covers reference clock and device time. Device time is the
// offset from the device epoch. mboard may be AllMainboards.
type ClockController interface {
	SetTimeSource(source string, mboard int) error
	TimeSource(mboard int) string
	TimeSources(mboard int) []string

	SetClockSource(source string, mboard int) error
	ClockSource(mboard int) string
	ClockSources(mboard int) []string

	SetClockRate(rate float64, mboard int) error
	ClockRate(mboard int) float64

	SetTimeNow(t time.Duration, mboard int) error
	TimeNow(mboard int) time.Duration
	TimeLastPPS(mboard int) time.Duration
	SetTimeNextPPS(t time.Duration) error
	SetTimeUnknownPPS(t time.Duration) error
}

// Backend is one live device handle.
type Backend interface {
	Name() string

	ChannelController
	GainController
	FrontendController
	ClockController

	io.Closer
}

// Reader is implemented by backends that deliver samples on demand.
type Reader interface {
	ReadIQ(ctx context.Context, ch int, dst []complex64) (int, error)
}

// Seeker is implemented by replay backends. whence follows io.SeekStart,
// io.SeekCurrent and io.SeekEnd; offset is counted in samples.
type Seeker interface {
	SeekSamples(offset int64, whence int, ch int) bool
}

// Base supplies neutral implementations of the optional controls. Backends
// embed it and override what their hardware supports.
type Base struct{}

func (Base) SetIFGain(float64, int) (float64, error) { return 0, nil }
func (Base) SetBBGain(float64, int) (float64, error) { return 0, nil }

func (Base) SetDCOffsetMode(DCOffsetMode, int) error   { return nil }
func (Base) SetDCOffset(complex128, int) error         { return nil }
func (Base) SetIQBalanceMode(IQBalanceMode, int) error { return nil }
func (Base) SetIQBalance(complex128, int) error        { return nil }

func (Base) SetBandwidth(float64, int) (float64, error) { return 0, nil }
func (Base) Bandwidth(int) float64                      { return 0 }
func (Base) BandwidthRange(int) Ranges                  { return nil }

func (Base) SetTimeSource(string, int) error { return nil }
func (Base) TimeSource(int) string           { return "" }
func (Base) TimeSources(int) []string        { return nil }

func (Base) SetClockSource(string, int) error { return nil }
func (Base) ClockSource(int) string           { return "" }
func (Base) ClockSources(int) []string        { return nil }

func (Base) SetClockRate(float64, int) error { return nil }
func (Base) ClockRate(int) float64           { return 0 }

func (Base) SetTimeNow(time.Duration, int) error   { return nil }
func (Base) TimeNow(int) time.Duration             { return 0 }
func (Base) TimeLastPPS(int) time.Duration         { return 0 }
func (Base) SetTimeNextPPS(time.Duration) error    { return nil }
func (Base) SetTimeUnknownPPS(time.Duration) error { return nil }
