// Package rtlsdr drives RTL2832U USB dongles through librtlsdr.
//
// The USB driver is only compiled with the "rtlsdr" build tag. Tuner tables
// and sample conversion are always available; the rtl_tcp network backend
// shares them.
package rtlsdr

import "sdr-source/internal/backend"

const Name = "rtl"

// Tuner identifies the tuner chip behind an RTL2832U.
type Tuner uint32

// Tuner type codes as reported by librtlsdr and the rtl_tcp dongle header.
const (
	TunerUnknown Tuner = iota
	TunerE4000
	TunerFC0012
	TunerFC0013
	TunerFC2580
	TunerR820T
	TunerR828D
)

func (t Tuner) String() string {
	switch t {
	case TunerE4000:
		return "E4000"
	case TunerFC0012:
		return "FC0012"
	case TunerFC0013:
		return "FC0013"
	case TunerFC2580:
		return "FC2580"
	case TunerR820T:
		return "R820T"
	case TunerR828D:
		return "R828D"
	default:
		return "UNKNOWN"
	}
}

// ParseTuner maps a librtlsdr tuner name onto a Tuner.
func ParseTuner(name string) Tuner {
	for t := TunerE4000; t <= TunerR828D; t++ {
		if t.String() == name || "RTLSDR_TUNER_"+t.String() == name {
			return t
		}
	}
	return TunerUnknown
}

// Gains returns the tuner's gain steps in dB.
func (t Tuner) Gains() []float64 {
	var tenths []int
	switch t {
	case TunerE4000:
		tenths = []int{-10, 15, 40, 65, 90, 115, 140, 165, 190, 215, 240, 290, 340, 420}
	case TunerFC0012:
		tenths = []int{-99, -40, 71, 179, 192}
	case TunerFC0013:
		tenths = []int{-99, -73, -65, -63, -60, -58, -54, 58, 61, 63, 65, 67, 68, 70, 71, 179, 181, 182, 184, 186, 188, 191, 197}
	case TunerR820T, TunerR828D:
		tenths = []int{0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254, 280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496}
	default:
		tenths = []int{0}
	}
	return TenthsToDB(tenths)
}

// FreqRange returns the frequencies the tuner can reach.
func (t Tuner) FreqRange() backend.Ranges {
	switch t {
	case TunerE4000:
		return backend.SingleRange(52e6, 2200e6, 0)
	case TunerFC0012:
		return backend.SingleRange(22e6, 948.6e6, 0)
	case TunerFC0013:
		return backend.SingleRange(22e6, 1100e6, 0)
	case TunerFC2580:
		return backend.Ranges{{Start: 146e6, Stop: 308e6}, {Start: 438e6, Stop: 924e6}}
	default:
		return backend.SingleRange(24e6, 1766e6, 0)
	}
}

// TenthsToDB converts librtlsdr gain units into dB.
func TenthsToDB(tenths []int) []float64 {
	gains := make([]float64, len(tenths))
	for i, g := range tenths {
		gains[i] = float64(g) / 10
	}
	return gains
}

// supportedRates are the sample rates the RTL2832U resamples to without
// dropping samples.
var supportedRates = []float64{
	250000,
	1024000,
	1536000,
	1792000,
	1920000,
	2048000,
	2160000,
	2560000,
	2880000,
	3200000,
}

// SampleRates returns the supported sample rates.
func SampleRates() backend.Ranges {
	return backend.DiscreteRange(supportedRates...)
}

// ClosestSampleRate returns the supported rate nearest to rate.
func ClosestSampleRate(rate float64) float64 {
	return SampleRates().Clip(rate, false)
}

// ConvertU8 turns interleaved unsigned 8 bit I/Q bytes into samples in
// [-1, 1]. It converts min(len(dst), len(raw)/2) samples and returns that count.
func ConvertU8(dst []complex64, raw []byte) int {
	n := min(len(dst), len(raw)/2)
	for i := 0; i < n; i++ {
		iv := (float32(raw[2*i]) - 127.5) / 127.5
		qv := (float32(raw[2*i+1]) - 127.5) / 127.5
		dst[i] = complex(iv, qv)
	}
	return n
}
