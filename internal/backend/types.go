package backend

import "math"

// AllMainboards addresses every mainboard of every backend in a clock or time call.
const AllMainboards = -1

// DCOffsetMode selects how a backend removes the DC component of its samples.
type DCOffsetMode int

const (
	DCOffsetOff DCOffsetMode = iota
	DCOffsetManual
	DCOffsetAutomatic
)

// String returns the configuration name of the mode.
func (m DCOffsetMode) String() string {
	switch m {
	case DCOffsetOff:
		return "off"
	case DCOffsetManual:
		return "manual"
	case DCOffsetAutomatic:
		return "auto"
	default:
		return "unknown"
	}
}

// IQBalanceMode selects how IQ amplitude and phase mismatch is corrected.
type IQBalanceMode int

const (
	IQBalanceOff IQBalanceMode = iota
	IQBalanceManual
	IQBalanceAutomatic
)

// String returns the configuration name of the mode.
func (m IQBalanceMode) String() string {
	switch m {
	case IQBalanceOff:
		return "off"
	case IQBalanceManual:
		return "manual"
	case IQBalanceAutomatic:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseIQBalanceMode converts a configuration string into an IQBalanceMode.
func ParseIQBalanceMode(s string) (IQBalanceMode, error) {
	switch s {
	case "off", "":
		return IQBalanceOff, nil
	case "manual":
		return IQBalanceManual, nil
	case "auto", "automatic":
		return IQBalanceAutomatic, nil
	default:
		return IQBalanceOff, errInvalidMode("iq balance", s)
	}
}

// ParseDCOffsetMode converts a configuration string into a DCOffsetMode.
func ParseDCOffsetMode(s string) (DCOffsetMode, error) {
	switch s {
	case "off", "":
		return DCOffsetOff, nil
	case "manual":
		return DCOffsetManual, nil
	case "auto", "automatic":
		return DCOffsetAutomatic, nil
	default:
		return DCOffsetOff, errInvalidMode("dc offset", s)
	}
}

// Range is a closed interval with an optional step (0 means continuous).
type Range struct {
	Start float64
	Stop  float64
	Step  float64
}

// Ranges is an ordered list of disjoint ranges, e.g. the gain values a tuner
// accepts or the frequency bands it covers. The zero value is an empty range.
type Ranges []Range

// SingleRange builds Ranges holding one interval.
func SingleRange(start, stop, step float64) Ranges {
	return Ranges{{Start: start, Stop: stop, Step: step}}
}

// DiscreteRange builds Ranges holding each value as its own degenerate interval.
func DiscreteRange(values ...float64) Ranges {
	r := make(Ranges, 0, len(values))
	for _, v := range values {
		r = append(r, Range{Start: v, Stop: v})
	}
	return r
}

// Empty reports whether r holds no interval.
func (r Ranges) Empty() bool { return len(r) == 0 }

// Start returns the lowest bound, or 0 for an empty range.
func (r Ranges) Start() float64 {
	if r.Empty() {
		return 0
	}
	start := r[0].Start
	for _, rng := range r[1:] {
		start = math.Min(start, rng.Start)
	}
	return start
}

// Stop returns the highest bound, or 0 for an empty range.
func (r Ranges) Stop() float64 {
	if r.Empty() {
		return 0
	}
	stop := r[0].Stop
	for _, rng := range r[1:] {
		stop = math.Max(stop, rng.Stop)
	}
	return stop
}

// Clip returns the value in r closest to v. With step set, values inside a
// stepped interval snap to the nearest step.
func (r Ranges) Clip(v float64, step bool) float64 {
	if r.Empty() {
		return v
	}

	best := v
	bestDist := math.Inf(1)
	for _, rng := range r {
		c := math.Min(math.Max(v, rng.Start), rng.Stop)
		if step && rng.Step > 0 {
			c = rng.Start + math.Round((c-rng.Start)/rng.Step)*rng.Step
			c = math.Min(c, rng.Stop)
		}
		if d := math.Abs(c - v); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
