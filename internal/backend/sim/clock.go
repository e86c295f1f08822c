package sim

import (
	"fmt"
	"slices"
	"time"

	"sdr-source/internal/backend"
)

// The receiver has a single mainboard. Device time advances with the wall
// clock from the last epoch set by SetTimeNow or a PPS alignment.

func checkMainboard(mboard int) error {
	if mboard != 0 && mboard != backend.AllMainboards {
		return fmt.Errorf("mainboard %d: %w", mboard, backend.ErrMainboardOutOfRange)
	}
	return nil
}

func (r *Receiver) SetTimeSource(source string, mboard int) error {
	if err := checkMainboard(mboard); err != nil {
		return err
	}
	if !slices.Contains(timeSources, source) {
		return fmt.Errorf("time source %q: %w", source, backend.ErrNotSupported)
	}
	r.timeSource = source
	return nil
}

func (r *Receiver) TimeSource(int) string { return r.timeSource }

func (r *Receiver) TimeSources(int) []string { return slices.Clone(timeSources) }

func (r *Receiver) SetClockSource(source string, mboard int) error {
	if err := checkMainboard(mboard); err != nil {
		return err
	}
	if !slices.Contains(clockSources, source) {
		return fmt.Errorf("clock source %q: %w", source, backend.ErrNotSupported)
	}
	r.clockSource = source
	return nil
}

func (r *Receiver) ClockSource(int) string { return r.clockSource }

func (r *Receiver) ClockSources(int) []string { return slices.Clone(clockSources) }

func (r *Receiver) SetClockRate(rate float64, mboard int) error {
	if err := checkMainboard(mboard); err != nil {
		return err
	}
	if rate <= 0 {
		return fmt.Errorf("invalid clock rate %f", rate)
	}
	r.clockRate = rate
	return nil
}

func (r *Receiver) ClockRate(int) float64 { return r.clockRate }

func (r *Receiver) SetTimeNow(t time.Duration, mboard int) error {
	if err := checkMainboard(mboard); err != nil {
		return err
	}
	r.epochWall = r.now()
	r.epochDevice = t
	return nil
}

func (r *Receiver) TimeNow(int) time.Duration {
	return r.epochDevice + r.now().Sub(r.epochWall)
}

// TimeLastPPS returns the device time of the most recent whole-second edge.
func (r *Receiver) TimeLastPPS(mboard int) time.Duration {
	return r.TimeNow(mboard).Truncate(time.Second)
}

// SetTimeNextPPS latches t at the next whole second of wall time.
func (r *Receiver) SetTimeNextPPS(t time.Duration) error {
	next := r.now().Truncate(time.Second).Add(time.Second)
	r.epochWall = next
	r.epochDevice = t
	return nil
}

// SetTimeUnknownPPS behaves like SetTimeNextPPS; the software clock has no
// PPS input to wait for.
func (r *Receiver) SetTimeUnknownPPS(t time.Duration) error {
	return r.SetTimeNextPPS(t)
}
