package source

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"sdr-source/internal/backend"
)

// board returns the backend behind a mainboard index. AllMainboards reads
// from the first backend.
func (s *Source) board(mboard int) (backend.Backend, bool) {
	if mboard == AllMainboards {
		mboard = 0
	}
	if mboard < 0 || mboard >= len(s.devices) {
		return nil, false
	}
	return s.devices[mboard].backend, true
}

// query routes a clock getter to mainboard 0 of the backend behind mboard.
func query[T any](s *Source, op string, mboard int, get func(b backend.Backend) T) (T, error) {
	b, ok := s.board(mboard)
	if !ok {
		var zero T
		return zero, fmt.Errorf("failed to %s on mainboard %d of %d: %w", op, mboard, len(s.devices), ErrMainboardOutOfRange)
	}
	return get(b), nil
}

// eachBoard routes a clock setter. A single index calls that backend with
// mainboard 0; AllMainboards calls every backend in order with AllMainboards.
func (s *Source) eachBoard(op string, mboard int, apply func(b backend.Backend, mboard int) error) error {
	if mboard != AllMainboards {
		b, ok := s.board(mboard)
		if !ok {
			return fmt.Errorf("failed to %s on mainboard %d of %d: %w", op, mboard, len(s.devices), ErrMainboardOutOfRange)
		}
		return s.clockWrite(op, func() error { return apply(b, 0) })
	}

	var errs error
	for _, d := range s.devices {
		errs = multierr.Append(errs, s.clockWrite(op, func() error { return apply(d.backend, AllMainboards) }))
	}
	return errs
}

func (s *Source) clockWrite(op string, apply func() error) error {
	_, err := write(s, op, func() (struct{}, error) { return struct{}{}, apply() })
	return err
}

func (s *Source) SetTimeSource(source string, mboard int) error {
	return s.eachBoard("set_time_source", mboard, func(b backend.Backend, mb int) error {
		return b.SetTimeSource(source, mb)
	})
}

func (s *Source) TimeSource(mboard int) (string, error) {
	return query(s, "get_time_source", mboard, func(b backend.Backend) string { return b.TimeSource(0) })
}

func (s *Source) TimeSources(mboard int) ([]string, error) {
	return query(s, "get_time_sources", mboard, func(b backend.Backend) []string { return b.TimeSources(0) })
}

func (s *Source) SetClockSource(source string, mboard int) error {
	return s.eachBoard("set_clock_source", mboard, func(b backend.Backend, mb int) error {
		return b.SetClockSource(source, mb)
	})
}

func (s *Source) ClockSource(mboard int) (string, error) {
	return query(s, "get_clock_source", mboard, func(b backend.Backend) string { return b.ClockSource(0) })
}

func (s *Source) ClockSources(mboard int) ([]string, error) {
	return query(s, "get_clock_sources", mboard, func(b backend.Backend) []string { return b.ClockSources(0) })
}

func (s *Source) SetClockRate(rate float64, mboard int) error {
	return s.eachBoard("set_clock_rate", mboard, func(b backend.Backend, mb int) error {
		return b.SetClockRate(rate, mb)
	})
}

func (s *Source) ClockRate(mboard int) (float64, error) {
	return query(s, "get_clock_rate", mboard, func(b backend.Backend) float64 { return b.ClockRate(0) })
}

// SetTimeNow sets the device time of one or every mainboard.
func (s *Source) SetTimeNow(t time.Duration, mboard int) error {
	return s.eachBoard("set_time_now", mboard, func(b backend.Backend, mb int) error {
		return b.SetTimeNow(t, mb)
	})
}

func (s *Source) TimeNow(mboard int) (time.Duration, error) {
	return query(s, "get_time_now", mboard, func(b backend.Backend) time.Duration { return b.TimeNow(0) })
}

func (s *Source) TimeLastPPS(mboard int) (time.Duration, error) {
	return query(s, "get_time_last_pps", mboard, func(b backend.Backend) time.Duration { return b.TimeLastPPS(0) })
}

// SetTimeNextPPS latches t on every backend at its next PPS edge.
func (s *Source) SetTimeNextPPS(t time.Duration) error {
	return s.eachBoard("set_time_next_pps", AllMainboards, func(b backend.Backend, _ int) error {
		return b.SetTimeNextPPS(t)
	})
}

// SetTimeUnknownPPS latches t on every backend at a PPS edge whose position
// is not known to the caller.
func (s *Source) SetTimeUnknownPPS(t time.Duration) error {
	return s.eachBoard("set_time_unknown_pps", AllMainboards, func(b backend.Backend, _ int) error {
		return b.SetTimeUnknownPPS(t)
	})
}
