// Package gps reads position and UTC time from a serial NMEA receiver, a gpsd
// daemon or a fixed manual location. The collector uses it to stamp captures
// and to align device time across mainboards.
package gps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sdr-source/internal/config"
)

// ErrNoFix is returned when no valid position has been received yet.
var ErrNoFix = errors.New("no GPS fix available")

type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	// Time is the UTC time reported by the receiver. Zero when the receiver
	// has not sent a usable time of day.
	Time       time.Time
	Received   time.Time
	FixQuality int
	Satellites int
}

// Receiver is implemented by every position source.
type Receiver interface {
	Start() error
	WaitForFix(ctx context.Context) (*Position, error)
	CurrentPosition() (*Position, error)
	FixQualityString() string
	Close() error
}

// Open builds the receiver selected by cfg.Mode without starting it.
func Open(cfg config.GPSConfig, logger *slog.Logger) (Receiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gps", "mode", cfg.Mode)

	switch cfg.Mode {
	case "nmea":
		return NewNMEASerial(cfg.Port, cfg.BaudRate, logger)
	case "gpsd":
		return NewGPSDClient(cfg.GPSDHost, cfg.GPSDPort, logger), nil
	case "manual":
		return NewManual(cfg.ManualLatitude, cfg.ManualLongitude, cfg.ManualAltitude), nil
	default:
		return nil, fmt.Errorf("invalid GPS mode: %s (must be 'nmea', 'gpsd', or 'manual')", cfg.Mode)
	}
}

// tracker holds the latest fix and notifies waiters of new ones.
type tracker struct {
	mu       sync.RWMutex
	position Position
	fixChan  chan Position
}

func newTracker() *tracker {
	return &tracker{fixChan: make(chan Position, 10)}
}

func (t *tracker) update(fn func(p *Position)) Position {
	t.mu.Lock()
	fn(&t.position)
	pos := t.position
	t.mu.Unlock()

	if pos.FixQuality > 0 {
		select {
		case t.fixChan <- pos:
		default:
		}
	}
	return pos
}

func (t *tracker) current() (*Position, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.position.FixQuality == 0 {
		return nil, ErrNoFix
	}
	pos := t.position
	return &pos, nil
}

func (t *tracker) quality() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.position.FixQuality
}

func (t *tracker) waitForFix(ctx context.Context) (*Position, error) {
	if pos, err := t.current(); err == nil {
		return pos, nil
	}
	for {
		select {
		case pos := <-t.fixChan:
			if pos.FixQuality > 0 {
				return &pos, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("GPS fix timeout: %w", ctx.Err())
		}
	}
}

// fixQualityString names an NMEA GGA fix quality.
func fixQualityString(quality int) string {
	switch quality {
	case 0:
		return "Invalid"
	case 1:
		return "GPS fix (SPS)"
	case 2:
		return "DGPS fix"
	case 3:
		return "PPS fix"
	case 4:
		return "Real Time Kinematic"
	case 5:
		return "Float RTK"
	case 6:
		return "estimated (dead reckoning)"
	case 7:
		return "Manual input mode"
	case 8:
		return "Simulation mode"
	default:
		return "Unknown"
	}
}

// Manual reports a fixed location with the local clock as time.
type Manual struct {
	position Position
	now      func() time.Time
}

func NewManual(lat, lon, alt float64) *Manual {
	return &Manual{
		position: Position{Latitude: lat, Longitude: lon, Altitude: alt, FixQuality: 7},
		now:      time.Now,
	}
}

func (m *Manual) Start() error { return nil }

func (m *Manual) WaitForFix(context.Context) (*Position, error) { return m.CurrentPosition() }

func (m *Manual) CurrentPosition() (*Position, error) {
	pos := m.position
	now := m.now()
	pos.Time = now.UTC()
	pos.Received = now
	return &pos, nil
}

func (m *Manual) FixQualityString() string { return fixQualityString(m.position.FixQuality) }

func (m *Manual) Close() error { return nil }
