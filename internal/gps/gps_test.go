package gps

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stratoberry/go-gpsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdr-source/internal/config"
	"sdr-source/internal/logging"
)

const (
	ggaFix   = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	ggaNoFix = "$GPGGA,123519,4807.038,N,01131.000,E,0,00,,,M,,M,,*52"
	rmcValid = "$GPRMC,123520,A,4807.038,N,01131.000,E,022.4,084.4,150624,003.1,W*6B"
)

type nopPort struct{ io.Reader }

func (nopPort) Write(p []byte) (int, error) { return len(p), nil }
func (nopPort) Close() error                { return nil }

func newTestNMEA() *NMEASerial {
	n := newNMEA(nopPort{}, logging.Discard())
	n.now = func() time.Time { return time.Date(2024, 6, 14, 23, 59, 0, 0, time.UTC) }
	return n
}

func TestGGAProducesFix(t *testing.T) {
	n := newTestNMEA()

	n.handleLine(ggaNoFix)
	_, err := n.CurrentPosition()
	assert.ErrorIs(t, err, ErrNoFix)

	n.handleLine(ggaFix)
	pos, err := n.CurrentPosition()
	require.NoError(t, err)
	assert.InDelta(t, 48.1173, pos.Latitude, 1e-4)
	assert.InDelta(t, 11.5167, pos.Longitude, 1e-4)
	assert.Equal(t, 545.4, pos.Altitude)
	assert.Equal(t, 1, pos.FixQuality)
	assert.Equal(t, 8, pos.Satellites)
	assert.Equal(t, time.Date(2024, 6, 14, 12, 35, 19, 0, time.UTC), pos.Time, "date taken from the local clock")
	assert.Equal(t, "GPS fix (SPS)", n.FixQualityString())
}

func TestRMCSuppliesDate(t *testing.T) {
	n := newTestNMEA()

	n.handleLine(rmcValid)
	_, err := n.CurrentPosition()
	assert.ErrorIs(t, err, ErrNoFix, "RMC alone does not establish a fix")

	n.handleLine(ggaFix)
	pos, err := n.CurrentPosition()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 15, 12, 35, 19, 0, time.UTC), pos.Time)

	n.handleLine(rmcValid)
	pos, err = n.CurrentPosition()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 15, 12, 35, 20, 0, time.UTC), pos.Time)
	assert.Equal(t, 545.4, pos.Altitude, "altitude survives RMC updates")
}

func TestNonNMEALinesAreDropped(t *testing.T) {
	n := newTestNMEA()
	n.handleLine("")
	n.handleLine("\xb5b\x06\x01")
	n.handleLine("$GPGGA,garbage*00")
	assert.Equal(t, "Invalid", n.FixQualityString())
}

func TestWaitForFix(t *testing.T) {
	n := newTestNMEA()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := n.WaitForFix(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	go n.handleLine(ggaFix)
	pos, err := n.WaitForFix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pos.FixQuality)
}

func TestGPSDSatelliteCountPreserved(t *testing.T) {
	g := NewGPSDClient("localhost", "2947", logging.Discard())

	g.handleSKY(&gpsd.SKYReport{Satellites: make([]gpsd.Satellite, 4)})
	_, err := g.CurrentPosition()
	assert.ErrorIs(t, err, ErrNoFix)

	fixTime := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g.handleTPV(&gpsd.TPVReport{Mode: 3, Lat: 33.349, Lon: -111.758, Alt: 359.84, Time: fixTime})

	pos, err := g.CurrentPosition()
	require.NoError(t, err)
	assert.Equal(t, 1, pos.FixQuality)
	assert.Equal(t, 4, pos.Satellites)
	assert.Equal(t, 33.349, pos.Latitude)
	assert.Equal(t, -111.758, pos.Longitude)
	assert.Equal(t, fixTime, pos.Time)

	g.handleSKY(&gpsd.SKYReport{Satellites: make([]gpsd.Satellite, 6)})
	pos, err = g.CurrentPosition()
	require.NoError(t, err)
	assert.Equal(t, 6, pos.Satellites)
	assert.Equal(t, 33.349, pos.Latitude)
	assert.Equal(t, "GPS fix (SPS) (via gpsd)", g.FixQualityString())
}

func TestGPSDIgnoresReportsWithoutFix(t *testing.T) {
	g := NewGPSDClient("", "", nil)
	g.handleTPV(&gpsd.TPVReport{Mode: 1, Lat: 1, Lon: 1})
	g.handleTPV(&gpsd.TPVReport{Mode: 3})
	g.handleTPV("not a report")
	assert.False(t, g.quality() > 0)
}

func TestOpenManual(t *testing.T) {
	cfg := config.DefaultConfig().GPS
	cfg.Mode = "manual"
	cfg.ManualLatitude = 52.52
	cfg.ManualLongitude = 13.405

	r, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Close()

	pos, err := r.WaitForFix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 52.52, pos.Latitude)
	assert.Equal(t, 13.405, pos.Longitude)
	assert.Equal(t, time.UTC, pos.Time.Location())
	assert.Equal(t, "Manual input mode", r.FixQualityString())
}

func TestOpenRejectsUnknownMode(t *testing.T) {
	cfg := config.DefaultConfig().GPS
	cfg.Mode = "glonass"
	_, err := Open(cfg, nil)
	assert.Error(t, err)
}
