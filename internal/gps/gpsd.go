package gps

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/stratoberry/go-gpsd"
)

// GPSDClient reads TPV and SKY reports from a gpsd daemon.
type GPSDClient struct {
	*tracker

	client *gpsd.Session
	host   string
	port   string
	logger *slog.Logger
	now    func() time.Time
}

func NewGPSDClient(host, port string, logger *slog.Logger) *GPSDClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GPSDClient{
		tracker: newTracker(),
		host:    host,
		port:    port,
		logger:  logger,
		now:     time.Now,
	}
}

// Start connects to the configured host, falling back to gpsd's default
// address, and starts watching reports.
func (g *GPSDClient) Start() error {
	address := gpsd.DefaultAddress
	if g.host != "" && g.port != "" {
		address = net.JoinHostPort(g.host, g.port)
	}

	client, err := gpsd.Dial(address)
	if err != nil && address != gpsd.DefaultAddress {
		g.logger.Warn("Failed to reach gpsd, trying default address", "address", address, "error", err)
		address = gpsd.DefaultAddress
		client, err = gpsd.Dial(address)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to gpsd at %s: %w", address, err)
	}
	g.client = client

	g.client.AddFilter("TPV", g.handleTPV)
	g.client.AddFilter("SKY", g.handleSKY)
	g.client.Watch()

	g.logger.Info("Watching gpsd", "address", address)
	return nil
}

func (g *GPSDClient) handleTPV(r interface{}) {
	tpv, ok := r.(*gpsd.TPVReport)
	if !ok {
		return
	}

	// Mode 2 is a 2D fix and mode 3 a 3D fix.
	if (tpv.Mode != 2 && tpv.Mode != 3) || (tpv.Lat == 0 && tpv.Lon == 0) {
		return
	}

	received := g.now()
	g.update(func(p *Position) {
		p.Latitude = tpv.Lat
		p.Longitude = tpv.Lon
		p.Altitude = tpv.Alt
		p.Time = tpv.Time.UTC()
		p.Received = received
		p.FixQuality = 1
	})
}

// handleSKY records the satellite count. It is kept when the next TPV
// report arrives.
func (g *GPSDClient) handleSKY(r interface{}) {
	sky, ok := r.(*gpsd.SKYReport)
	if !ok {
		return
	}

	g.mu.Lock()
	g.position.Satellites = len(sky.Satellites)
	g.mu.Unlock()
}

func (g *GPSDClient) WaitForFix(ctx context.Context) (*Position, error) { return g.waitForFix(ctx) }

func (g *GPSDClient) CurrentPosition() (*Position, error) { return g.current() }

func (g *GPSDClient) FixQualityString() string {
	return fixQualityString(g.quality()) + " (via gpsd)"
}

func (g *GPSDClient) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}
