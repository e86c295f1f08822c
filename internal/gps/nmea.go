package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
)

// NMEASerial reads GGA and RMC sentences from a serial receiver.
type NMEASerial struct {
	*tracker

	port   io.ReadWriteCloser
	logger *slog.Logger
	now    func() time.Time

	// date is the last UTC date seen in an RMC sentence. GGA carries only
	// the time of day.
	date nmea.Date
}

// NewNMEASerial opens portName at baudRate, 8N1.
func NewNMEASerial(portName string, baudRate int, logger *slog.Logger) (*NMEASerial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPS port %s: %w", portName, err)
	}

	n := newNMEA(port, logger)
	n.configureUbloxNMEA()
	return n, nil
}

func newNMEA(port io.ReadWriteCloser, logger *slog.Logger) *NMEASerial {
	if logger == nil {
		logger = slog.Default()
	}
	return &NMEASerial{
		tracker: newTracker(),
		port:    port,
		logger:  logger,
		now:     time.Now,
	}
}

// configureUbloxNMEA asks a u-blox receiver to emit GGA and RMC on UART1.
// Other receivers ignore the UBX frames.
func (n *NMEASerial) configureUbloxNMEA() {
	// UBX-CFG-MSG: class 0xF0 id 0x00 (GGA) and id 0x04 (RMC), rate 1 on UART1.
	ggaCmd := []byte{0xB5, 0x62, 0x06, 0x01, 0x08, 0x00, 0xF0, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x31}
	rmcCmd := []byte{0xB5, 0x62, 0x06, 0x01, 0x08, 0x00, 0xF0, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x05, 0x3B}

	for _, cmd := range [][]byte{ggaCmd, rmcCmd} {
		if _, err := n.port.Write(cmd); err != nil {
			n.logger.Warn("Failed to send u-blox configuration", "error", err)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	n.logger.Debug("Sent u-blox configuration for NMEA GGA/RMC output")
}

func (n *NMEASerial) Start() error {
	go n.readLoop()
	return nil
}

func (n *NMEASerial) readLoop() {
	scanner := bufio.NewScanner(n.port)
	n.logger.Info("Starting NMEA read loop")

	for scanner.Scan() {
		n.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		n.logger.Warn("NMEA scanner error", "error", err)
	}
	n.logger.Info("NMEA read loop ended")
}

// handleLine parses one line from the receiver. Binary UBX traffic and other
// non-NMEA lines are dropped.
func (n *NMEASerial) handleLine(line string) {
	if len(line) == 0 || line[0] != '$' {
		return
	}
	for _, r := range line {
		if r < 32 || r > 126 {
			return
		}
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		n.logger.Debug("NMEA parse error", "error", err, "line", line)
		return
	}

	switch s := sentence.(type) {
	case nmea.GGA:
		n.processGGA(s)
	case nmea.RMC:
		n.processRMC(s)
	default:
		n.logger.Debug("Ignoring NMEA sentence", "type", sentence.DataType())
	}
}

func (n *NMEASerial) processGGA(s nmea.GGA) {
	quality, err := strconv.Atoi(s.FixQuality)
	if err != nil || quality == 0 {
		return
	}

	received := n.now()
	pos := n.update(func(p *Position) {
		p.Latitude = s.Latitude
		p.Longitude = s.Longitude
		p.Altitude = s.Altitude
		p.FixQuality = quality
		p.Satellites = int(s.NumSatellites)
		p.Received = received
		if t, ok := utcTime(n.date, s.Time, received); ok {
			p.Time = t
		}
	})

	n.logger.Debug("Updated position",
		"lat", pos.Latitude,
		"lon", pos.Longitude,
		"alt", pos.Altitude,
		"quality", pos.FixQuality,
		"satellites", pos.Satellites)
}

// processRMC refreshes position and UTC time of an existing fix. RMC carries
// no altitude or fix quality.
func (n *NMEASerial) processRMC(s nmea.RMC) {
	if s.Validity != "A" {
		return
	}
	if s.Date.Valid {
		n.date = s.Date
	}
	if n.quality() == 0 {
		return
	}

	received := n.now()
	n.update(func(p *Position) {
		p.Latitude = s.Latitude
		p.Longitude = s.Longitude
		p.Received = received
		if t, ok := utcTime(n.date, s.Time, received); ok {
			p.Time = t
		}
	})
}

// utcTime combines an NMEA date and time of day. Without a date the UTC date
// of the local clock is used.
func utcTime(date nmea.Date, tod nmea.Time, now time.Time) (time.Time, bool) {
	if !tod.Valid {
		return time.Time{}, false
	}

	year, month, day := now.UTC().Date()
	if date.Valid {
		year, month, day = 2000+date.YY, time.Month(date.MM), date.DD
		if date.YY >= 80 {
			year -= 100
		}
	}
	return time.Date(year, month, day,
		tod.Hour, tod.Minute, tod.Second,
		tod.Millisecond*int(time.Millisecond),
		time.UTC), true
}

func (n *NMEASerial) WaitForFix(ctx context.Context) (*Position, error) {
	pos, err := n.waitForFix(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w (the receiver may be emitting UBX binary instead of NMEA GGA/RMC; consider gps.mode=gpsd)", err)
	}
	return pos, nil
}

func (n *NMEASerial) CurrentPosition() (*Position, error) { return n.current() }

func (n *NMEASerial) FixQualityString() string { return fixQualityString(n.quality()) }

func (n *NMEASerial) Close() error {
	if n.port != nil {
		return n.port.Close()
	}
	return nil
}
