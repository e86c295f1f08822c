// Package rtltcp is a client backend for rtl_tcp servers.
//
// The server streams unsigned 8 bit I/Q pairs after a 12 byte dongle header
// ("RTL0", tuner type, gain count, big endian). Control commands are 5 byte
// frames: one command byte followed by a big endian uint32 parameter.
//
// Device arguments:
//
//	rtl_tcp[=<host:port>][,timeout=<seconds>][,bias=0|1][,direct_samp=0|1|2][,offset=0|1]
//
// "rtltcp" and "rtl-tcp" are accepted as aliases.
package rtltcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
	"sdr-source/internal/backend/rtlsdr"
)

const (
	Name = "rtl_tcp"

	DefaultAddress = "127.0.0.1:1234"
	defaultTimeout = 5 * time.Second
	headerMagic    = "RTL0"
)

// Command codes understood by rtl_tcp.
const (
	cmdSetFrequency      byte = 0x01
	cmdSetSampleRate     byte = 0x02
	cmdSetGainMode       byte = 0x03
	cmdSetGain           byte = 0x04
	cmdSetFreqCorrection byte = 0x05
	cmdSetIFGain         byte = 0x06
	cmdSetAGCMode        byte = 0x08
	cmdSetDirectSampling byte = 0x09
	cmdSetOffsetTuning   byte = 0x0a
	cmdSetBiasTee        byte = 0x0e
)

// Register adds the rtl_tcp client backend to r.
func Register(r *backend.Registry) error {
	return r.Register(backend.Descriptor{
		Name:        Name,
		Aliases:     []string{"rtltcp", "rtl-tcp"},
		Description: "rtl_tcp network receiver",
		Enumerate:   Enumerate,
		Open:        Open,
	})
}

// Client is a connection to one rtl_tcp server.
type Client struct {
	backend.Base

	addr   string
	tuner  rtlsdr.Tuner
	gains  []float64
	logger *slog.Logger

	wmu  sync.Mutex
	conn net.Conn

	rmu    sync.Mutex
	reader *bufio.Reader
	raw    []byte

	rate float64
	freq float64
	corr float64
	gain float64
	agc  bool
}

// Open connects to the server and reads its dongle header.
func Open(dict args.Dict, opts backend.Options) (backend.Backend, error) {
	addr := DefaultAddress
	for _, key := range []string{Name, "rtltcp", "rtl-tcp"} {
		if v := dict.Get(key, ""); v != "" {
			addr = v
			break
		}
	}

	seconds, err := dict.Float("timeout", defaultTimeout.Seconds())
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(seconds * float64(time.Second))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rtl_tcp server %s: %w", addr, err)
	}

	c := &Client{
		addr:   addr,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		logger: opts.Logger,
		rate:   2048000,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	if err := c.readHeader(timeout); err != nil {
		conn.Close()
		return nil, err
	}

	if err := c.applyOptions(dict); err != nil {
		conn.Close()
		return nil, err
	}

	c.logger.Info("Connected to rtl_tcp server", "address", addr, "tuner", c.tuner.String(), "gains", len(c.gains))
	return c, nil
}

func (c *Client) readHeader(timeout time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	header := make([]byte, 12)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return fmt.Errorf("failed to read dongle header: %w", err)
	}
	if string(header[:4]) != headerMagic {
		return fmt.Errorf("invalid dongle header magic %q", header[:4])
	}

	c.tuner = rtlsdr.Tuner(binary.BigEndian.Uint32(header[4:8]))
	c.gains = c.tuner.Gains()
	if count := binary.BigEndian.Uint32(header[8:12]); count != uint32(len(c.gains)) {
		c.logger.Debug("Server gain count differs from tuner table", "server", count, "table", len(c.gains))
	}
	return nil
}

func (c *Client) applyOptions(dict args.Dict) error {
	options := []struct {
		key string
		cmd byte
	}{
		{"bias", cmdSetBiasTee},
		{"direct_samp", cmdSetDirectSampling},
		{"offset", cmdSetOffsetTuning},
	}
	for _, o := range options {
		if !dict.Has(o.key) {
			continue
		}
		v, err := dict.Int(o.key, 1)
		if err != nil {
			return err
		}
		if err := c.command(o.cmd, uint32(v)); err != nil {
			return err
		}
	}
	return nil
}

// command sends one control frame.
func (c *Client) command(cmd byte, param uint32) error {
	var frame [5]byte
	frame[0] = cmd
	binary.BigEndian.PutUint32(frame[1:], param)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to send rtl_tcp command 0x%02x: %w", cmd, err)
	}
	return nil
}

func (c *Client) Name() string { return fmt.Sprintf("RTL TCP Client (%s, %s)", c.addr, c.tuner) }

func (c *Client) Tuner() rtlsdr.Tuner { return c.tuner }

func (c *Client) NumChannels() int { return 1 }

func (c *Client) SampleRates() backend.Ranges { return rtlsdr.SampleRates() }

func (c *Client) SetSampleRate(rate float64) (float64, error) {
	if err := c.command(cmdSetSampleRate, uint32(rate)); err != nil {
		return 0, err
	}
	c.rate = rate
	return c.rate, nil
}

func (c *Client) SampleRate() float64 { return c.rate }

func (c *Client) FreqRange(ch int) backend.Ranges {
	if ch != 0 {
		return nil
	}
	return c.tuner.FreqRange()
}

func (c *Client) SetCenterFreq(freq float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	if err := c.command(cmdSetFrequency, uint32(freq)); err != nil {
		return 0, err
	}
	c.freq = freq
	return c.freq, nil
}

func (c *Client) CenterFreq(ch int) float64 {
	if ch != 0 {
		return 0
	}
	return c.freq
}

func (c *Client) SetFreqCorr(ppm float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	if err := c.command(cmdSetFreqCorrection, uint32(int32(ppm))); err != nil {
		return 0, err
	}
	c.corr = ppm
	return c.corr, nil
}

func (c *Client) FreqCorr(ch int) float64 {
	if ch != 0 {
		return 0
	}
	return c.corr
}

func (c *Client) GainNames(ch int) []string {
	if ch != 0 {
		return nil
	}
	return []string{"LNA"}
}

func (c *Client) GainRange(ch int) backend.Ranges {
	if ch != 0 {
		return nil
	}
	return backend.DiscreteRange(c.gains...)
}

func (c *Client) NamedGainRange(_ string, ch int) backend.Ranges { return c.GainRange(ch) }

// SetGainMode toggles tuner AGC and the RTL2832 digital AGC together.
func (c *Client) SetGainMode(automatic bool, ch int) (bool, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return false, err
	}
	manual := uint32(1)
	agc := uint32(0)
	if automatic {
		manual, agc = 0, 1
	}
	if err := c.command(cmdSetGainMode, manual); err != nil {
		return c.agc, err
	}
	if err := c.command(cmdSetAGCMode, agc); err != nil {
		return c.agc, err
	}
	c.agc = automatic
	return c.agc, nil
}

func (c *Client) GainMode(ch int) bool { return ch == 0 && c.agc }

// SetGain snaps to the nearest tuner gain step before sending it.
func (c *Client) SetGain(gain float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	applied := c.GainRange(ch).Clip(gain, false)
	if err := c.command(cmdSetGain, uint32(int32(math.Round(applied*10)))); err != nil {
		return 0, err
	}
	c.gain = applied
	return c.gain, nil
}

func (c *Client) SetNamedGain(gain float64, _ string, ch int) (float64, error) {
	return c.SetGain(gain, ch)
}

func (c *Client) Gain(ch int) float64 {
	if ch != 0 {
		return 0
	}
	return c.gain
}

func (c *Client) NamedGain(_ string, ch int) float64 { return c.Gain(ch) }

// SetIFGain programs IF stage 1 (E4000 only). The parameter packs the stage
// number in the upper 16 bits and the gain in tenths of dB in the lower 16.
func (c *Client) SetIFGain(gain float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	if c.tuner != rtlsdr.TunerE4000 {
		return 0, nil
	}
	param := uint32(1)<<16 | uint32(uint16(int16(math.Round(gain*10))))
	if err := c.command(cmdSetIFGain, param); err != nil {
		return 0, err
	}
	return gain, nil
}

func (c *Client) Antennas(ch int) []string {
	if ch != 0 {
		return nil
	}
	return []string{"RX"}
}

func (c *Client) SetAntenna(antenna string, ch int) (string, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return "", err
	}
	if antenna != "RX" && antenna != "" {
		return "RX", fmt.Errorf("antenna %q: %w", antenna, backend.ErrNotSupported)
	}
	return "RX", nil
}

func (c *Client) Antenna(ch int) string {
	if ch != 0 {
		return ""
	}
	return "RX"
}

// ReadIQ reads len(dst) samples from the stream. ctx cancellation interrupts
// a blocked read.
func (c *Client) ReadIQ(ctx context.Context, ch int, dst []complex64) (int, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	need := 2 * len(dst)
	if cap(c.raw) < need {
		c.raw = make([]byte, need)
	}
	raw := c.raw[:need]

	n, err := io.ReadFull(c.reader, raw)
	got := rtlsdr.ConvertU8(dst, raw[:n])
	if err != nil {
		if ctx.Err() != nil {
			return got, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
				return got, context.DeadlineExceeded
			}
		}
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return got, err
	}
	return got, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
