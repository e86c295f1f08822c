package rtltcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
	"sdr-source/internal/backend/rtlsdr"
)

type frame struct {
	cmd   byte
	param uint32
}

// fakeServer speaks the server side of rtl_tcp on a loopback port.
type fakeServer struct {
	ln       net.Listener
	commands chan frame
	conn     chan net.Conn
}

func startServer(t *testing.T, magic string, tuner rtlsdr.Tuner, samples []byte) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, commands: make(chan frame, 32), conn: make(chan net.Conn, 1)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.conn <- conn

		header := make([]byte, 12)
		copy(header, magic)
		binary.BigEndian.PutUint32(header[4:], uint32(tuner))
		binary.BigEndian.PutUint32(header[8:], uint32(len(tuner.Gains())))
		conn.Write(header)
		conn.Write(samples)

		buf := make([]byte, 5)
		for {
			if _, err := io.ReadFull(conn, buf); err != nil {
				close(s.commands)
				return
			}
			s.commands <- frame{cmd: buf[0], param: binary.BigEndian.Uint32(buf[1:])}
		}
	}()
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-s.commands:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no command received")
		return frame{}
	}
}

func dial(t *testing.T, group string) *Client {
	t.Helper()
	b, err := Open(args.ParseGroup(group), backend.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b.(*Client)
}

func TestOpenReadsHeader(t *testing.T) {
	srv := startServer(t, "RTL0", rtlsdr.TunerR820T, nil)
	c := dial(t, "rtl_tcp="+srv.addr())

	assert.Equal(t, rtlsdr.TunerR820T, c.Tuner())
	assert.Equal(t, 49.6, c.GainRange(0).Stop())
	assert.Contains(t, c.Name(), srv.addr())
}

func TestOpenAcceptsAliases(t *testing.T) {
	srv := startServer(t, "RTL0", rtlsdr.TunerE4000, nil)
	c := dial(t, "rtl-tcp="+srv.addr())
	assert.Equal(t, rtlsdr.TunerE4000, c.Tuner())
}

func TestOpenRejectsBadMagic(t *testing.T) {
	srv := startServer(t, "NOPE", rtlsdr.TunerR820T, nil)
	_, err := Open(args.ParseGroup("rtl_tcp="+srv.addr()+",timeout=1"), backend.Options{})
	assert.ErrorContains(t, err, "invalid dongle header magic")
}

func TestCommandsAreFramed(t *testing.T) {
	srv := startServer(t, "RTL0", rtlsdr.TunerR820T, nil)
	c := dial(t, "rtl_tcp="+srv.addr()+",bias=1")
	assert.Equal(t, frame{cmdSetBiasTee, 1}, srv.next(t))

	f, err := c.SetCenterFreq(433.92e6, 0)
	require.NoError(t, err)
	assert.Equal(t, 433.92e6, f)
	assert.Equal(t, frame{cmdSetFrequency, 433920000}, srv.next(t))

	_, err = c.SetSampleRate(2.4e6)
	require.NoError(t, err)
	assert.Equal(t, frame{cmdSetSampleRate, 2400000}, srv.next(t))

	g, err := c.SetGain(20, 0)
	require.NoError(t, err)
	assert.Equal(t, 19.7, g)
	assert.Equal(t, frame{cmdSetGain, 197}, srv.next(t))

	_, err = c.SetGainMode(true, 0)
	require.NoError(t, err)
	assert.Equal(t, frame{cmdSetGainMode, 0}, srv.next(t))
	assert.Equal(t, frame{cmdSetAGCMode, 1}, srv.next(t))
	assert.True(t, c.GainMode(0))

	_, err = c.SetFreqCorr(-3, 0)
	require.NoError(t, err)
	assert.Equal(t, frame{cmdSetFreqCorrection, uint32(0xfffffffd)}, srv.next(t))

	_, err = c.SetCenterFreq(1e6, 1)
	assert.ErrorIs(t, err, backend.ErrChannelOutOfRange)
}

func TestIFGainOnlyOnE4000(t *testing.T) {
	srv := startServer(t, "RTL0", rtlsdr.TunerE4000, nil)
	c := dial(t, "rtl_tcp="+srv.addr())

	_, err := c.SetIFGain(6, 0)
	require.NoError(t, err)
	assert.Equal(t, frame{cmdSetIFGain, 1<<16 | 60}, srv.next(t))
}

func TestReadIQ(t *testing.T) {
	srv := startServer(t, "RTL0", rtlsdr.TunerR820T, []byte{255, 0, 0, 255})
	c := dial(t, "rtl_tcp="+srv.addr())

	dst := make([]complex64, 2)
	n, err := c.ReadIQ(context.Background(), 0, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, complex64(complex(1, -1)), dst[0])
	assert.Equal(t, complex64(complex(-1, 1)), dst[1])

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.ReadIQ(ctx, 0, dst)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerDeviceArgs(t *testing.T) {
	s := Server{Instance: "shack receiver", Address: "10.0.0.5:1234"}
	dict := args.ParseGroup(s.DeviceArgs())
	assert.Equal(t, "10.0.0.5:1234", dict[Name])
	assert.Equal(t, "shack receiver", dict["label"])
}
