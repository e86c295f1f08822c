package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
	"sdr-source/internal/metric"
)

// call is one control call seen by a fakeBackend.
type call struct {
	op    string
	ch    int
	value any
}

// fakeBackend records every control call. Gains are applied rounded to whole
// dB so applied and requested values can differ.
type fakeBackend struct {
	backend.Base

	id    string
	nchan int
	rate  float64

	mu       sync.Mutex
	calls    []call
	fail     map[string]error
	closeErr error
	closed   bool
	fill     complex64
	pattern  []complex64
	pos      int
	journal  *journal
}

// journal orders the calls of every fake opened by one harness.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// matching returns the entries for op in call order, as "id:op".
func (j *journal) matching(op string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.entries {
		if strings.HasSuffix(e, ":"+op) {
			out = append(out, e)
		}
	}
	return out
}

func newFakeBackend(id string, nchan int) *fakeBackend {
	return &fakeBackend{id: id, nchan: nchan, rate: 1e6, fail: map[string]error{}, fill: complex(1, 1)}
}

func (f *fakeBackend) record(op string, ch int, value any) error {
	if f.journal != nil {
		f.journal.add(f.id + ":" + op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, ch: ch, value: value})
	return f.fail[op]
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeBackend) callsTo(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBackend) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

func (f *fakeBackend) Name() string     { return "Fake " + f.id }
func (f *fakeBackend) NumChannels() int { return f.nchan }

func (f *fakeBackend) SampleRates() backend.Ranges { return backend.SingleRange(1e5, 1e7, 0) }

func (f *fakeBackend) SetSampleRate(rate float64) (float64, error) {
	if err := f.record("set_sample_rate", 0, rate); err != nil {
		return 0, err
	}
	f.rate = math.Round(rate/1000) * 1000
	return f.rate, nil
}

func (f *fakeBackend) SampleRate() float64 { return f.rate }

func (f *fakeBackend) FreqRange(int) backend.Ranges { return backend.SingleRange(1e6, 2e9, 0) }

func (f *fakeBackend) SetCenterFreq(freq float64, ch int) (float64, error) {
	return freq, f.record("set_center_freq", ch, freq)
}

func (f *fakeBackend) CenterFreq(ch int) float64 { return float64(ch + 1) }

func (f *fakeBackend) SetFreqCorr(ppm float64, ch int) (float64, error) {
	return ppm, f.record("set_freq_corr", ch, ppm)
}

func (f *fakeBackend) FreqCorr(int) float64 { return 0 }

func (f *fakeBackend) GainNames(int) []string { return []string{"LNA"} }

func (f *fakeBackend) GainRange(int) backend.Ranges { return backend.SingleRange(0, 50, 1) }

func (f *fakeBackend) NamedGainRange(string, int) backend.Ranges { return backend.SingleRange(0, 50, 1) }

func (f *fakeBackend) SetGainMode(automatic bool, ch int) (bool, error) {
	return automatic, f.record("set_gain_mode", ch, automatic)
}

func (f *fakeBackend) GainMode(int) bool { return false }

func (f *fakeBackend) SetGain(gain float64, ch int) (float64, error) {
	return math.Round(gain), f.record("set_gain", ch, gain)
}

func (f *fakeBackend) SetNamedGain(gain float64, name string, ch int) (float64, error) {
	return math.Round(gain), f.record("set_named_gain", ch, name)
}

func (f *fakeBackend) Gain(int) float64 { return 0 }

func (f *fakeBackend) NamedGain(string, int) float64 { return 0 }

func (f *fakeBackend) SetIFGain(gain float64, ch int) (float64, error) {
	return gain, f.record("set_if_gain", ch, gain)
}

func (f *fakeBackend) SetBBGain(gain float64, ch int) (float64, error) {
	return gain, f.record("set_bb_gain", ch, gain)
}

func (f *fakeBackend) Antennas(int) []string { return []string{"RX"} }

func (f *fakeBackend) SetAntenna(antenna string, ch int) (string, error) {
	return antenna, f.record("set_antenna", ch, antenna)
}

func (f *fakeBackend) Antenna(int) string { return "RX" }

func (f *fakeBackend) SetDCOffsetMode(mode backend.DCOffsetMode, ch int) error {
	return f.record("set_dc_offset_mode", ch, mode)
}

func (f *fakeBackend) SetDCOffset(offset complex128, ch int) error {
	return f.record("set_dc_offset", ch, offset)
}

func (f *fakeBackend) SetIQBalanceMode(mode backend.IQBalanceMode, ch int) error {
	return f.record("set_iq_balance_mode", ch, mode)
}

func (f *fakeBackend) SetIQBalance(balance complex128, ch int) error {
	return f.record("set_iq_balance", ch, balance)
}

func (f *fakeBackend) SetBandwidth(bw float64, ch int) (float64, error) {
	applied := bw
	if bw == 0 {
		applied = f.rate
	}
	return applied, f.record("set_bandwidth", ch, bw)
}

func (f *fakeBackend) SetTimeSource(source string, mboard int) error {
	return f.record("set_time_source", mboard, source)
}

func (f *fakeBackend) TimeSource(int) string { return "fake-" + f.id }

func (f *fakeBackend) SetClockRate(rate float64, mboard int) error {
	return f.record("set_clock_rate", mboard, rate)
}

func (f *fakeBackend) SetTimeNow(t time.Duration, mboard int) error {
	return f.record("set_time_now", mboard, t)
}

func (f *fakeBackend) SetTimeNextPPS(t time.Duration) error {
	return f.record("set_time_next_pps", backend.AllMainboards, t)
}

func (f *fakeBackend) SetTimeUnknownPPS(t time.Duration) error {
	return f.record("set_time_unknown_pps", backend.AllMainboards, t)
}

func (f *fakeBackend) ReadIQ(ctx context.Context, ch int, dst []complex64) (int, error) {
	if err := backend.CheckChannel(ch, f.nchan); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range dst {
		if len(f.pattern) == 0 {
			dst[i] = f.fill
			continue
		}
		dst[i] = f.pattern[f.pos]
		f.pos = (f.pos + 1) % len(f.pattern)
	}
	return len(dst), nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

// harness owns a registry whose "fake" backend type opens fakeBackends.
//
// Group keys understood by the fake factory:
//
//	fake=<id>      (alias fk) opens a backend named id
//	nchan=<n>      channel count, default 1
//	fail           factory returns an error
//	nilnil         factory returns neither handle nor error
//	both           factory returns a handle and an error
//	closefail      the backend fails to close
type harness struct {
	reg       *backend.Registry
	opened    []*fakeBackend
	available []string
	logs      *bytes.Buffer
	metrics   *metric.Metrics
	journal   *journal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{reg: backend.NewRegistry(), logs: &bytes.Buffer{}, metrics: metric.NewMetrics(), journal: &journal{}}

	err := h.reg.Register(backend.Descriptor{
		Name:    "fake",
		Aliases: []string{"fk"},
		Enumerate: func(context.Context) ([]string, error) {
			return h.available, nil
		},
		Open: h.open,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) open(dict args.Dict, _ backend.Options) (backend.Backend, error) {
	id := dict.Get("fake", dict.Get("fk", fmt.Sprint(len(h.opened))))
	nchan, err := dict.Int("nchan", 1)
	if err != nil {
		return nil, err
	}

	switch {
	case dict.Has("fail"):
		return nil, errors.New("device busy")
	case dict.Has("nilnil"):
		return nil, nil
	}

	f := newFakeBackend(id, nchan)
	f.journal = h.journal
	if dict.Has("closefail") {
		f.closeErr = fmt.Errorf("fake %s stuck", id)
	}
	h.opened = append(h.opened, f)
	if dict.Has("both") {
		return f, errors.New("half open")
	}
	return f, nil
}

func (h *harness) options(extra ...Option) []Option {
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return append([]Option{
		WithRegistry(h.reg),
		WithLogger(logger),
		WithMetrics(h.metrics),
	}, extra...)
}

func (h *harness) newSource(t *testing.T, argString string, extra ...Option) *Source {
	t.Helper()
	s, err := New(context.Background(), argString, h.options(extra...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
