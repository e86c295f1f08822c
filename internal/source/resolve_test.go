package source

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
	"sdr-source/internal/backend/sim"
)

func TestNewLogsBuiltInTypes(t *testing.T) {
	h := newHarness(t)
	h.newSource(t, "fake=a")
	assert.Contains(t, h.logs.String(), "Built-in source types")
	assert.Contains(t, h.logs.String(), "fake")
}

func TestGroupMatchedByAlias(t *testing.T) {
	h := newHarness(t)
	s := h.newSource(t, "fk=x,nchan=2")
	require.Len(t, h.opened, 1)
	assert.Equal(t, "x", h.opened[0].id)
	assert.Equal(t, 2, s.NumChannels())
}

func TestEnumerationPicksFirstDevice(t *testing.T) {
	h := newHarness(t)
	h.available = []string{"fake=first,nchan=3", "fake=second"}

	s := h.newSource(t, "buffers=32 bias=1")
	require.Len(t, h.opened, 1)
	assert.Equal(t, "first", h.opened[0].id)
	assert.Equal(t, 3, s.NumChannels())
	assert.Equal(t, []args.Dict{{"buffers": "32"}, {"bias": "1"}}, s.LeftoverGroups())
}

func TestEnumerationFindsNothing(t *testing.T) {
	h := newHarness(t)
	_, err := New(context.Background(), "", h.options()...)
	assert.ErrorIs(t, err, ErrNoDeviceFound)
}

func TestEnumerationErrorSurfacesWhenEmpty(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(backend.Descriptor{
		Name: "broken",
		Open: h.open,
		Enumerate: func(context.Context) ([]string, error) {
			return nil, errors.New("usb bus reset")
		},
	}))

	_, err := New(context.Background(), "", h.options()...)
	assert.ErrorIs(t, err, ErrNoDeviceFound)
	assert.Contains(t, err.Error(), "usb bus reset")
}

func TestEnumerationRespectsContext(t *testing.T) {
	h := newHarness(t)
	var deadline bool
	require.NoError(t, h.reg.Register(backend.Descriptor{
		Name: "slow",
		Open: h.open,
		Enumerate: func(ctx context.Context) ([]string, error) {
			_, deadline = ctx.Deadline()
			return nil, nil
		},
	}))

	_, err := New(context.Background(), "", h.options()...)
	assert.ErrorIs(t, err, ErrNoDeviceFound)
	assert.True(t, deadline, "enumeration runs with the discovery timeout")
}

func TestUnrecognizedGroupIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := New(context.Background(), "fake=a uhd=0", h.options()...)
	require.ErrorIs(t, err, ErrUnrecognizedBackendType)

	require.Len(t, h.opened, 1)
	assert.True(t, h.opened[0].closed, "backends opened before the failure are closed")
}

func TestLenientGroupsSkipUnknown(t *testing.T) {
	h := newHarness(t)
	s := h.newSource(t, "fake=a uhd=0 fake=b", WithLenientGroups())
	assert.Len(t, h.opened, 2)
	assert.Equal(t, 2, s.NumChannels())
}

func TestFactoryFailureClosesOpenedBackends(t *testing.T) {
	h := newHarness(t)
	_, err := New(context.Background(), "fake=a fake=b fake=c,fail", h.options()...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.NotErrorIs(t, err, ErrConstructionInvariant)

	require.Len(t, h.opened, 2)
	for _, f := range h.opened {
		assert.True(t, f.closed, f.id)
	}
}

func TestFactoryInvariant(t *testing.T) {
	for _, group := range []string{"fake=x,nilnil", "fake=x,both"} {
		t.Run(group, func(t *testing.T) {
			h := newHarness(t)
			_, err := New(context.Background(), "fake=a "+group, h.options()...)
			require.ErrorIs(t, err, ErrConstructionInvariant)
			for _, f := range h.opened {
				assert.True(t, f.closed, f.id)
			}
		})
	}
}

func TestNoDeviceSpecified(t *testing.T) {
	h := newHarness(t)
	h.available = []string{"label='not a device'"}
	_, err := New(context.Background(), "", h.options()...)
	assert.ErrorIs(t, err, ErrNoDeviceSpecified)
}

func TestCorrectionConvergesOnSimulatedImbalance(t *testing.T) {
	reg := backend.NewRegistry()
	require.NoError(t, sim.Register(reg))

	h := newHarness(t)
	s, err := New(context.Background(), "sim=0,nchan=1,iqmag=0.1,iqphase=3",
		append(h.options(), WithRegistry(reg), WithIQCorrection(true))...)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SetSampleRate(1e6)
	require.NoError(t, err)
	require.NoError(t, s.SetIQBalanceMode(backend.IQBalanceAutomatic, 0))

	buf := make([]complex64, 8192)
	for read := 0; read < 400000; {
		n, err := s.Read(context.Background(), 0, buf)
		require.NoError(t, err)
		read += n
	}

	balance := s.IQBalance(0)
	assert.InDelta(t, 0.1, real(balance), 0.01)
	assert.InDelta(t, 0.0524, imag(balance), 0.01)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.IQEstimates.WithLabelValues("0")))
}
