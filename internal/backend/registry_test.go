package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdr-source/internal/args"
)

func openNothing(args.Dict, Options) (Backend, error) { return nil, nil }

func listing(devices ...string) Enumerator {
	return func(context.Context) ([]string, error) { return devices, nil }
}

func TestRegistryRejectsDuplicateKeys(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "rtl_tcp", Aliases: []string{"rtltcp"}, Open: openNothing}))

	err := r.Register(Descriptor{Name: "rtltcp", Open: openNothing})
	assert.ErrorIs(t, err, ErrDuplicateBackend)

	err = r.Register(Descriptor{Name: "other"})
	assert.Error(t, err, "nil factory must be rejected")
}

func TestRegistryLookupByAlias(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "rtl_tcp", Aliases: []string{"rtltcp", "rtl-tcp"}, Open: openNothing}))

	d, err := r.Lookup("rtl-tcp")
	require.NoError(t, err)
	assert.Equal(t, "rtl_tcp", d.Name)

	_, err = r.Lookup("uhd")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRegistryMatchFollowsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "file", Open: openNothing}))
	require.NoError(t, r.Register(Descriptor{Name: "sim", Open: openNothing}))

	d, ok := r.Match(args.Dict{"sim": "0", "file": "/tmp/x.dat"})
	require.True(t, ok)
	assert.Equal(t, "file", d.Name)

	_, ok = r.Match(args.Dict{"buffers": "32"})
	assert.False(t, ok)
}

func TestRegistryEnumerateConcatenatesInOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "a", Open: openNothing, Enumerate: listing("a=0", "a=1")}))
	require.NoError(t, r.Register(Descriptor{Name: "b", Open: openNothing,
		Enumerate: func(context.Context) ([]string, error) { return nil, errors.New("bus error") }}))
	require.NoError(t, r.Register(Descriptor{Name: "c", Open: openNothing, Enumerate: listing("c=0")}))
	require.NoError(t, r.Register(Descriptor{Name: "d", Open: openNothing}))

	devices, err := r.Enumerate(context.Background())
	assert.Equal(t, []string{"a=0", "a=1", "c=0"}, devices)
	assert.ErrorContains(t, err, "bus error")
	assert.Equal(t, []string{"a", "b", "c", "d"}, r.Names())
}

func TestRangesClipAndBounds(t *testing.T) {
	r := Ranges{{Start: 0, Stop: 10, Step: 2}, {Start: 20, Stop: 30}}

	assert.Equal(t, 0.0, r.Start())
	assert.Equal(t, 30.0, r.Stop())
	assert.Equal(t, 4.0, r.Clip(4.9, true))
	assert.Equal(t, 20.0, r.Clip(17, false))
	assert.Equal(t, 30.0, r.Clip(99, false))

	var empty Ranges
	assert.True(t, empty.Empty())
	assert.Equal(t, 0.0, empty.Stop())
	assert.Equal(t, 7.0, empty.Clip(7, true))
}

func TestParseModes(t *testing.T) {
	m, err := ParseIQBalanceMode("auto")
	require.NoError(t, err)
	assert.Equal(t, IQBalanceAutomatic, m)

	d, err := ParseDCOffsetMode("manual")
	require.NoError(t, err)
	assert.Equal(t, DCOffsetManual, d)

	_, err = ParseIQBalanceMode("sometimes")
	assert.Error(t, err)
}
