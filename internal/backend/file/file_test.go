package file

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
	"sdr-source/internal/iqfile"
)

func writeRecording(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.dat")
	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = complex(float32(i), 0)
	}
	require.NoError(t, iqfile.WriteFile(path, iqfile.Metadata{
		Frequency:      100e6,
		SampleRate:     1e6,
		CollectionTime: time.Unix(1700000000, 0),
	}, samples))
	return path
}

func openSource(t *testing.T, group string) *Source {
	t.Helper()
	b, err := Open(args.ParseGroup(group), backend.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b.(*Source)
}

func TestOpenUsesHeaderAndOverrides(t *testing.T) {
	path := writeRecording(t, 8)

	s := openSource(t, "file="+path)
	assert.Equal(t, 1, s.NumChannels())
	assert.Equal(t, 1e6, s.SampleRate())
	assert.Equal(t, 100e6, s.CenterFreq(0))

	s = openSource(t, "file="+path+",rate=2e6,freq=433.92e6")
	assert.Equal(t, 2e6, s.SampleRate())
	assert.Equal(t, 433.92e6, s.CenterFreq(0))
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(args.ParseGroup("file"), backend.Options{})
	assert.Error(t, err)

	_, err = Open(args.ParseGroup("file=/nonexistent/rec.dat"), backend.Options{})
	assert.Error(t, err)

	path := writeRecording(t, 1)
	_, err = Open(args.ParseGroup("file="+path+",repeat=maybe"), backend.Options{})
	assert.Error(t, err)
}

func TestReadWrapsWhenRepeating(t *testing.T) {
	s := openSource(t, "file="+writeRecording(t, 4))

	dst := make([]complex64, 10)
	n, err := s.ReadIQ(context.Background(), 0, dst)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []complex64{0, 1, 2, 3, 0, 1, 2, 3, 0, 1}, dst)
}

func TestReadStopsWithoutRepeat(t *testing.T) {
	s := openSource(t, "file="+writeRecording(t, 4)+",repeat=false")

	dst := make([]complex64, 10)
	n, err := s.ReadIQ(context.Background(), 0, dst)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = s.ReadIQ(context.Background(), 0, dst)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSeekSamples(t *testing.T) {
	s := openSource(t, "file="+writeRecording(t, 16)+",repeat=false")

	assert.True(t, s.SeekSamples(12, io.SeekStart, 0))
	dst := make([]complex64, 2)
	_, err := s.ReadIQ(context.Background(), 0, dst)
	require.NoError(t, err)
	assert.Equal(t, []complex64{12, 13}, dst)

	assert.False(t, s.SeekSamples(0, io.SeekStart, 1))
	assert.False(t, s.SeekSamples(99, io.SeekStart, 0))
}

func TestControlsOnForeignChannel(t *testing.T) {
	s := openSource(t, "file="+writeRecording(t, 1))

	_, err := s.SetCenterFreq(1e6, 1)
	assert.ErrorIs(t, err, backend.ErrChannelOutOfRange)
	assert.Zero(t, s.CenterFreq(1))

	g, err := s.SetGain(20, 0)
	require.NoError(t, err)
	assert.Equal(t, 20.0, g)
	assert.Equal(t, 20.0, s.NamedGain("LNA", 0))
}
