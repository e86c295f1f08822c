package iqfile

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() Metadata {
	return Metadata{
		Frequency:      433920000,
		SampleRate:     2048000,
		CollectionTime: time.Unix(1700000000, 250),
		GPSLocation:    GPSLocation{Latitude: 52.52, Longitude: 13.405, Altitude: 34},
		GPSTimestamp:   time.Unix(1700000001, 0),
		Channel:        3,
		DeviceInfo:     "sim=0,nchan=4",
		CollectionID:   "run-42",
	}
}

func rampSamples(n int) []complex64 {
	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = complex(float32(i), -float32(i))
	}
	return samples
}

func TestWriteAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ch3.dat")
	samples := rampSamples(100)

	require.NoError(t, WriteFile(path, testMetadata(), samples))

	metadata, got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, samples, got)
	assert.Equal(t, uint64(433920000), metadata.Frequency)
	assert.Equal(t, uint32(2048000), metadata.SampleRate)
	assert.Equal(t, uint16(3), metadata.Channel)
	assert.Equal(t, FormatVersion, metadata.FileFormatVersion)
	assert.Equal(t, "run-42", metadata.CollectionID)
	assert.True(t, metadata.CollectionTime.Equal(time.Unix(1700000000, 250)))
	assert.InDelta(t, 13.405, metadata.GPSLocation.Longitude, 1e-9)
}

func TestReadMetadataOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.dat")
	require.NoError(t, WriteFile(path, testMetadata(), rampSamples(10)))

	metadata, count, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), count)
	assert.Equal(t, "sim=0,nchan=4", metadata.DeviceInfo)
}

func TestLongStringsAreTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long.dat")
	m := testMetadata()
	m.DeviceInfo = strings.Repeat("x", 300)
	require.NoError(t, WriteFile(path, m, nil))

	metadata, count, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Len(t, metadata.DeviceInfo, 255)
	assert.Zero(t, count)
}

func TestReaderSeek(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seek.dat")
	require.NoError(t, WriteFile(path, testMetadata(), rampSamples(50)))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(50), r.Len())

	pos, err := r.Seek(40, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(40), pos)

	buf := make([]complex64, 20)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, complex64(complex(40, -40)), buf[0])

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	pos, err = r.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(45), pos)

	pos, err = r.Seek(-10, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(35), pos)
	assert.Equal(t, int64(35), r.Pos())

	_, err = r.Seek(51, io.SeekStart)
	assert.Error(t, err)
	assert.Equal(t, int64(35), r.Pos())
}

func TestOpenRejectsForeignFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.dat")
	require.NoError(t, os.WriteFile(path, []byte("BOGUS\x01\x00"), 0o644))

	_, err := Open(path)
	assert.ErrorContains(t, err, "invalid file format")

	_, err = Open(filepath.Join(t.TempDir(), "missing.dat"))
	assert.Error(t, err)
}
