// Package iqfile reads and writes single-channel IQ recordings.
//
// A recording is a little-endian header followed by interleaved float32 I/Q
// pairs. The collector writes one file per logical channel; the file backend
// replays them.
package iqfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const (
	magic = "SDRIQ"

	// FormatVersion is written into every new recording.
	FormatVersion uint16 = 2

	sampleSize = 8
)

type Metadata struct {
	Frequency         uint64
	SampleRate        uint32
	CollectionTime    time.Time
	GPSLocation       GPSLocation
	GPSTimestamp      time.Time
	Channel           uint16
	DeviceInfo        string
	FileFormatVersion uint16
	CollectionID      string
}

type GPSLocation struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// WriteFile creates filename and stores metadata and samples in it.
func WriteFile(filename string, metadata Metadata, samples []complex64) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := writeHeader(w, metadata, uint32(len(samples))); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writeSamples(w, samples); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush samples: %w", err)
	}
	return file.Close()
}

func writeHeader(w io.Writer, metadata Metadata, sampleCount uint32) error {
	if metadata.FileFormatVersion == 0 {
		metadata.FileFormatVersion = FormatVersion
	}

	fields := []any{
		[]byte(magic),
		metadata.FileFormatVersion,
		metadata.Frequency,
		metadata.SampleRate,
		metadata.CollectionTime.Unix(),
		int32(metadata.CollectionTime.Nanosecond()),
		metadata.GPSLocation.Latitude,
		metadata.GPSLocation.Longitude,
		metadata.GPSLocation.Altitude,
		metadata.GPSTimestamp.Unix(),
		int32(metadata.GPSTimestamp.Nanosecond()),
		metadata.Channel,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}

	if err := writeString(w, metadata.DeviceInfo); err != nil {
		return err
	}
	if err := writeString(w, metadata.CollectionID); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, sampleCount)
}

// writeString stores s with a one byte length prefix, truncating to 255 bytes.
func writeString(w io.Writer, s string) error {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeSamples(w io.Writer, samples []complex64) error {
	buf := make([]byte, sampleSize)
	for _, s := range samples {
		binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(imag(s)))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// readHeader parses the header and returns the metadata, the sample count and
// the header length in bytes.
func readHeader(r io.Reader) (*Metadata, uint32, int64, error) {
	cr := &countingReader{r: r}

	m := make([]byte, len(magic))
	if _, err := io.ReadFull(cr, m); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(m) != magic {
		return nil, 0, 0, fmt.Errorf("invalid file format")
	}

	var (
		metadata                Metadata
		collectionUnix, gpsUnix int64
		collectionNano, gpsNano int32
	)
	fields := []any{
		&metadata.FileFormatVersion,
		&metadata.Frequency,
		&metadata.SampleRate,
		&collectionUnix,
		&collectionNano,
		&metadata.GPSLocation.Latitude,
		&metadata.GPSLocation.Longitude,
		&metadata.GPSLocation.Altitude,
		&gpsUnix,
		&gpsNano,
		&metadata.Channel,
	}
	for _, f := range fields {
		if err := binary.Read(cr, binary.LittleEndian, f); err != nil {
			return nil, 0, 0, err
		}
	}
	metadata.CollectionTime = time.Unix(collectionUnix, int64(collectionNano))
	metadata.GPSTimestamp = time.Unix(gpsUnix, int64(gpsNano))

	var err error
	if metadata.DeviceInfo, err = readString(cr); err != nil {
		return nil, 0, 0, err
	}
	if metadata.CollectionID, err = readString(cr); err != nil {
		return nil, 0, 0, err
	}

	var sampleCount uint32
	if err := binary.Read(cr, binary.LittleEndian, &sampleCount); err != nil {
		return nil, 0, 0, err
	}
	return &metadata, sampleCount, cr.n, nil
}

func readString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ReadMetadata reads only the header without loading sample data.
func ReadMetadata(filename string) (*Metadata, uint32, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	metadata, count, _, err := readHeader(bufio.NewReader(file))
	return metadata, count, err
}

// ReadFile reads the complete recording.
func ReadFile(filename string) (*Metadata, []complex64, error) {
	r, err := Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	samples := make([]complex64, r.Len())
	n, err := r.Read(samples)
	if err != nil && err != io.EOF {
		return nil, nil, err
	}
	return r.Metadata(), samples[:n], nil
}
