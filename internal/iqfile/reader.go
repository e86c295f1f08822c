package iqfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Reader streams samples from a recording and supports seeking by sample index.
type Reader struct {
	file     *os.File
	buf      *bufio.Reader
	metadata *Metadata
	count    int64
	dataOff  int64
	pos      int64
	raw      []byte
}

// Open parses the header of filename and positions the reader at sample 0.
func Open(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	metadata, count, headerLen, err := readHeader(bufio.NewReader(file))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read header of %s: %w", filename, err)
	}

	r := &Reader{
		file:     file,
		metadata: metadata,
		count:    int64(count),
		dataOff:  headerLen,
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) Metadata() *Metadata { return r.metadata }

// Len returns the number of samples in the recording.
func (r *Reader) Len() int64 { return r.count }

// Pos returns the index of the next sample Read will return.
func (r *Reader) Pos() int64 { return r.pos }

// Seek moves to a sample index. Offsets are counted in samples.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.count + offset
	default:
		return r.pos, fmt.Errorf("invalid whence %d", whence)
	}
	if target < 0 || target > r.count {
		return r.pos, fmt.Errorf("seek to sample %d outside [0, %d]", target, r.count)
	}

	if _, err := r.file.Seek(r.dataOff+target*sampleSize, io.SeekStart); err != nil {
		return r.pos, fmt.Errorf("failed to seek: %w", err)
	}
	r.buf = bufio.NewReader(r.file)
	r.pos = target
	return target, nil
}

// Read fills dst with the next samples. It returns io.EOF once the recording
// is exhausted.
func (r *Reader) Read(dst []complex64) (int, error) {
	remaining := r.count - r.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	n := len(dst)
	if int64(n) > remaining {
		n = int(remaining)
	}

	need := n * sampleSize
	if cap(r.raw) < need {
		r.raw = make([]byte, need)
	}
	raw := r.raw[:need]
	if _, err := io.ReadFull(r.buf, raw); err != nil {
		return 0, fmt.Errorf("failed to read samples: %w", err)
	}

	for i := 0; i < n; i++ {
		re := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*sampleSize:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*sampleSize+4:]))
		dst[i] = complex(re, im)
	}
	r.pos += int64(n)
	return n, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}
