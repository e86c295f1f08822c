// Package file replays IQ recordings written by the collector as a single
// channel backend.
//
// Device arguments:
//
//	file=<path>[,freq=<hz>][,rate=<sps>][,repeat=true|false]
//
// freq and rate override the values stored in the recording header.
package file

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
	"sdr-source/internal/iqfile"
)

const Name = "file"

// Register adds the file backend to r.
func Register(r *backend.Registry) error {
	return r.Register(backend.Descriptor{
		Name:        Name,
		Description: "IQ recording replay",
		Open:        Open,
	})
}

// Source replays one recording.
type Source struct {
	backend.Base

	path   string
	repeat bool
	logger *slog.Logger

	mu     sync.Mutex
	reader *iqfile.Reader

	rate    float64
	freq    float64
	corr    float64
	gain    float64
	autoAGC bool
}

// Open opens the recording named by the "file" key.
func Open(dict args.Dict, opts backend.Options) (backend.Backend, error) {
	path := dict.Get(Name, "")
	if path == "" {
		return nil, fmt.Errorf("failed to open file backend: no path given")
	}

	reader, err := iqfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	metadata := reader.Metadata()

	s := &Source{
		path:   path,
		reader: reader,
		logger: opts.Logger,
		rate:   float64(metadata.SampleRate),
		freq:   float64(metadata.Frequency),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.rate, err = dict.Float("rate", s.rate); err != nil {
		reader.Close()
		return nil, err
	}
	if s.freq, err = dict.Float("freq", s.freq); err != nil {
		reader.Close()
		return nil, err
	}
	if s.repeat, err = dict.Bool("repeat", true); err != nil {
		reader.Close()
		return nil, err
	}

	s.logger.Info("Opened recording",
		"path", path,
		"samples", reader.Len(),
		"rate", s.rate,
		"freq", s.freq,
		"repeat", s.repeat)
	return s, nil
}

func (s *Source) Name() string { return fmt.Sprintf("IQ File Source (%s)", s.path) }

func (s *Source) NumChannels() int { return 1 }

func (s *Source) SampleRates() backend.Ranges {
	return backend.DiscreteRange(s.rate)
}

// SetSampleRate records the rate; replay does not resample.
func (s *Source) SetSampleRate(rate float64) (float64, error) {
	s.rate = rate
	return s.rate, nil
}

func (s *Source) SampleRate() float64 { return s.rate }

func (s *Source) FreqRange(ch int) backend.Ranges {
	if ch != 0 {
		return nil
	}
	return backend.DiscreteRange(s.freq)
}

func (s *Source) SetCenterFreq(freq float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	s.freq = freq
	return s.freq, nil
}

func (s *Source) CenterFreq(ch int) float64 {
	if ch != 0 {
		return 0
	}
	return s.freq
}

func (s *Source) SetFreqCorr(ppm float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	s.corr = ppm
	return s.corr, nil
}

func (s *Source) FreqCorr(ch int) float64 {
	if ch != 0 {
		return 0
	}
	return s.corr
}

func (s *Source) GainNames(int) []string { return nil }

func (s *Source) GainRange(int) backend.Ranges { return nil }

func (s *Source) NamedGainRange(string, int) backend.Ranges { return nil }

func (s *Source) SetGainMode(automatic bool, ch int) (bool, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return false, err
	}
	s.autoAGC = automatic
	return s.autoAGC, nil
}

func (s *Source) GainMode(ch int) bool { return ch == 0 && s.autoAGC }

// SetGain is accepted and reported back; recorded samples are not scaled.
func (s *Source) SetGain(gain float64, ch int) (float64, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	s.gain = gain
	return s.gain, nil
}

func (s *Source) SetNamedGain(gain float64, _ string, ch int) (float64, error) {
	return s.SetGain(gain, ch)
}

func (s *Source) Gain(ch int) float64 {
	if ch != 0 {
		return 0
	}
	return s.gain
}

func (s *Source) NamedGain(_ string, ch int) float64 { return s.Gain(ch) }

func (s *Source) Antennas(int) []string { return nil }

func (s *Source) SetAntenna(string, int) (string, error) { return "", nil }

func (s *Source) Antenna(int) string { return "" }

// SeekSamples positions the replay. offset is counted in samples.
func (s *Source) SeekSamples(offset int64, whence int, ch int) bool {
	if ch != 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reader.Seek(offset, whence); err != nil {
		s.logger.Warn("Seek rejected", "path", s.path, "offset", offset, "error", err)
		return false
	}
	return true
}

// ReadIQ fills dst from the recording, wrapping around when repeat is set.
// It returns io.EOF at the end of a non-repeating recording.
func (s *Source) ReadIQ(ctx context.Context, ch int, dst []complex64) (int, error) {
	if err := backend.CheckChannel(ch, 1); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for total < len(dst) {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := s.reader.Read(dst[total:])
		total += n
		if err == io.EOF {
			if !s.repeat || s.reader.Len() == 0 {
				if total > 0 {
					return total, nil
				}
				return 0, io.EOF
			}
			if _, err := s.reader.Seek(0, io.SeekStart); err != nil {
				return total, fmt.Errorf("failed to rewind recording: %w", err)
			}
			continue
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader.Close()
}
