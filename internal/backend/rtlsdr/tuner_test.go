package rtlsdr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTuner(t *testing.T) {
	assert.Equal(t, TunerR820T, ParseTuner("RTLSDR_TUNER_R820T"))
	assert.Equal(t, TunerE4000, ParseTuner("E4000"))
	assert.Equal(t, TunerUnknown, ParseTuner("MAX2112"))
}

func TestTunerGains(t *testing.T) {
	gains := TunerR820T.Gains()
	assert.Len(t, gains, 29)
	assert.Equal(t, 0.0, gains[0])
	assert.Equal(t, 49.6, gains[len(gains)-1])

	assert.Equal(t, []float64{-9.9, -4, 7.1, 17.9, 19.2}, TunerFC0012.Gains())
	assert.Equal(t, []float64{0}, TunerUnknown.Gains())
}

func TestClosestSampleRate(t *testing.T) {
	assert.Equal(t, 2048000.0, ClosestSampleRate(2000000))
	assert.Equal(t, 250000.0, ClosestSampleRate(1))
	assert.Equal(t, 3200000.0, ClosestSampleRate(10e6))
}

func TestConvertU8(t *testing.T) {
	dst := make([]complex64, 4)
	n := ConvertU8(dst, []byte{0, 255, 255, 0, 128})
	assert.Equal(t, 2, n)
	assert.Equal(t, complex64(complex(-1, 1)), dst[0])
	assert.Equal(t, complex64(complex(1, -1)), dst[1])
}

func TestFreqRangeByTuner(t *testing.T) {
	assert.Equal(t, 24e6, TunerR820T.FreqRange().Start())
	assert.Equal(t, 924e6, TunerFC2580.FreqRange().Stop())
}
