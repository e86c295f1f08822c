package iqbal

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// impaired returns n noise-like samples carrying the given imbalance.
func impaired(n int, mag, phase float64) []complex64 {
	rng := rand.New(rand.NewPCG(7, 11))
	out := make([]complex64, n)
	for k := range out {
		iv, qv := rng.NormFloat64(), rng.NormFloat64()
		qv = (1 + mag) * (qv*math.Cos(phase) + iv*math.Sin(phase))
		out[k] = complex(float32(iv), float32(qv))
	}
	return out
}

func TestEstimateRecoversImbalance(t *testing.T) {
	var got [][2]float64
	est := NewEstimator(100000, func(mag, phase float64) {
		got = append(got, [2]float64{mag, phase})
	})

	est.Process(impaired(200000, 0.1, 0.05))

	require.Len(t, got, 2)
	assert.InDelta(t, 0.1, got[1][0], 0.02)
	assert.InDelta(t, 0.05, got[1][1], 0.02)
}

func TestZeroPeriodDisablesEstimation(t *testing.T) {
	calls := 0
	est := NewEstimator(0, func(float64, float64) { calls++ })
	est.Process(impaired(1000, 0.1, 0))
	assert.Zero(t, calls)

	est.SetPeriod(-5)
	assert.Zero(t, est.Period())
}

func TestPeriodSpansCalls(t *testing.T) {
	calls := 0
	est := NewEstimator(100, func(float64, float64) { calls++ })
	for i := 0; i < 5; i++ {
		est.Process(impaired(30, 0, 0))
	}
	assert.Equal(t, 1, calls)

	est.Reset()
	est.Process(impaired(90, 0, 0))
	assert.Equal(t, 1, calls)
}

func TestEstimateNeedsPowerOnBothRails(t *testing.T) {
	_, _, ok := Estimate(0, 1, 0)
	assert.False(t, ok)

	mag, phase, ok := Estimate(4, 9, 0)
	require.True(t, ok)
	assert.InDelta(t, 0.5, mag, 1e-12)
	assert.Zero(t, phase)
}

func TestLinkedPairRemovesImbalance(t *testing.T) {
	cor := NewCorrector()
	updates := 0
	est := Link(NewEstimator(100000, nil), cor, func() { updates++ })

	est.Process(impaired(100000, 0.2, -0.1))
	assert.Equal(t, 1, updates)
	assert.InDelta(t, 0.2, cor.Mag(), 0.02)
	assert.InDelta(t, -0.1, cor.Phase(), 0.02)

	samples := impaired(100000, 0.2, -0.1)
	cor.Process(samples)

	var ii, qq, iq float64
	for _, s := range samples {
		iv, qv := float64(real(s)), float64(imag(s))
		ii += iv * iv
		qq += qv * qv
		iq += iv * qv
	}
	mag, phase, ok := Estimate(ii, qq, iq)
	require.True(t, ok)
	assert.InDelta(t, 0, mag, 0.02)
	assert.InDelta(t, 0, phase, 0.02)
}

func TestCorrectorPassThroughWhenZero(t *testing.T) {
	cor := NewCorrector()
	samples := []complex64{complex(1, 2), complex(-3, 4)}
	cor.Process(samples)
	assert.Equal(t, []complex64{complex(1, 2), complex(-3, 4)}, samples)

	cor.Set(1, 0)
	cor.Process(samples)
	assert.Equal(t, complex64(complex(1, 1)), samples[0])
}
