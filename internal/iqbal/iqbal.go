// Package iqbal estimates and removes IQ amplitude and phase imbalance.
//
// A receiver with imbalance delivers Q' = (1+mag)(Q cos(phase) + I sin(phase)).
// The Estimator recovers mag and phase from second order statistics of the raw
// stream; the Corrector inverts the model. They are linked through a Feedback
// func so every finished estimation period updates the corrector.
package iqbal

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Feedback receives the parameters of each finished estimation period.
type Feedback func(mag, phase float64)

// Estimator accumulates E[I²], E[Q²] and E[IQ] over Period samples.
// A period of zero disables estimation.
type Estimator struct {
	mu       sync.Mutex
	period   int
	feedback Feedback

	count      int
	ii, qq, iq float64
	i, q       []float64
}

func NewEstimator(period int, feedback Feedback) *Estimator {
	return &Estimator{period: max(period, 0), feedback: feedback}
}

func (e *Estimator) Period() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.period
}

// SetPeriod changes the number of samples per estimate. Accumulated
// statistics are kept; call Reset to discard them.
func (e *Estimator) SetPeriod(period int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.period = max(period, 0)
}

// Reset discards the statistics of the current period.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

func (e *Estimator) reset() {
	e.count = 0
	e.ii, e.qq, e.iq = 0, 0, 0
}

// Process feeds raw samples into the estimator.
func (e *Estimator) Process(samples []complex64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(samples) > 0 && e.period > 0 {
		n := max(min(len(samples), e.period-e.count), 0)
		e.accumulate(samples[:n])
		samples = samples[n:]

		if e.count >= e.period {
			mag, phase, ok := Estimate(e.ii, e.qq, e.iq)
			e.reset()
			if ok && e.feedback != nil {
				e.feedback(mag, phase)
			}
		}
	}
}

func (e *Estimator) accumulate(samples []complex64) {
	if cap(e.i) < len(samples) {
		e.i = make([]float64, len(samples))
		e.q = make([]float64, len(samples))
	}
	i, q := e.i[:len(samples)], e.q[:len(samples)]
	for k, s := range samples {
		i[k], q[k] = float64(real(s)), float64(imag(s))
	}

	e.ii += floats.Dot(i, i)
	e.qq += floats.Dot(q, q)
	e.iq += floats.Dot(i, q)
	e.count += len(samples)
}

// Estimate derives mag and phase from the accumulated sums of I², Q² and IQ.
// ok is false when either rail carries no power.
func Estimate(ii, qq, iq float64) (mag, phase float64, ok bool) {
	if ii <= 0 || qq <= 0 {
		return 0, 0, false
	}
	mag = math.Sqrt(qq/ii) - 1
	rho := iq / math.Sqrt(ii*qq)
	phase = math.Asin(math.Max(-1, math.Min(1, rho)))
	return mag, phase, true
}

// Corrector removes a known imbalance in place.
type Corrector struct {
	mu    sync.Mutex
	mag   float64
	phase float64
}

func NewCorrector() *Corrector { return &Corrector{} }

func (c *Corrector) Mag() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mag
}

func (c *Corrector) Phase() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Set updates both parameters at once. It has the Feedback signature.
func (c *Corrector) Set(mag, phase float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mag, c.phase = mag, phase
}

// Process corrects samples in place.
func (c *Corrector) Process(samples []complex64) {
	c.mu.Lock()
	mag, phase := c.mag, c.phase
	c.mu.Unlock()

	if mag == 0 && phase == 0 {
		return
	}

	scale := 1 / (1 + mag)
	sin, cos := math.Sincos(phase)
	for k, s := range samples {
		iv, qv := float64(real(s)), float64(imag(s))
		qv = (qv*scale - iv*sin) / cos
		samples[k] = complex(real(s), float32(qv))
	}
}

// Link wires est's feedback into cor and returns est. notify, when set, runs
// after each update of cor.
func Link(est *Estimator, cor *Corrector, notify func()) *Estimator {
	feedback := cor.Set
	if notify != nil {
		feedback = func(mag, phase float64) {
			cor.Set(mag, phase)
			notify()
		}
	}

	est.mu.Lock()
	est.feedback = feedback
	est.mu.Unlock()
	return est
}
