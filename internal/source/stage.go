package source

import (
	"fmt"

	"sdr-source/internal/backend"
	"sdr-source/internal/iqbal"
)

// outputStage sits between a backend channel and the consumer. It owns the
// IQ balance controls of that channel.
type outputStage interface {
	process(samples []complex64)
	setMode(mode backend.IQBalanceMode) error
	setBalance(balance complex128) error
	balance() complex128
	rateChanged(rate float64)
}

// passthroughStage leaves samples untouched and hands IQ balance control to
// the backend.
type passthroughStage struct {
	backend backend.Backend
	ch      int
}

func (p *passthroughStage) process([]complex64) {}

func (p *passthroughStage) setMode(mode backend.IQBalanceMode) error {
	return p.backend.SetIQBalanceMode(mode, p.ch)
}

func (p *passthroughStage) setBalance(balance complex128) error {
	return p.backend.SetIQBalance(balance, p.ch)
}

func (p *passthroughStage) balance() complex128 { return 0 }

func (p *passthroughStage) rateChanged(float64) {}

// correctionStage runs a software estimator over the raw samples and applies
// the corrector in place. Outside Automatic mode the estimator is idle and
// the corrector parameters are under manual control.
type correctionStage struct {
	backend backend.Backend
	est     *iqbal.Estimator
	cor     *iqbal.Corrector

	mode  backend.IQBalanceMode
	saved complex128
}

func newCorrectionStage(b backend.Backend, onEstimate func()) *correctionStage {
	cor := iqbal.NewCorrector()
	return &correctionStage{
		backend: b,
		est:     iqbal.Link(iqbal.NewEstimator(0, nil), cor, onEstimate),
		cor:     cor,
		mode:    backend.IQBalanceManual,
	}
}

func (c *correctionStage) process(samples []complex64) {
	c.est.Process(samples)
	c.cor.Process(samples)
}

func (c *correctionStage) setMode(mode backend.IQBalanceMode) error {
	switch mode {
	case backend.IQBalanceOff:
		c.est.SetPeriod(0)
		if c.mode != backend.IQBalanceOff {
			c.saved = c.balance()
		}
		c.cor.Set(0, 0)
	case backend.IQBalanceManual:
		if c.mode == backend.IQBalanceOff {
			c.cor.Set(real(c.saved), imag(c.saved))
		}
		c.est.SetPeriod(0)
	case backend.IQBalanceAutomatic:
		c.est.SetPeriod(estimationPeriod(c.backend.SampleRate()))
		c.est.Reset()
	default:
		return fmt.Errorf("unknown iq balance mode %d", mode)
	}
	c.mode = mode
	return nil
}

// setBalance applies real as magnitude and imag as phase error. It is ignored
// in Automatic mode, even while the rate is too low to run the estimator.
func (c *correctionStage) setBalance(balance complex128) error {
	if c.mode != backend.IQBalanceAutomatic {
		c.cor.Set(real(balance), imag(balance))
	}
	return nil
}

func (c *correctionStage) balance() complex128 {
	return complex(c.cor.Mag(), c.cor.Phase())
}

func (c *correctionStage) rateChanged(rate float64) {
	if c.mode == backend.IQBalanceAutomatic {
		c.est.SetPeriod(estimationPeriod(rate))
		c.est.Reset()
	}
}

// estimationPeriod is a fifth of a second worth of samples.
func estimationPeriod(rate float64) int {
	return int(rate / 5)
}
