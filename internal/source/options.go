package source

import (
	"log/slog"
	"time"

	"sdr-source/internal/backend"
	"sdr-source/internal/metric"
)

// DefaultDiscoveryTimeout bounds backend enumeration when the caller's context
// carries no deadline.
const DefaultDiscoveryTimeout = 3 * time.Second

type options struct {
	registry         *backend.Registry
	logger           *slog.Logger
	metrics          *metric.Metrics
	iqCorrection     bool
	lenientGroups    bool
	discoveryTimeout time.Duration
}

// Option configures New.
type Option func(*options)

// WithRegistry resolves device groups against reg instead of the built-in registry.
func WithRegistry(reg *backend.Registry) Option {
	return func(o *options) { o.registry = reg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records backend writes, cache hits and sample counts into m.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIQCorrection inserts a software IQ imbalance estimator and corrector in
// front of every channel. IQ balance calls then drive the software pair
// instead of the backend.
func WithIQCorrection(enabled bool) Option {
	return func(o *options) { o.iqCorrection = enabled }
}

// WithLenientGroups skips device groups that name no registered backend instead
// of failing with ErrUnrecognizedBackendType.
func WithLenientGroups() Option {
	return func(o *options) { o.lenientGroups = true }
}

// WithDiscoveryTimeout overrides DefaultDiscoveryTimeout. Zero or negative
// leaves enumeration bounded only by the caller's context.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *options) { o.discoveryTimeout = d }
}

func defaultOptions() options {
	return options{
		logger:           slog.Default(),
		discoveryTimeout: DefaultDiscoveryTimeout,
	}
}
