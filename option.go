package paygate

import (
	"time"

	"github.com/mneelabs/paygate/logger"
	"github.com/mneelabs/paygate/metrics"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.metrics = r
	}
}

// WithRateFreshness sets how old a cached FX observation may be before the
// converter fails closed.
func WithRateFreshness(d time.Duration) Option {
	return func(g *Gateway) {
		g.freshness = d
	}
}
