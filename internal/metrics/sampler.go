package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// SampleFunc refreshes gauges that are polled rather than updated inline.
type SampleFunc func(ctx context.Context) error

// Sampler runs SampleFuncs on a fixed interval.
type Sampler struct {
	interval time.Duration
	funcs    []SampleFunc
	logger   *slog.Logger
}

// NewSampler creates a Sampler. Config defaults are applied automatically.
func NewSampler(cfg Config, logger *slog.Logger, funcs ...SampleFunc) *Sampler {
	cfg.ApplyDefaults()
	return &Sampler{
		interval: cfg.SampleInterval,
		funcs:    funcs,
		logger:   logger.With("component", "metrics"),
	}
}

// Run samples immediately and then on every tick. It blocks until ctx is
// cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	s.sample(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	for _, f := range s.funcs {
		if err := safeSample(ctx, f); err != nil {
			s.logger.Warn("sampler failed", "error", err)
		}
	}
}

// safeSample calls f with panic recovery.
func safeSample(ctx context.Context, f SampleFunc) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("sampler panicked: %v\n%s", v, debug.Stack())
		}
	}()
	return f(ctx)
}
