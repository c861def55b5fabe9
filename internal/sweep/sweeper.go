// Package sweep drives the periodic recompute of active positions.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coinvest/internal/engine"
	"coinvest/internal/metrics"
)

// Sweeper runs the position sweep on a fixed interval and on demand.
type Sweeper struct {
	engine   *engine.Engine
	interval time.Duration
	cron     *cron.Cron
	logger   zerolog.Logger
}

// New creates a Sweeper. interval must be positive.
func New(eng *engine.Engine, interval time.Duration) *Sweeper {
	return &Sweeper{
		engine:   eng,
		interval: interval,
		cron:     cron.New(),
		logger:   log.With().Str("component", "sweeper").Logger(),
	}
}

// Start schedules the recurring sweep and runs one immediately so
// restarts pick up matured positions without waiting a full interval.
func (s *Sweeper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Str("interval", s.interval.String()).Msg("sweeper started")

	go s.RunOnce(ctx)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("sweeper stopped")
}

// RunOnce sweeps all active positions once. Safe to call concurrently
// with the scheduled runs; settlement is guarded at the store.
func (s *Sweeper) RunOnce(ctx context.Context) {
	started := time.Now()
	swept, settled, failed := s.engine.SweepActive(ctx, started)

	metrics.SweepsTotal.Inc()
	metrics.SweepDuration.Observe(time.Since(started).Seconds())

	evt := s.logger.Info()
	if failed > 0 {
		evt = s.logger.Warn()
	}
	evt.Int("swept", swept).
		Int("settled", settled).
		Int("failed", failed).
		Dur("took", time.Since(started)).
		Msg("sweep complete")
}
