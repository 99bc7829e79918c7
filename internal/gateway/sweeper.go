package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically evicts members whose connection dropped more than
// grace ago without an explicit leave.
type Sweeper struct {
	gateway  *Gateway
	grace    time.Duration
	interval time.Duration
	logger   *zap.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// NewSweeper creates a Sweeper.
//
// Precondition: grace >= 0; interval >= 1s.
func NewSweeper(g *Gateway, grace, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		gateway:  g,
		grace:    grace,
		interval: interval,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:      time.Now,
	}
}

// Sweep evicts every departure older than the grace period.
//
// Postcondition: Returns the number of departures processed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	departures := s.gateway.Sessions().DrainDepartures(s.now().Add(-s.grace))
	for _, d := range departures {
		if err := s.gateway.Evict(ctx, d); err != nil {
			s.logger.Error("evicting departed connection",
				zap.String("conn_id", d.ConnID),
				zap.String("pin", d.Pin),
				zap.Error(err),
			)
		}
	}
	if len(departures) > 0 {
		s.logger.Debug("sweep complete", zap.Int("evicted", len(departures)))
	}
	return len(departures)
}

// Start schedules sweeps and blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	schedule := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling sweeper %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.Info("departure sweeper started",
		zap.Duration("grace", s.grace),
		zap.Duration("interval", s.interval),
	)
	<-ctx.Done()
	return nil
}

// Stop halts the schedule and waits for a running sweep, up to ctx's deadline.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("sweeper stop timed out")
	}
}
