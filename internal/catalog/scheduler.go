package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Scheduler runs RefreshIfStale on a fixed interval. A run still in flight
// when the next tick fires is not overlapped.
type Scheduler struct {
	s      *gocron.Scheduler
	svc    *Service
	logger *zap.Logger
}

func NewScheduler(svc *Service, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("catalog scheduler: interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := &Scheduler{s: gocron.NewScheduler(time.UTC), svc: svc, logger: logger}
	sc.s.SingletonModeAll()
	if _, err := sc.s.Every(interval).Do(sc.tick, interval); err != nil {
		return nil, fmt.Errorf("catalog scheduler: %w", err)
	}
	return sc, nil
}

func (sc *Scheduler) tick(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	refreshed, err := sc.svc.RefreshIfStale(ctx)
	if err != nil {
		sc.logger.Warn("catalog: scheduled refresh failed", zap.Error(err))
		return
	}
	if refreshed {
		sc.logger.Debug("catalog: scheduled refresh done")
	}
}

func (sc *Scheduler) Start() { sc.s.StartAsync() }

func (sc *Scheduler) Stop() { sc.s.Stop() }
