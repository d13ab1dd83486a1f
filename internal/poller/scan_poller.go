package poller

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/lock"
	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"go.uber.org/zap"
)

const DefaultInterval = 15 * time.Minute

type StuckOrderScanner interface {
	Scan(ctx context.Context, minAge time.Duration, maxBatch int) (service.ScanReport, error)
}

// Locker guards a tick across instances. lock.RedisLease implements it.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, acquired bool, err error)
}

type ScanPoller struct {
	scanner  StuckOrderScanner
	locker   Locker
	interval time.Duration
	minAge   time.Duration
	maxBatch int
	log      *zap.Logger
}

// NewScanPoller builds a poller. locker may be nil for single-instance deployments.
func NewScanPoller(scanner StuckOrderScanner, locker Locker, interval, minAge time.Duration, maxBatch int, log *zap.Logger) *ScanPoller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if minAge <= 0 {
		minAge = service.DefaultMinAge
	}
	if maxBatch <= 0 {
		maxBatch = service.DefaultMaxBatch
	}
	return &ScanPoller{
		scanner:  scanner,
		locker:   locker,
		interval: interval,
		minAge:   minAge,
		maxBatch: maxBatch,
		log:      log,
	}
}

func (p *ScanPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.log.Info("stuck-order poller started",
		zap.Duration("interval", p.interval),
		zap.Duration("min_age", p.minAge),
		zap.Int("max_batch", p.maxBatch))
	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			p.log.Info("stuck-order poller stopped")
			return
		}
	}
}

// tick reports whether a scan ran.
func (p *ScanPoller) tick(ctx context.Context) bool {
	if p.locker != nil {
		release, acquired, err := p.locker.TryAcquire(ctx)
		if err != nil {
			p.log.Error("failed to acquire scanner lease, skipping tick", zap.Error(err))
			return false
		}
		if !acquired {
			p.log.Debug("scanner lease held by another instance")
			return false
		}
		defer func() {
			// ctx may already be cancelled; the lease must still be released
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil && !errors.Is(err, lock.ErrLeaseLost) {
				p.log.Error("failed to release scanner lease", zap.Error(err))
			} else if err != nil {
				p.log.Warn("scanner lease expired before the scan finished")
			}
		}()
	}

	if _, err := p.scanner.Scan(ctx, p.minAge, p.maxBatch); err != nil {
		p.log.Error("stuck-order scan failed", zap.Error(err))
	}
	return true
}
