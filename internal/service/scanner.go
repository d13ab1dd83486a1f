package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/pkg/logger"
	"go.uber.org/zap"
)

const (
	DefaultMinAge   = 30 * time.Minute
	DefaultMaxBatch = 100
)

var (
	ErrInvalidScanParams = errors.New("scan parameters must be positive")
	errUnlockRejected    = errors.New("unlock rejected by scan policy")
)

// ScanPolicy decides whether a stuck order is handed back to the customer or cancelled.
type ScanPolicy struct {
	// UnlockFirst tries ArrangingPayment -> AddingItems before cancelling.
	UnlockFirst bool
	// CancelChannels are channels whose stuck orders are always cancelled.
	CancelChannels []string
}

func DefaultScanPolicy() ScanPolicy {
	return ScanPolicy{UnlockFirst: true}
}

func (p ScanPolicy) allowsUnlock(order domain.Order) bool {
	return p.UnlockFirst && !slices.Contains(p.CancelChannels, order.ChannelID)
}

type ScanFailure struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type ScanReport struct {
	Cutoff    time.Time     `json:"cutoff"`
	Scanned   int           `json:"scanned"`
	Unlocked  int           `json:"unlocked"`
	Cancelled int           `json:"cancelled"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Failures  []ScanFailure `json:"failures,omitempty"`
}

type scanResolution int

const (
	resolutionSkipped scanResolution = iota
	resolutionUnlocked
	resolutionCancelled
	resolutionFailed
)

type Scanner struct {
	store  repository.OrderStore
	policy ScanPolicy
	log    *zap.Logger
	now    func() time.Time
}

func NewScanner(store repository.OrderStore, policy ScanPolicy, log *zap.Logger) *Scanner {
	return &Scanner{store: store, policy: policy, log: log, now: time.Now}
}

// Scan resolves up to maxBatch orders stuck in ArrangingPayment for longer than minAge,
// oldest first. Running it again right away changes nothing. Orders already committed
// stay resolved when ctx is cancelled mid-batch; the partial report is returned with
// the error.
func (s *Scanner) Scan(ctx context.Context, minAge time.Duration, maxBatch int) (ScanReport, error) {
	if minAge <= 0 || maxBatch <= 0 {
		return ScanReport{}, ErrInvalidScanParams
	}
	log := logger.FromContext(ctx, s.log)

	report := ScanReport{Cutoff: s.now().UTC().Add(-minAge)}
	candidates, err := s.store.FindOrdersInState(ctx, domain.OrderStateArrangingPayment, report.Cutoff, maxBatch)
	if err != nil {
		log.Error("failed to query stuck orders", zap.Error(err))
		return report, fmt.Errorf("find stuck orders: %w", err)
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			log.Warn("scan interrupted", zap.Int("scanned", report.Scanned), zap.Error(err))
			return report, err
		}
		report.Scanned++

		resolution, reason, err := s.resolve(ctx, candidate.ID, report.Cutoff)
		if err != nil {
			resolution = resolutionFailed
			reason = err.Error()
			log.Error("failed to resolve stuck order", zap.String("order_id", candidate.ID), zap.Error(err))
		}

		switch resolution {
		case resolutionUnlocked:
			report.Unlocked++
		case resolutionCancelled:
			report.Cancelled++
		case resolutionSkipped:
			report.Skipped++
		case resolutionFailed:
			report.Failed++
			report.Failures = append(report.Failures, ScanFailure{OrderID: candidate.ID, Reason: reason})
		}
	}

	log.Info("stuck-order scan finished",
		zap.Time("cutoff", report.Cutoff),
		zap.Int("scanned", report.Scanned),
		zap.Int("unlocked", report.Unlocked),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

// resolve re-reads the candidate under its lock, since it may have moved between the
// unlocked query and now.
func (s *Scanner) resolve(ctx context.Context, orderID string, cutoff time.Time) (scanResolution, string, error) {
	resolution := resolutionSkipped
	var reason string

	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.OrderTx) error {
		order, err := tx.FindOrder(ctx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if order.State != domain.OrderStateArrangingPayment || !order.UpdatedAt.Before(cutoff) {
			return nil
		}
		if order.HasSuccessfulPayment() {
			return nil
		}

		next, unlockErr := s.unlock(*order)
		if unlockErr == nil {
			resolution = resolutionUnlocked
		} else {
			cancelled, cancelErr := domain.Transition(*order, domain.OrderStateCancelled)
			if cancelErr != nil {
				resolution = resolutionFailed
				reason = fmt.Sprintf("unlock: %v; cancel: %v", unlockErr, cancelErr)
				return nil
			}
			next = cancelled
			resolution = resolutionCancelled
		}

		if err := tx.SaveOrder(ctx, &next); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		return RecordStateChange(ctx, tx, OrderStateChange{
			OrderID:   order.ID,
			OrderCode: order.Code,
			From:      order.State,
			To:        next.State,
			Trigger:   TriggerScanner,
			ChangedAt: s.now().UTC(),
		})
	})
	if err != nil {
		return resolutionFailed, "", err
	}
	return resolution, reason, nil
}

func (s *Scanner) unlock(order domain.Order) (domain.Order, error) {
	if !s.policy.allowsUnlock(order) {
		return order, errUnlockRejected
	}
	return domain.Transition(order, domain.OrderStateAddingItems)
}
