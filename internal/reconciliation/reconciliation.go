// Package reconciliation checks that escrowed funds still add up: every
// seller's pendingBalance must equal the payouts of their running orders.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bazaar/internal/store"
)

// MismatchLister returns the wallets whose pendingBalance has drifted.
type MismatchLister interface {
	ListEscrowMismatches(ctx context.Context) ([]store.EscrowMismatch, error)
}

// Report holds the outcome of one reconciliation run.
type Report struct {
	Match      bool                   `json:"match"`
	Mismatches []store.EscrowMismatch `json:"mismatches"`
	TotalDrift int64                  `json:"totalDrift"`
	CheckedAt  time.Time              `json:"checkedAt"`
	Duration   time.Duration          `json:"duration"`
}

// Service compares wallet pending balances with open escrow.
type Service struct {
	lister MismatchLister
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(lister MismatchLister, logger *slog.Logger) *Service {
	return &Service{
		lister: lister,
		logger: logger,
		now:    time.Now,
	}
}

// Run performs one check and records the result in metrics. Mismatches are
// reported, never repaired.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	mismatches, err := s.lister.ListEscrowMismatches(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list escrow mismatches: %w", err)
	}

	report := &Report{
		Match:      len(mismatches) == 0,
		Mismatches: mismatches,
		CheckedAt:  start,
	}
	if report.Mismatches == nil {
		report.Mismatches = []store.EscrowMismatch{}
	}
	for _, m := range mismatches {
		d := m.Drift()
		if d < 0 {
			d = -d
		}
		report.TotalDrift += d
		s.logger.Error("escrow mismatch",
			"user_id", m.UserID,
			"pending_balance", m.Pending,
			"held_payouts", m.Held,
		)
	}
	report.Duration = s.now().Sub(start)

	reconcileEscrowMismatches.Set(float64(len(mismatches)))
	reconcileEscrowDrift.Set(float64(report.TotalDrift))
	reconcileDuration.Observe(report.Duration.Seconds())
	return report, nil
}
