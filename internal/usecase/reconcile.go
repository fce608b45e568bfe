package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/recorder"
	"github.com/azizikri/coupon-issuance/internal/repository"
)

type ReconcileReport struct {
	PoolID    string `json:"pool_id"`
	Total     int64  `json:"total"`
	Remaining int64  `json:"remaining"`
	Members   int    `json:"members"`
	Inserted  int    `json:"inserted"`
	Failed    int    `json:"failed"`
	// Consistent is false when the supply counter and membership size
	// disagree, which the ledger script should make impossible.
	Consistent bool `json:"consistent"`
}

// Reconciler copies a pool's ledger membership into the book-of-record.
// Every membership becomes an idempotent upsert, so running it repeatedly or
// alongside the recorder is harmless; it restores records that were dropped
// on a saturated queue.
type Reconciler struct {
	ledger repository.Ledger
	sink   recorder.Sink
	logger *zap.Logger
}

func NewReconciler(ledger repository.Ledger, sink recorder.Sink, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{ledger: ledger, sink: sink, logger: logger}
}

func (r *Reconciler) Reconcile(ctx context.Context, poolID string) (ReconcileReport, error) {
	report := ReconcileReport{PoolID: poolID}

	pool, err := r.ledger.Pool(ctx, poolID)
	if err != nil {
		return report, fmt.Errorf("reconcile %s: %w", poolID, err)
	}
	members, err := r.ledger.Members(ctx, poolID)
	if err != nil {
		return report, fmt.Errorf("reconcile %s: %w", poolID, err)
	}

	report.Total = pool.Total
	report.Remaining = pool.Remaining
	report.Members = len(members)
	report.Consistent = pool.Issued() == int64(len(members))

	var errs []error
	for _, m := range members {
		productID := m.ProductID
		if productID == "" {
			productID = pool.ProductID
		}
		rec := domain.IssuanceRecord{
			ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(poolID+":"+m.UserID)).String(),
			PoolID:    poolID,
			UserID:    m.UserID,
			ProductID: productID,
			IssuedAt:  m.IssuedAt,
			Outcome:   domain.OutcomeIssued,
		}
		inserted, err := r.sink.Upsert(ctx, rec)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if inserted {
			report.Inserted++
		}
	}

	logFn := r.logger.Info
	if !report.Consistent || report.Failed > 0 {
		logFn = r.logger.Warn
	}
	logFn("pool reconciled",
		zap.String("pool_id", poolID),
		zap.Int64("total", report.Total),
		zap.Int64("remaining", report.Remaining),
		zap.Int("members", report.Members),
		zap.Int("inserted", report.Inserted),
		zap.Int("failed", report.Failed),
		zap.Bool("consistent", report.Consistent))

	if len(errs) > 0 {
		return report, fmt.Errorf("reconcile %s: %w", poolID, errors.Join(errs...))
	}
	return report, nil
}

// Run reconciles poolIDs every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, poolIDs []string) {
	if interval <= 0 || len(poolIDs) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range poolIDs {
				if _, err := r.Reconcile(ctx, id); err != nil {
					r.logger.Error("periodic reconcile failed", zap.String("pool_id", id), zap.Error(err))
				}
			}
		}
	}
}

var _ PoolReconciler = (*Reconciler)(nil)
