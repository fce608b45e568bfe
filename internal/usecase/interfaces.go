package usecase

import (
	"context"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// Issuer is what the delivery layer calls.
type Issuer interface {
	AttemptIssue(ctx context.Context, userID, couponID, productID string) domain.Result
	PoolStatus(ctx context.Context, poolID string) (domain.Pool, error)
}

// Enqueuer accepts committed issuances for durable write-back.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec domain.IssuanceRecord) error
}

type PoolReconciler interface {
	Reconcile(ctx context.Context, poolID string) (ReconcileReport, error)
}
