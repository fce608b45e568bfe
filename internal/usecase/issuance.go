package usecase

import (
	"context"
	"errors"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/metrics"
	"github.com/azizikri/coupon-issuance/internal/repository"
)

const (
	DefaultStoreTimeout = 250 * time.Millisecond
	maxIdentifierLen    = 128
)

// IssuanceService decides issuance attempts. It keeps no local state about
// supply or membership; every decision is the ledger's.
type IssuanceService struct {
	ledger       repository.Ledger
	recorder     Enqueuer
	storeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewIssuanceService(ledger repository.Ledger, recorder Enqueuer, storeTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *IssuanceService {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IssuanceService{
		ledger:       ledger,
		recorder:     recorder,
		storeTimeout: storeTimeout,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

func (s *IssuanceService) AttemptIssue(ctx context.Context, userID, couponID, productID string) domain.Result {
	res := s.attempt(ctx, userID, couponID, productID)
	s.metrics.ObserveAttempt(res)
	return res
}

func (s *IssuanceService) attempt(ctx context.Context, userID, couponID, productID string) domain.Result {
	if !validIdentifier(userID) || !validIdentifier(couponID) || !validIdentifier(productID) {
		return domain.Rejected(domain.ReasonInvalidInput)
	}

	// A caller that already gave up must not start a new mutation.
	if ctx.Err() != nil {
		return domain.Rejected(domain.ReasonStoreUnavailable)
	}

	// The ledger keeps millisecond precision; the record carries the same instant.
	issuedAt := time.UnixMilli(s.now().UnixMilli()).UTC()

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	start := time.Now()
	outcome, err := s.ledger.TryIssue(storeCtx, couponID, userID, productID, issuedAt)
	cancel()
	s.metrics.ObserveLedger(time.Since(start))

	if err != nil {
		if errors.Is(err, domain.ErrPoolNotFound) {
			return domain.Rejected(domain.ReasonPoolNotFound)
		}
		s.logger.Warn("ledger unavailable",
			zap.String("pool_id", couponID),
			zap.String("user_id", userID),
			zap.Error(err))
		return domain.Rejected(domain.ReasonStoreUnavailable)
	}

	switch outcome {
	case domain.OutcomeIssued:
	case domain.OutcomeAlreadyIssued, domain.OutcomeExhausted:
		s.logger.Debug("issuance declined",
			zap.String("pool_id", couponID),
			zap.String("user_id", userID),
			zap.Stringer("outcome", outcome))
		return domain.Result{Outcome: outcome}
	default:
		s.logger.Error("ledger returned unknown outcome", zap.Int("outcome", int(outcome)))
		return domain.Rejected(domain.ReasonStoreUnavailable)
	}

	rec := &domain.IssuanceRecord{
		ID:        uuid.NewString(),
		PoolID:    couponID,
		UserID:    userID,
		ProductID: productID,
		IssuedAt:  issuedAt,
		Outcome:   domain.OutcomeIssued,
	}
	// The ledger has committed; a failed enqueue only costs the audit copy,
	// which the recorder has already logged for reconciliation.
	if err := s.recorder.Enqueue(ctx, *rec); err != nil {
		s.logger.Warn("issuance record not queued",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
	return domain.Issued(rec)
}

func (s *IssuanceService) PoolStatus(ctx context.Context, poolID string) (domain.Pool, error) {
	if !validIdentifier(poolID) {
		return domain.Pool{}, domain.ErrInvalidInput
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	pool, err := s.ledger.Pool(storeCtx, poolID)
	if err != nil {
		if errors.Is(err, domain.ErrPoolNotFound) {
			return domain.Pool{}, err
		}
		return domain.Pool{}, errors.Join(domain.ErrStoreUnavailable, err)
	}
	return pool, nil
}

// validIdentifier accepts 1..128 bytes of printable, non-space UTF-8.
func validIdentifier(id string) bool {
	if id == "" || len(id) > maxIdentifierLen || !utf8.ValidString(id) {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

var _ Issuer = (*IssuanceService)(nil)
