package domain

import (
	"errors"
	"time"
)

var (
	ErrPoolNotFound     = errors.New("coupon pool not found")
	ErrPoolExists       = errors.New("coupon pool already exists")
	ErrInvalidInput     = errors.New("invalid issuance input")
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrQueueFull        = errors.New("issuance queue saturated")
	ErrQueueClosed      = errors.New("issuance queue closed")
)

// Outcome is the terminal classification of one issuance attempt.
type Outcome int

const (
	OutcomeIssued Outcome = iota + 1
	OutcomeAlreadyIssued
	OutcomeExhausted
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIssued:
		return "issued"
	case OutcomeAlreadyIssued:
		return "already_issued"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RejectReason qualifies OutcomeRejected. Only ReasonStoreUnavailable is retryable.
type RejectReason int

const (
	ReasonNone RejectReason = iota
	ReasonInvalidInput
	ReasonStoreUnavailable
	ReasonPoolNotFound
)

func (r RejectReason) String() string {
	switch r {
	case ReasonInvalidInput:
		return "invalid_input"
	case ReasonStoreUnavailable:
		return "store_unavailable"
	case ReasonPoolNotFound:
		return "pool_not_found"
	default:
		return ""
	}
}

func (r RejectReason) Retryable() bool {
	return r == ReasonStoreUnavailable
}

type PoolState string

const (
	PoolActive    PoolState = "active"
	PoolExhausted PoolState = "exhausted"
)

// Pool is a snapshot of one coupon campaign as held by the ledger.
type Pool struct {
	ID        string
	ProductID string
	Total     int64
	Remaining int64
}

func (p Pool) State() PoolState {
	if p.Remaining > 0 {
		return PoolActive
	}
	return PoolExhausted
}

func (p Pool) Issued() int64 {
	return p.Total - p.Remaining
}

// Membership is one user in a pool's issued set.
type Membership struct {
	UserID    string
	ProductID string
	IssuedAt  time.Time
}

// IssuanceRecord is the audit entry written to the book-of-record after the
// ledger has committed an issuance.
type IssuanceRecord struct {
	ID        string    `json:"id"`
	PoolID    string    `json:"pool_id"`
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	IssuedAt  time.Time `json:"issued_at"`
	Outcome   Outcome   `json:"-"`
}

// Key identifies the record in the book-of-record.
func (r IssuanceRecord) Key() string {
	return r.PoolID + ":" + r.UserID
}

type Result struct {
	Outcome Outcome
	Reason  RejectReason
	Record  *IssuanceRecord
}

func Issued(rec *IssuanceRecord) Result {
	return Result{Outcome: OutcomeIssued, Record: rec}
}

func Rejected(reason RejectReason) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason}
}
