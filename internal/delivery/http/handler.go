package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/usecase"
)

type IssueRequest struct {
	UserID    string `json:"user_id"`
	CouponID  string `json:"coupon_id"`
	ProductID string `json:"product_id"`
}

type PoolResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Total     int64  `json:"total"`
	Remaining int64  `json:"remaining"`
	State     string `json:"state"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// RecordLister reads the book-of-record.
type RecordLister interface {
	ListByPool(ctx context.Context, poolID string) ([]domain.IssuanceRecord, error)
}

type Handler struct {
	issuer     usecase.Issuer
	reconciler usecase.PoolReconciler
	records    RecordLister
	store      Pinger
	logger     *zap.Logger
}

func NewHandler(issuer usecase.Issuer, reconciler usecase.PoolReconciler, records RecordLister, store Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{issuer: issuer, reconciler: reconciler, records: records, store: store, logger: logger}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/coupons/issue", h.IssueCoupon)
		r.Get("/pools/{id}", h.GetPool)
		r.Get("/pools/{id}/issuances", h.ListIssuances)
		r.Post("/pools/{id}/reconcile", h.ReconcilePool)
	})
}

func (h *Handler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res := h.issuer.AttemptIssue(r.Context(), req.UserID, req.CouponID, req.ProductID)
	switch res.Outcome {
	case domain.OutcomeIssued:
		writeJSON(w, http.StatusOK, res.Record)
	case domain.OutcomeAlreadyIssued:
		http.Error(w, "coupon already issued to this user", http.StatusConflict)
	case domain.OutcomeExhausted:
		http.Error(w, "coupon supply exhausted", http.StatusConflict)
	default:
		writeRejection(w, res.Reason)
	}
}

func writeRejection(w http.ResponseWriter, reason domain.RejectReason) {
	switch reason {
	case domain.ReasonInvalidInput:
		http.Error(w, "invalid user, coupon or product id", http.StatusBadRequest)
	case domain.ReasonPoolNotFound:
		http.Error(w, "coupon not found", http.StatusNotFound)
	case domain.ReasonStoreUnavailable:
		w.Header().Set("Retry-After", "1")
		http.Error(w, "issuance temporarily unavailable, retry", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pool, err := h.issuer.PoolStatus(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPoolNotFound):
			http.Error(w, "coupon not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrInvalidInput):
			http.Error(w, "invalid coupon id", http.StatusBadRequest)
		default:
			h.logger.Warn("pool status failed", zap.String("pool_id", id), zap.Error(err))
			w.Header().Set("Retry-After", "1")
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	writeJSON(w, http.StatusOK, PoolResponse{
		ID:        pool.ID,
		ProductID: pool.ProductID,
		Total:     pool.Total,
		Remaining: pool.Remaining,
		State:     string(pool.State()),
	})
}

func (h *Handler) ReconcilePool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := h.reconciler.Reconcile(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPoolNotFound) {
			http.Error(w, "coupon not found", http.StatusNotFound)
			return
		}
		h.logger.Error("reconcile failed", zap.String("pool_id", id), zap.Error(err))
		if report.Members > 0 {
			writeJSON(w, http.StatusInternalServerError, report)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ListIssuances returns the recorded issuances of a pool. Records still
// queued or dropped show up only after the recorder or a reconcile writes them.
func (h *Handler) ListIssuances(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	records, err := h.records.ListByPool(r.Context(), id)
	if err != nil {
		h.logger.Error("list issuances failed", zap.String("pool_id", id), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []domain.IssuanceRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
