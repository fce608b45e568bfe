package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/usecase"
)

type mockIssuer struct {
	attemptFn func(ctx context.Context, userID, couponID, productID string) domain.Result
	poolFn    func(ctx context.Context, poolID string) (domain.Pool, error)
}

func (m *mockIssuer) AttemptIssue(ctx context.Context, userID, couponID, productID string) domain.Result {
	return m.attemptFn(ctx, userID, couponID, productID)
}

func (m *mockIssuer) PoolStatus(ctx context.Context, poolID string) (domain.Pool, error) {
	return m.poolFn(ctx, poolID)
}

type mockReconciler struct {
	report usecase.ReconcileReport
	err    error
}

func (m *mockReconciler) Reconcile(_ context.Context, poolID string) (usecase.ReconcileReport, error) {
	m.report.PoolID = poolID
	return m.report, m.err
}

type mockLister struct {
	records []domain.IssuanceRecord
	err     error
}

func (m *mockLister) ListByPool(_ context.Context, poolID string) ([]domain.IssuanceRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.IssuanceRecord
	for _, rec := range m.records {
		if rec.PoolID == poolID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func newRouter(issuer usecase.Issuer, reconciler usecase.PoolReconciler, pinger Pinger) http.Handler {
	return newRouterWithRecords(issuer, reconciler, &mockLister{}, pinger)
}

func newRouterWithRecords(issuer usecase.Issuer, reconciler usecase.PoolReconciler, records RecordLister, pinger Pinger) http.Handler {
	r := chi.NewRouter()
	NewHandler(issuer, reconciler, records, pinger, nil).Routes(r)
	return r
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIssueCoupon(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &domain.IssuanceRecord{ID: "r1", PoolID: "P1", UserID: "u1", ProductID: "x", IssuedAt: issuedAt}

	tests := []struct {
		name       string
		result     domain.Result
		wantStatus int
		wantBody   string
	}{
		{"issued", domain.Issued(record), http.StatusOK, `"pool_id":"P1"`},
		{"already issued", domain.Result{Outcome: domain.OutcomeAlreadyIssued}, http.StatusConflict, "coupon already issued to this user"},
		{"exhausted", domain.Result{Outcome: domain.OutcomeExhausted}, http.StatusConflict, "coupon supply exhausted"},
		{"invalid input", domain.Rejected(domain.ReasonInvalidInput), http.StatusBadRequest, "invalid"},
		{"pool not found", domain.Rejected(domain.ReasonPoolNotFound), http.StatusNotFound, "coupon not found"},
		{"store unavailable", domain.Rejected(domain.ReasonStoreUnavailable), http.StatusServiceUnavailable, "retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got [3]string
			issuer := &mockIssuer{attemptFn: func(_ context.Context, userID, couponID, productID string) domain.Result {
				got = [3]string{userID, couponID, productID}
				return tt.result
			}}

			rec := serve(newRouter(issuer, nil, nil), http.MethodPost, "/api/coupons/issue",
				`{"user_id":"u1","coupon_id":"P1","product_id":"x"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.Equal(t, [3]string{"u1", "P1", "x"}, got)
		})
	}
}

func TestIssueCoupon_RetryAfterOnStoreUnavailable(t *testing.T) {
	issuer := &mockIssuer{attemptFn: func(context.Context, string, string, string) domain.Result {
		return domain.Rejected(domain.ReasonStoreUnavailable)
	}}

	rec := serve(newRouter(issuer, nil, nil), http.MethodPost, "/api/coupons/issue", `{"user_id":"u1","coupon_id":"P1","product_id":"x"}`)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestIssueCoupon_BadBody(t *testing.T) {
	issuer := &mockIssuer{attemptFn: func(context.Context, string, string, string) domain.Result {
		t.Fatal("issuer must not be called")
		return domain.Result{}
	}}

	rec := serve(newRouter(issuer, nil, nil), http.MethodPost, "/api/coupons/issue", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPool(t *testing.T) {
	issuer := &mockIssuer{poolFn: func(_ context.Context, poolID string) (domain.Pool, error) {
		switch poolID {
		case "P1":
			return domain.Pool{ID: "P1", ProductID: "x", Total: 5, Remaining: 0}, nil
		case "down":
			return domain.Pool{}, errors.Join(domain.ErrStoreUnavailable, errors.New("refused"))
		}
		return domain.Pool{}, domain.ErrPoolNotFound
	}}
	h := newRouter(issuer, nil, nil)

	rec := serve(h, http.MethodGet, "/api/pools/P1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PoolResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, PoolResponse{ID: "P1", ProductID: "x", Total: 5, Remaining: 0, State: "exhausted"}, resp)

	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/pools/nope", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/api/pools/down", "").Code)
}

func TestReconcilePool(t *testing.T) {
	reconciler := &mockReconciler{report: usecase.ReconcileReport{Total: 5, Remaining: 3, Members: 2, Inserted: 1, Consistent: true}}
	h := newRouter(nil, reconciler, nil)

	rec := serve(h, http.MethodPost, "/api/pools/P1/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report usecase.ReconcileReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "P1", report.PoolID)
	assert.Equal(t, 1, report.Inserted)

	reconciler.err = domain.ErrPoolNotFound
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/api/pools/P1/reconcile", "").Code)

	reconciler.err = errors.New("sink down")
	assert.Equal(t, http.StatusInternalServerError, serve(h, http.MethodPost, "/api/pools/P1/reconcile", "").Code)
}

func TestListIssuances(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lister := &mockLister{records: []domain.IssuanceRecord{
		{ID: "r1", PoolID: "P1", UserID: "u1", ProductID: "x", IssuedAt: issuedAt},
		{ID: "r2", PoolID: "P2", UserID: "u2", ProductID: "y", IssuedAt: issuedAt},
	}}
	h := newRouterWithRecords(nil, nil, lister, nil)

	rec := serve(h, http.MethodGet, "/api/pools/P1/issuances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []domain.IssuanceRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "u1", records[0].UserID)

	rec = serve(h, http.MethodGet, "/api/pools/empty/issuances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	lister.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, serve(h, http.MethodGet, "/api/pools/P1/issuances", "").Code)
}

func TestHealth(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(newRouter(nil, nil, mockPinger{}), http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		serve(newRouter(nil, nil, mockPinger{err: errors.New("down")}), http.MethodGet, "/health", "").Code)
}
