package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// Book-of-record tests need a live database and are skipped unless
// TEST_DATABASE_URL / TEST_MONGO_URI point at one.

func newTestPostgresStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(ctx, pool, zap.NewNop()))
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool)
}

func newTestMongoStore(t *testing.T) Store {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}

	store, err := ConnectMongo(context.Background(), uri, "coupon_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func testRecord(poolID, userID string) domain.IssuanceRecord {
	return domain.IssuanceRecord{
		ID:        uuid.NewString(),
		PoolID:    poolID,
		UserID:    userID,
		ProductID: "sku-1",
		IssuedAt:  time.Now().UTC().Truncate(time.Millisecond),
		Outcome:   domain.OutcomeIssued,
	}
}

func testStoreRedeliveryIsIdempotent(t *testing.T, store Store) {
	ctx := context.Background()
	poolID := "pool-" + uuid.NewString()
	rec := testRecord(poolID, "u1")

	inserted, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	for i := 0; i < 3; i++ {
		inserted, err = store.Upsert(ctx, rec)
		require.NoError(t, err)
		assert.False(t, inserted)
	}

	// A replay carrying a fresh id still maps onto the same (pool, user).
	replay := rec
	replay.ID = uuid.NewString()
	inserted, err = store.Upsert(ctx, replay)
	require.NoError(t, err)
	assert.False(t, inserted)

	records, err := store.ListByPool(ctx, poolID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, "u1", records[0].UserID)
	assert.True(t, rec.IssuedAt.Equal(records[0].IssuedAt))
}

func TestPostgresStore_Idempotent(t *testing.T) {
	testStoreRedeliveryIsIdempotent(t, newTestPostgresStore(t))
}

func TestMongoStore_Idempotent(t *testing.T) {
	testStoreRedeliveryIsIdempotent(t, newTestMongoStore(t))
}

func TestRecordUUID(t *testing.T) {
	rec := domain.IssuanceRecord{PoolID: "P1", UserID: "u1"}

	a, err := recordUUID(rec)
	require.NoError(t, err)
	b, err := recordUUID(rec)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	rec.ID = "not-a-uuid"
	_, err = recordUUID(rec)
	assert.Error(t, err)

	id := uuid.New()
	rec.ID = id.String()
	got, err := recordUUID(rec)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
