package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// Store is the book-of-record for issuances. It is a secondary copy: Upsert
// is keyed by (pool, user) and redelivery of the same record is a no-op.
type Store interface {
	Upsert(ctx context.Context, rec domain.IssuanceRecord) (bool, error)
	ListByPool(ctx context.Context, poolID string) ([]domain.IssuanceRecord, error)
	Close(ctx context.Context) error
}

const upsertIssuance = `
INSERT INTO coupon_issuances (id, pool_id, user_id, product_id, issued_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (pool_id, user_id) DO NOTHING`

const listIssuancesByPool = `
SELECT id, pool_id, user_id, product_id, issued_at
FROM coupon_issuances
WHERE pool_id = $1
ORDER BY issued_at, user_id`

type postgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

func (s *postgresStore) Upsert(ctx context.Context, rec domain.IssuanceRecord) (bool, error) {
	id, err := recordUUID(rec)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, upsertIssuance, id, rec.PoolID, rec.UserID, rec.ProductID, rec.IssuedAt)
	if err != nil {
		return false, fmt.Errorf("upsert issuance %s: %w", rec.Key(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) ListByPool(ctx context.Context, poolID string) ([]domain.IssuanceRecord, error) {
	rows, err := s.pool.Query(ctx, listIssuancesByPool, poolID)
	if err != nil {
		return nil, fmt.Errorf("list issuances %s: %w", poolID, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.IssuanceRecord, error) {
		var (
			rec domain.IssuanceRecord
			id  uuid.UUID
		)
		if err := row.Scan(&id, &rec.PoolID, &rec.UserID, &rec.ProductID, &rec.IssuedAt); err != nil {
			return rec, err
		}
		rec.ID = id.String()
		rec.Outcome = domain.OutcomeIssued
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan issuances %s: %w", poolID, err)
	}
	return records, nil
}

func (s *postgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// recordUUID keeps the record's id when it has one; otherwise it derives a
// stable id from (pool, user) so replays collapse onto the same row.
func recordUUID(rec domain.IssuanceRecord) (uuid.UUID, error) {
	if rec.ID == "" {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.Key())), nil
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("record id %q: %w", rec.ID, err)
	}
	return id, nil
}
