package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

type RecordPayload struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	PoolID        string    `json:"pool_id"`
	UserID        string    `json:"user_id"`
	ProductID     string    `json:"product_id"`
	IssuedAt      time.Time `json:"issued_at"`
}

func encodeRecord(rec domain.IssuanceRecord) ([]byte, error) {
	return json.Marshal(RecordPayload{
		SchemaVersion: SchemaVersion,
		ID:            rec.ID,
		PoolID:        rec.PoolID,
		UserID:        rec.UserID,
		ProductID:     rec.ProductID,
		IssuedAt:      rec.IssuedAt,
	})
}

func decodeRecord(value []byte) (domain.IssuanceRecord, error) {
	var p RecordPayload
	if err := json.Unmarshal(value, &p); err != nil {
		return domain.IssuanceRecord{}, fmt.Errorf("decode record: %w", err)
	}
	if p.SchemaVersion != SchemaVersion {
		return domain.IssuanceRecord{}, fmt.Errorf("decode record: unsupported schema version %d", p.SchemaVersion)
	}
	if p.PoolID == "" || p.UserID == "" {
		return domain.IssuanceRecord{}, fmt.Errorf("decode record: %w", domain.ErrInvalidInput)
	}
	return domain.IssuanceRecord{
		ID:        p.ID,
		PoolID:    p.PoolID,
		UserID:    p.UserID,
		ProductID: p.ProductID,
		IssuedAt:  p.IssuedAt,
		Outcome:   domain.OutcomeIssued,
	}, nil
}
