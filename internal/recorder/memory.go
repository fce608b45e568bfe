package recorder

import (
	"context"
	"sort"
	"sync"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// MemorySink is a process-local book-of-record for development runs
// (SINK=memory) and tests.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]domain.IssuanceRecord
	writes  int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]domain.IssuanceRecord)}
}

func (s *MemorySink) Upsert(_ context.Context, rec domain.IssuanceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if _, ok := s.records[rec.Key()]; ok {
		return false, nil
	}
	s.records[rec.Key()] = rec
	return true, nil
}

func (s *MemorySink) ListByPool(_ context.Context, poolID string) ([]domain.IssuanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.IssuanceRecord
	for _, rec := range s.records {
		if rec.PoolID == poolID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}

// Len returns the number of distinct persisted records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Writes returns the number of Upsert calls, including no-op redeliveries.
func (s *MemorySink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
