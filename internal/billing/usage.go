package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is the per-request dispatch detail behind a usage ledger
// entry: which provider served it and how many tokens it took. It is an
// analytics trail, not a balance source.
type UsageRecord struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	TraceID      string    `json:"trace_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Units        int64     `json:"units"`
	LatencyMs    int64     `json:"latency_ms"`
	Degraded     bool      `json:"degraded"`
	CreatedAt    time.Time `json:"created_at"`
}

type UsageStore interface {
	RecordUsage(ctx context.Context, rec *UsageRecord) error
	ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageRecord, error)
	TotalUnits(ctx context.Context, tenantID string, from, to time.Time) (int64, error)
}

type MemoryUsageStore struct {
	mu      sync.Mutex
	records []*UsageRecord
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{}
}

func (s *MemoryUsageStore) RecordUsage(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryUsageStore) ListUsage(_ context.Context, tenantID string, from, to time.Time) ([]*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*UsageRecord
	for _, r := range s.records {
		if r.TenantID == tenantID && inRange(r.CreatedAt, from, to) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryUsageStore) TotalUnits(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	recs, err := s.ListUsage(ctx, tenantID, from, to)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range recs {
		total += r.Units
	}
	return total, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
