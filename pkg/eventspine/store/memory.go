package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory event store for testing and ephemeral
// deployments. Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // insertion order, used as a tiebreaker for equal timestamps
	closed  bool
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("append %s: %w", rec.ID, ErrDuplicateID)
	}

	stored := cloneRecord(rec)
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	m.records[rec.ID] = stored
	m.order = append(m.order, rec.ID)
	return nil
}

// MarkCompleted implements Store.
func (m *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("mark completed %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	rec.Status = StatusCompleted
	rec.ProcessedAt = &now
	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("mark failed %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	rec.Status = StatusFailed
	rec.ProcessedAt = &now
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any)
	}
	rec.Metadata["error"] = errMsg
	return nil
}

// GetByID implements Store.
func (m *MemoryStore) GetByID(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// GetByAggregateID implements Store.
func (m *MemoryStore) GetByAggregateID(_ context.Context, aggregateID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var recs []*Record
	for _, id := range m.order {
		rec := m.records[id]
		if rec.AggregateID == aggregateID {
			recs = append(recs, cloneRecord(rec))
		}
	}
	sortByCreatedAt(recs, true)
	return recs, nil
}

// GetByType implements Store.
func (m *MemoryStore) GetByType(_ context.Context, eventType string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var recs []*Record
	for _, id := range m.order {
		rec := m.records[id]
		if rec.EventType == eventType {
			recs = append(recs, cloneRecord(rec))
		}
	}
	sortByCreatedAt(recs, false)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// QueryForReplay implements Store.
func (m *MemoryStore) QueryForReplay(_ context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var recs []*Record
	for _, id := range m.order {
		rec := m.records[id]
		if matchesFilter(rec, f) {
			recs = append(recs, cloneRecord(rec))
		}
	}
	sortByCreatedAt(recs, true)
	if f.BatchSize > 0 && len(recs) > f.BatchSize {
		recs = recs[:f.BatchSize]
	}
	return recs, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{
		Total:    len(m.records),
		ByStatus: make(map[Status]int),
		ByType:   make(map[string]int),
	}
	for _, rec := range m.records {
		stats.ByStatus[rec.Status]++
		stats.ByType[rec.EventType]++
	}
	return stats, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func matchesFilter(rec *Record, f Filter) bool {
	if f.FromDate != nil && rec.CreatedAt.Before(*f.FromDate) {
		return false
	}
	if f.ToDate != nil && rec.CreatedAt.After(*f.ToDate) {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, rec.EventType) {
		return false
	}
	if len(f.AggregateIDs) > 0 && !containsString(f.AggregateIDs, rec.AggregateID) {
		return false
	}
	if f.Version != "" && rec.Version != f.Version {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortByCreatedAt orders records by creation time; insertion order already
// breaks ties because the sort is stable over the pre-ordered slice.
func sortByCreatedAt(recs []*Record, ascending bool) {
	sort.SliceStable(recs, func(i, j int) bool {
		if ascending {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

// cloneRecord copies a record so callers never alias store-owned state.
func cloneRecord(rec *Record) *Record {
	c := *rec
	if rec.Payload != nil {
		c.Payload = make([]byte, len(rec.Payload))
		copy(c.Payload, rec.Payload)
	}
	if rec.Metadata != nil {
		c.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			c.Metadata[k] = v
		}
	}
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
