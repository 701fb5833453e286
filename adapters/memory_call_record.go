package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

// DefaultMemoryCapacity bounds the number of records kept in memory
const DefaultMemoryCapacity = 1000

// MemoryCallRecordRepository is an in-memory CallRecordRepository. The
// oldest records are evicted once capacity is reached.
type MemoryCallRecordRepository struct {
	mu       sync.RWMutex
	capacity int
	records  []*entities.CallRecord            // insertion order
	byCallID map[string][]*entities.CallRecord // call_id -> records
}

// NewMemoryCallRecordRepository creates a new in-memory call record repository
func NewMemoryCallRecordRepository(capacity int) *MemoryCallRecordRepository {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryCallRecordRepository{
		capacity: capacity,
		byCallID: make(map[string][]*entities.CallRecord),
	}
}

// Save implements repositories.CallRecordRepository
func (m *MemoryCallRecordRepository) Save(ctx context.Context, record *entities.CallRecord) error {
	if record == nil {
		return errors.New("call record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid call record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	stored := *record

	if len(m.records) >= m.capacity {
		m.evictOldest()
	}
	m.records = append(m.records, &stored)
	m.byCallID[stored.CallID] = append(m.byCallID[stored.CallID], &stored)
	return nil
}

// GetByCallID implements repositories.CallRecordRepository
func (m *MemoryCallRecordRepository) GetByCallID(ctx context.Context, callID string) ([]*entities.CallRecord, error) {
	if callID == "" {
		return nil, errors.New("call ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.byCallID[callID]
	if len(records) == 0 {
		return nil, repositories.ErrCallRecordNotFound
	}
	return copyRecords(records), nil
}

// ListRecent implements repositories.CallRecordRepository
func (m *MemoryCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*entities.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	records := copyRecords(m.records)
	m.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EndedAt.After(records[j].EndedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Count returns the number of stored records
func (m *MemoryCallRecordRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// evictOldest must be called with mu held
func (m *MemoryCallRecordRepository) evictOldest() {
	oldest := m.records[0]
	m.records = m.records[1:]

	remaining := m.byCallID[oldest.CallID][:0]
	for _, r := range m.byCallID[oldest.CallID] {
		if r != oldest {
			remaining = append(remaining, r)
		}
	}
	if len(remaining) == 0 {
		delete(m.byCallID, oldest.CallID)
	} else {
		m.byCallID[oldest.CallID] = remaining
	}
}

func copyRecords(records []*entities.CallRecord) []*entities.CallRecord {
	out := make([]*entities.CallRecord, len(records))
	for i, r := range records {
		c := *r
		out[i] = &c
	}
	return out
}
