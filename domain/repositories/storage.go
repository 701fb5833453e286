package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/callbridge/domain/entities"
)

// ErrCallRecordNotFound is returned when no record matches the lookup
var ErrCallRecordNotFound = errors.New("call record not found")

// CallRecordRepository defines data access methods for call summaries
type CallRecordRepository interface {
	Save(ctx context.Context, record *entities.CallRecord) error
	GetByCallID(ctx context.Context, callID string) ([]*entities.CallRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*entities.CallRecord, error)
}
