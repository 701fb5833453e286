package websocket

import (
	"time"

	"github.com/satriahrh/callbridge/domain/entities"
)

// CallStatus is the view of an active call served by the API
type CallStatus struct {
	entities.CallSnapshot
	DurationMS int64 `json:"duration_ms"`
}

func newCallStatus(call *entities.CallSession) CallStatus {
	return CallStatus{
		CallSnapshot: call.Snapshot(),
		DurationMS:   call.Duration().Milliseconds(),
	}
}

// CallsResponse lists active calls
type CallsResponse struct {
	Count     int          `json:"count"`
	Calls     []CallStatus `json:"calls"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewCallsResponse builds the active calls listing
func NewCallsResponse(calls []CallStatus) CallsResponse {
	return CallsResponse{
		Count:     len(calls),
		Calls:     calls,
		Timestamp: time.Now().UTC(),
	}
}
