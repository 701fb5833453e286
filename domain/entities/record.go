package entities

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CallOutcome summarises how a call ended
type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed"
	CallOutcomeFailed    CallOutcome = "failed"
)

// CallRecord is the post-call summary kept for operations. It never holds
// transcript text.
type CallRecord struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ConnectionID   string             `json:"connection_id" bson:"connection_id"`
	CallID         string             `json:"call_id" bson:"call_id"`
	CallerID       string             `json:"caller_id" bson:"caller_id"`
	Provider       string             `json:"provider" bson:"provider"`
	VoiceID        string             `json:"voice_id" bson:"voice_id"`
	StartedAt      time.Time          `json:"started_at" bson:"started_at"`
	EndedAt        time.Time          `json:"ended_at" bson:"ended_at"`
	FinalState     CallState          `json:"final_state" bson:"final_state"`
	Outcome        CallOutcome        `json:"outcome" bson:"outcome"`
	Error          string             `json:"error,omitempty" bson:"error,omitempty"`
	FramesIn       int64              `json:"frames_in" bson:"frames_in"`
	FramesOut      int64              `json:"frames_out" bson:"frames_out"`
	BytesIn        int64              `json:"bytes_in" bson:"bytes_in"`
	BytesOut       int64              `json:"bytes_out" bson:"bytes_out"`
	TurnsCompleted int64              `json:"turns_completed" bson:"turns_completed"`
	Interruptions  int64              `json:"interruptions" bson:"interruptions"`
}

// NewCallRecord builds a record from the final snapshot of a call
func NewCallRecord(snap CallSnapshot, provider, voiceID string, runErr error) *CallRecord {
	record := &CallRecord{
		ConnectionID:   snap.ConnectionID,
		CallID:         snap.CallID,
		CallerID:       snap.CallerID,
		Provider:       provider,
		VoiceID:        voiceID,
		StartedAt:      snap.StartedAt,
		EndedAt:        snap.EndedAt,
		FinalState:     snap.State,
		Outcome:        CallOutcomeCompleted,
		FramesIn:       snap.FramesIn,
		FramesOut:      snap.FramesOut,
		BytesIn:        snap.BytesIn,
		BytesOut:       snap.BytesOut,
		TurnsCompleted: snap.TurnsCompleted,
		Interruptions:  snap.Interruptions,
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now()
	}
	if snap.State == CallStateFailed || runErr != nil {
		record.Outcome = CallOutcomeFailed
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	return record
}

// Validate validates the record data
func (r *CallRecord) Validate() error {
	if r.ConnectionID == "" {
		return errors.New("connection_id is required")
	}
	if !r.FinalState.IsTerminal() {
		return errors.New("call record requires a terminal state")
	}
	return nil
}
