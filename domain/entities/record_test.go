package entities

import (
	"errors"
	"testing"
)

func TestNewCallRecord(t *testing.T) {
	call := NewCallSession("conn-1")
	call.Identify(HandshakeMetadata{CallID: "abc", CallerID: "+15551234567"})
	_ = call.Transition(CallStateActive)
	call.RecordInbound(640)
	call.RecordTurnCompleted()
	_ = call.Transition(CallStateClosing)
	_ = call.Transition(CallStateClosed)

	record := NewCallRecord(call.Snapshot(), "novasonic", "tiffany", nil)

	if record.Outcome != CallOutcomeCompleted {
		t.Errorf("Expected outcome %s, got %s", CallOutcomeCompleted, record.Outcome)
	}
	if record.CallID != "abc" || record.Provider != "novasonic" || record.VoiceID != "tiffany" {
		t.Errorf("Unexpected record fields: %+v", record)
	}
	if err := record.Validate(); err != nil {
		t.Errorf("Expected valid record, got %v", err)
	}
}

func TestNewCallRecordFailure(t *testing.T) {
	call := NewCallSession("conn-2")
	_ = call.Transition(CallStateFailed)

	record := NewCallRecord(call.Snapshot(), "mock", "v", &HandshakeError{Reason: "timeout", Err: errors.New("deadline")})

	if record.Outcome != CallOutcomeFailed {
		t.Errorf("Expected outcome %s, got %s", CallOutcomeFailed, record.Outcome)
	}
	if record.Error == "" {
		t.Error("Expected error message to be recorded")
	}
}

func TestCallRecordValidate(t *testing.T) {
	record := &CallRecord{ConnectionID: "c", FinalState: CallStateActive}
	if err := record.Validate(); err == nil {
		t.Error("Expected error for non-terminal state")
	}

	record = &CallRecord{FinalState: CallStateClosed}
	if err := record.Validate(); err == nil {
		t.Error("Expected error for missing connection id")
	}
}
