package modelstream

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/callbridge/domain/entities"
)

func collect(t *testing.T, p *Pump) ([]entities.ModelEvent, error) {
	t.Helper()
	var events []entities.ModelEvent
	for event, err := range p.Events() {
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}

func kinds(events []entities.ModelEvent) []entities.ModelEventKind {
	out := make([]entities.ModelEventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestPumpOrderAndSequence(t *testing.T) {
	p := NewPump(zaptest.NewLogger(t), 16)

	p.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnStarted, TurnID: "t1"})
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: "AAAA"})
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: "BBBB"})
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnComplete})
	p.Finish()

	events, err := collect(t, p)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Errorf("Event %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
		if e.TurnID != "t1" {
			t.Errorf("Event %d: expected turn t1, got %q", i, e.TurnID)
		}
	}
	if events[1].Audio != "AAAA" || events[2].Audio != "BBBB" {
		t.Error("Audio chunks out of order")
	}
}

func TestPumpImplicitTurnStart(t *testing.T) {
	p := NewPump(zaptest.NewLogger(t), 16)

	p.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: "AAAA"})
	p.Finish()

	events, _ := collect(t, p)
	got := kinds(events)
	if len(got) != 2 || got[0] != entities.ModelEventTurnStarted || got[1] != entities.ModelEventAudioOutput {
		t.Fatalf("Expected turn-started before audio, got %v", got)
	}
	if events[0].TurnID == "" || events[0].TurnID != events[1].TurnID {
		t.Error("Implicit turn should carry a generated id shared with its audio")
	}
}

func TestPumpCancelTurnSuppressesRest(t *testing.T) {
	p := NewPump(zaptest.NewLogger(t), 16)

	p.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnStarted})
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: "AAAA"})
	if err := p.CancelTurn(); err != nil {
		t.Fatalf("CancelTurn failed: %v", err)
	}
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: "BBBB"})
	p.Emit(entities.ModelEvent{
		Kind:       entities.ModelEventTranscriptionDelta,
		Transcript: &entities.Transcript{Role: entities.RoleAssistant, Text: "stale"},
	})
	p.Emit(entities.ModelEvent{
		Kind:       entities.ModelEventTranscriptionDelta,
		Transcript: &entities.Transcript{Role: entities.RoleUser, Text: "hello"},
	})
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnComplete})
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnStarted})
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: "CCCC"})
	p.Finish()

	events, _ := collect(t, p)
	// The buffered start and audio of the cancelled turn are dropped.
	want := []entities.ModelEventKind{
		entities.ModelEventTurnCancelled,
		entities.ModelEventTranscriptionDelta,
		entities.ModelEventTurnStarted,
		entities.ModelEventAudioOutput,
	}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
	if events[1].Transcript.Role != entities.RoleUser {
		t.Error("User transcription should survive cancellation")
	}
	if events[3].Audio != "CCCC" {
		t.Error("Audio from the next turn should be delivered")
	}
}

func TestPumpCancelTurnDoesNotWaitForConsumer(t *testing.T) {
	p := NewPump(zaptest.NewLogger(t), 2)

	p.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnStarted, TurnID: "t1"})
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: "AAAA"})

	blocked := make(chan struct{})
	go func() {
		close(blocked)
		// buffer is full; this waits for the consumer
		p.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: "BBBB"})
		p.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnStarted, TurnID: "t2"})
		p.Finish()
	}()
	<-blocked
	time.Sleep(10 * time.Millisecond)

	cancelled := make(chan error, 1)
	go func() {
		cancelled <- p.CancelTurn()
	}()
	select {
	case err := <-cancelled:
		if err != nil {
			t.Fatalf("CancelTurn failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CancelTurn blocked behind a full buffer")
	}

	events, err := collect(t, p)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got := kinds(events)
	if len(got) != 2 || got[0] != entities.ModelEventTurnCancelled || got[1] != entities.ModelEventTurnStarted {
		t.Fatalf("Expected acknowledgement then the next turn, got %v", got)
	}
	if events[0].TurnID != "t1" {
		t.Errorf("Expected acknowledgement for t1, got %q", events[0].TurnID)
	}
	if events[1].TurnID != "t2" || events[1].Seq != 2 {
		t.Errorf("Expected t2 with seq 2, got %q seq %d", events[1].TurnID, events[1].Seq)
	}
}

func TestPumpFailStopsIteration(t *testing.T) {
	p := NewPump(zaptest.NewLogger(t), 16)
	boom := errors.New("boom")

	p.Emit(entities.ModelEvent{Kind: entities.ModelEventUsage, Usage: &entities.Usage{TotalTokens: 3}})
	p.Fail(boom)
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnComplete})
	p.Finish()

	events, err := collect(t, p)
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 event before the error, got %d", len(events))
	}
}

func TestPumpClose(t *testing.T) {
	p := NewPump(zaptest.NewLogger(t), 1)
	p.Emit(entities.ModelEvent{Kind: entities.ModelEventUsage})

	done := make(chan bool)
	go func() {
		// buffer is full; Emit blocks until Close
		done <- p.Emit(entities.ModelEvent{Kind: entities.ModelEventUsage})
	}()

	p.Close()
	p.Close()
	if ok := <-done; ok {
		t.Error("Emit should report failure after Close")
	}
	if !p.IsClosed() {
		t.Error("Expected pump to be closed")
	}

	p.Finish()
	if err := p.CancelTurn(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after finish, got %v", err)
	}
}
