package repositories

import (
	"context"
	"iter"

	"github.com/satriahrh/callbridge/domain/entities"
)

// SpeechModel abstracts a real-time conversational speech model provider
type SpeechModel interface {
	// Open establishes one bidirectional stream and transmits the session
	// configuration exactly once.
	Open(ctx context.Context, config entities.SessionConfig) (ModelStream, error)
	// Name identifies the provider in logs and call records
	Name() string
}

// ModelStream is one open conversation with the speech model
type ModelStream interface {
	// Send forwards one caller audio frame. It fails once the stream is closed.
	Send(ctx context.Context, frame entities.AudioFrame) error
	// Events yields model events in order. Iteration ends when the session
	// ends or the transport fails; the failure is yielded as the error.
	Events() iter.Seq2[entities.ModelEvent, error]
	// CancelTurn aborts the turn the model is currently emitting. A
	// turn-cancelled event acknowledges the cancellation.
	CancelTurn(ctx context.Context) error
	// Close releases the stream and aborts any in-flight turn. Idempotent.
	Close() error
}
