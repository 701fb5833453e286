package entities

// ModelEventKind tags the variant carried by a ModelEvent
type ModelEventKind string

const (
	ModelEventTranscriptionDelta ModelEventKind = "transcription-delta"
	ModelEventAudioOutput        ModelEventKind = "audio-output-chunk"
	ModelEventUsage              ModelEventKind = "usage-report"
	ModelEventTurnStarted        ModelEventKind = "turn-started"
	ModelEventTurnComplete       ModelEventKind = "turn-complete"
	ModelEventTurnCancelled      ModelEventKind = "turn-cancelled"
	ModelEventSessionEnded       ModelEventKind = "session-ended"
	ModelEventError              ModelEventKind = "error"
)

// Role identifies who produced a transcript
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is a piece of recognized or generated text
type Transcript struct {
	Role Role
	Text string
}

// Usage reports token consumption
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// ModelError is an error reported by the model service in-band
type ModelError struct {
	Code    string
	Message string
}

// ModelEvent is one event received from the model stream. Seq increases
// monotonically in receive order and is used for diagnostics only.
type ModelEvent struct {
	Kind   ModelEventKind
	Seq    uint64
	TurnID string

	// Audio is the wire (base64) form of an audio-output-chunk payload.
	Audio string

	Transcript *Transcript
	Usage      *Usage
	Error      *ModelError
}
