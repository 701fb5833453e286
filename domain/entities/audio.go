package entities

import (
	"errors"
	"time"
)

// Direction tags which way an audio frame flows
type Direction int

const (
	DirectionCallerToModel Direction = iota
	DirectionModelToCaller
)

func (d Direction) String() string {
	switch d {
	case DirectionCallerToModel:
		return "caller_to_model"
	case DirectionModelToCaller:
		return "model_to_caller"
	}
	return "unknown"
}

// AudioFrame is a fixed-duration slice of PCM audio. The payload is copied
// on construction and on read, so a frame never changes once built.
type AudioFrame struct {
	direction Direction
	data      []byte
}

// NewAudioFrame wraps a copy of data. Size validation happens in the codec.
func NewAudioFrame(direction Direction, data []byte) AudioFrame {
	buf := make([]byte, len(data))
	copy(buf, data)
	return AudioFrame{direction: direction, data: buf}
}

// Direction returns the flow the frame belongs to
func (f AudioFrame) Direction() Direction {
	return f.direction
}

// Bytes returns a copy of the frame payload
func (f AudioFrame) Bytes() []byte {
	buf := make([]byte, len(f.data))
	copy(buf, f.data)
	return buf
}

// Len returns the payload length in bytes
func (f AudioFrame) Len() int {
	return len(f.data)
}

// View returns the payload without copying. Callers must not modify it.
func (f AudioFrame) View() []byte {
	return f.data
}

// HandshakeMetadata identifies the call on the telephony side
type HandshakeMetadata struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
}

// Merge fills empty fields from fallback
func (m HandshakeMetadata) Merge(fallback HandshakeMetadata) HandshakeMetadata {
	if m.CallID == "" {
		m.CallID = fallback.CallID
	}
	if m.CallerID == "" {
		m.CallerID = fallback.CallerID
	}
	return m
}

// SessionConfig holds the parameters fixed at session creation. It is passed
// by value and never mutated after hand-off.
type SessionConfig struct {
	VoiceID      string
	SystemPrompt string
	Language     string

	SampleRate int
	BitDepth   int
	Channels   int

	MaxTokens   int
	TopP        float64
	Temperature float64
}

// Default audio format for the telephony leg
const (
	DefaultSampleRate = 16000
	DefaultBitDepth   = 16
	DefaultChannels   = 1
)

// FrameBytes returns the byte size of one frame of the given duration
func (c SessionConfig) FrameBytes(d time.Duration) int {
	return int(int64(c.SampleRate) * int64(d) / int64(time.Second) * int64(c.BitDepth/8) * int64(c.Channels))
}

// Validate validates the session configuration
func (c SessionConfig) Validate() error {
	if c.VoiceID == "" {
		return errors.New("voice id is required")
	}
	if c.SystemPrompt == "" {
		return errors.New("system prompt is required")
	}
	if c.SampleRate != DefaultSampleRate || c.BitDepth != DefaultBitDepth || c.Channels != DefaultChannels {
		return errors.New("only 16kHz 16-bit mono audio is supported")
	}
	if c.TopP < 0 || c.TopP > 1 {
		return errors.New("top_p must be between 0 and 1")
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return errors.New("temperature must be between 0 and 1")
	}
	if c.MaxTokens < 0 {
		return errors.New("max tokens must be positive")
	}
	return nil
}
