package repositories

import (
	"context"

	"github.com/satriahrh/callbridge/domain/entities"
)

// SpeechDetector classifies caller audio as speech or silence. It drives
// barge-in while the model is talking.
type SpeechDetector interface {
	IsSpeech(frame entities.AudioFrame) bool
	Close() error
}

// SpeechDetectorFactory creates one detector per call
type SpeechDetectorFactory interface {
	NewDetector(ctx context.Context, config entities.SessionConfig) (SpeechDetector, error)
}
