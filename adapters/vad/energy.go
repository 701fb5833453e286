package vad

import (
	"context"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
)

// EnergyDetectorFactory creates RMS threshold detectors
type EnergyDetectorFactory struct {
	Threshold float64
}

// NewDetector implements repositories.SpeechDetectorFactory
func (f EnergyDetectorFactory) NewDetector(ctx context.Context, config entities.SessionConfig) (repositories.SpeechDetector, error) {
	return audio.NewEnergyDetector(f.Threshold), nil
}
