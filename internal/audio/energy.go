package audio

import (
	"encoding/binary"
	"math"

	"github.com/satriahrh/callbridge/domain/entities"
)

// DefaultEnergyThreshold is the RMS level, on the int16 scale, above which a
// frame counts as speech.
const DefaultEnergyThreshold = 500.0

// EnergyDetector classifies frames as speech by their RMS level
type EnergyDetector struct {
	threshold float64
}

// NewEnergyDetector creates a detector. A non-positive threshold selects
// DefaultEnergyThreshold.
func NewEnergyDetector(threshold float64) *EnergyDetector {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return &EnergyDetector{threshold: threshold}
}

// IsSpeech reports whether the frame RMS is above the threshold
func (d *EnergyDetector) IsSpeech(frame entities.AudioFrame) bool {
	return RMS(frame.View()) >= d.threshold
}

// Close is a no-op
func (d *EnergyDetector) Close() error {
	return nil
}

// RMS computes the root mean square of int16 little-endian samples
func RMS(data []byte) float64 {
	n := len(data) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(data[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
