// Package audio implements the telephony audio frame codec: fixed-size
// 16 kHz / 16-bit / mono PCM frames and their base64 wire form used by the
// model service.
package audio

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/satriahrh/callbridge/domain/entities"
)

const (
	// SampleRate is the telephony sample rate in Hz
	SampleRate = 16000
	// BytesPerSample for signed 16-bit little-endian PCM
	BytesPerSample = 2
	// FrameDuration is the playback length of one frame
	FrameDuration = 20 * time.Millisecond
	// FrameSize is the byte length of one frame: 320 samples of 2 bytes
	FrameSize = SampleRate * BytesPerSample * int(FrameDuration/time.Millisecond) / 1000
)

// Validate checks that data is exactly one frame long
func Validate(data []byte) error {
	if len(data) != FrameSize {
		return &entities.FrameFormatError{Size: len(data), Want: FrameSize}
	}
	return nil
}

// Encode converts raw PCM bytes to the model service wire form
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode converts a wire payload back to raw PCM bytes
func Decode(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &entities.FrameFormatError{Err: fmt.Errorf("decode base64 payload: %w", err)}
	}
	return data, nil
}

// NewFrame validates data and wraps a copy of it as an audio frame
func NewFrame(direction entities.Direction, data []byte) (entities.AudioFrame, error) {
	if err := Validate(data); err != nil {
		return entities.AudioFrame{}, err
	}
	return entities.NewAudioFrame(direction, data), nil
}

// Silence returns one frame of digital silence
func Silence(direction entities.Direction) entities.AudioFrame {
	return entities.NewAudioFrame(direction, make([]byte, FrameSize))
}
