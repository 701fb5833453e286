package audio

import (
	"encoding/binary"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a stream of 16-bit mono PCM chunks between sample
// rates. It keeps filter state across chunks and is not safe for concurrent
// use.
type Resampler struct {
	resampler resampling.Resampler
	odd       []byte
}

// NewResampler creates a resampler from inputRate to outputRate. Equal rates
// yield a passthrough resampler.
func NewResampler(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", inputRate, outputRate)
	}
	if inputRate == outputRate {
		return &Resampler{}, nil
	}

	resampler, err := resampling.New(&resampling.Config{
		InputRate:  float64(inputRate),
		OutputRate: float64(outputRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	return &Resampler{resampler: resampler}, nil
}

// Process resamples one chunk. A trailing odd byte is held for the next call.
func (r *Resampler) Process(chunk []byte) ([]byte, error) {
	if len(r.odd) > 0 {
		chunk = append(r.odd, chunk...)
		r.odd = nil
	}
	if len(chunk)%BytesPerSample != 0 {
		r.odd = []byte{chunk[len(chunk)-1]}
		chunk = chunk[:len(chunk)-1]
	}
	if r.resampler == nil {
		return chunk, nil
	}

	input := make([]float64, len(chunk)/BytesPerSample)
	for i := range input {
		input[i] = float64(int16(binary.LittleEndian.Uint16(chunk[i*2:]))) / 32768.0
	}

	output, err := r.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	out := make([]byte, len(output)*BytesPerSample)
	for i, s := range output {
		sample := int16(s * 32767.0)
		if s > 1.0 {
			sample = 32767
		} else if s < -1.0 {
			sample = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out, nil
}
