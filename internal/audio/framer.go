package audio

import "github.com/satriahrh/callbridge/domain/entities"

// Framer cuts model audio of arbitrary chunk length into telephony frames,
// carrying any remainder over to the next chunk. It is not safe for
// concurrent use; the model receiver owns it.
type Framer struct {
	pending []byte
}

// NewFramer creates an empty framer
func NewFramer() *Framer {
	return &Framer{pending: make([]byte, 0, FrameSize)}
}

// Write appends chunk and returns every complete frame now available
func (f *Framer) Write(chunk []byte) []entities.AudioFrame {
	f.pending = append(f.pending, chunk...)

	var frames []entities.AudioFrame
	for len(f.pending) >= FrameSize {
		frames = append(frames, entities.NewAudioFrame(entities.DirectionModelToCaller, f.pending[:FrameSize]))
		f.pending = f.pending[FrameSize:]
	}

	// Compact so the backing array does not grow for the whole call.
	if len(f.pending) == 0 {
		f.pending = f.pending[:0:0]
	} else if cap(f.pending) > 4*FrameSize {
		rest := make([]byte, len(f.pending), FrameSize)
		copy(rest, f.pending)
		f.pending = rest
	}
	return frames
}

// Flush pads the remainder with silence and returns it as a final frame.
// It returns false when nothing is pending.
func (f *Framer) Flush() (entities.AudioFrame, bool) {
	if len(f.pending) == 0 {
		return entities.AudioFrame{}, false
	}
	buf := make([]byte, FrameSize)
	copy(buf, f.pending)
	f.pending = f.pending[:0]
	return entities.NewAudioFrame(entities.DirectionModelToCaller, buf), true
}

// Reset discards the remainder
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}

// Pending returns the number of buffered bytes
func (f *Framer) Pending() int {
	return len(f.pending)
}
