package voice

import (
	"sync"
	"time"
)

// AudioBuffer accumulates inbound PCM frames for one connection, trimmed FIFO
// once the buffered duration exceeds a cap — the listening-side counterpart
// to the bounded send channels the connection layer already uses for
// outbound frames.
type AudioBuffer struct {
	mu        sync.Mutex
	frames    []pcmFrame
	total     time.Duration
	maxLength time.Duration
}

type pcmFrame struct {
	data     []byte
	duration time.Duration
}

// DefaultMaxLength is the ~30s cap spec.md prescribes.
const DefaultMaxLength = 30 * time.Second

// NewAudioBuffer constructs an AudioBuffer capped at maxLength (DefaultMaxLength if <= 0).
func NewAudioBuffer(maxLength time.Duration) *AudioBuffer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &AudioBuffer{maxLength: maxLength}
}

// Push appends a PCM frame of the given duration, trimming the oldest frames
// until the buffer is back under its cap.
func (b *AudioBuffer) Push(data []byte, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = append(b.frames, pcmFrame{data: data, duration: duration})
	b.total += duration

	for b.total > b.maxLength && len(b.frames) > 0 {
		oldest := b.frames[0]
		b.frames = b.frames[1:]
		b.total -= oldest.duration
	}
}

// Bytes concatenates the currently buffered frames in arrival order.
func (b *AudioBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var size int
	for _, f := range b.frames {
		size += len(f.data)
	}
	out := make([]byte, 0, size)
	for _, f := range b.frames {
		out = append(out, f.data...)
	}
	return out
}

// Reset clears the buffer, e.g. when a new utterance begins.
func (b *AudioBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
	b.total = 0
}

// Duration reports the total buffered audio duration.
func (b *AudioBuffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
