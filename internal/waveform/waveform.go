// Package waveform keeps a sliding window of recent level samples for
// display.
package waveform

import (
	"strings"
	"sync"
)

// DefaultSize is the number of samples kept by New.
const DefaultSize = 200

// FullScale is the level that maps to the top of the display.
const FullScale = 4096

var bars = []rune(" ▁▂▃▄▅▆▇█")

// Buffer is a fixed-size ring of level samples. Adding to a full buffer
// overwrites the oldest sample. It is safe for concurrent use.
type Buffer struct {
	mu         sync.Mutex
	buf        []int
	head, tail int64
}

// New creates a buffer holding DefaultSize samples.
func New() *Buffer {
	return NewN(DefaultSize)
}

// NewN creates a buffer holding size samples.
func NewN(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{buf: make([]int, size)}
}

// Add appends a sample, dropping the oldest one when full.
func (b *Buffer) Add(level int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf[b.tail%int64(len(b.buf))] = level
	b.tail++
	if b.tail-b.head > int64(len(b.buf)) {
		b.head = b.tail - int64(len(b.buf))
	}
}

// Samples returns the buffered samples, oldest first.
func (b *Buffer) Samples() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, 0, b.tail-b.head)
	for i := b.head; i < b.tail; i++ {
		out = append(out, b.buf[i%int64(len(b.buf))])
	}
	return out
}

// Normalized returns the samples scaled to 0..1 of FullScale.
func (b *Buffer) Normalized() []float64 {
	samples := b.Samples()
	out := make([]float64, len(samples))
	for i, v := range samples {
		out[i] = normalize(v)
	}
	return out
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.tail - b.head)
}

// Cap returns the buffer size.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Clear drops all samples.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.tail = 0, 0
}

// Sparkline renders the newest width samples as block characters.
func (b *Buffer) Sparkline(width int) string {
	samples := b.Samples()
	if width > 0 && len(samples) > width {
		samples = samples[len(samples)-width:]
	}
	var sb strings.Builder
	for _, v := range samples {
		sb.WriteRune(bars[int(normalize(v)*float64(len(bars)-1)+0.5)])
	}
	return sb.String()
}

func normalize(v int) float64 {
	f := float64(v) / FullScale
	return min(max(f, 0), 1)
}
