package waveform

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_KeepsNewest(t *testing.T) {
	b := NewN(3)
	for i := 1; i <= 5; i++ {
		b.Add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, b.Samples())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.Cap())
}

func TestBuffer_DefaultSize(t *testing.T) {
	b := New()
	for i := 0; i < 250; i++ {
		b.Add(i)
	}
	samples := b.Samples()
	assert.Len(t, samples, DefaultSize)
	assert.Equal(t, 50, samples[0])
	assert.Equal(t, 249, samples[len(samples)-1])
}

func TestBuffer_Clear(t *testing.T) {
	b := NewN(4)
	b.Add(1)
	b.Clear()
	assert.Empty(t, b.Samples())
	b.Add(7)
	assert.Equal(t, []int{7}, b.Samples())
}

func TestBuffer_Normalized(t *testing.T) {
	b := NewN(4)
	b.Add(0)
	b.Add(2048)
	b.Add(9000)
	b.Add(-5)
	assert.Equal(t, []float64{0, 0.5, 1, 0}, b.Normalized())
}

func TestBuffer_Sparkline(t *testing.T) {
	b := NewN(8)
	b.Add(0)
	b.Add(4096)
	b.Add(4096)
	assert.Equal(t, " ██", b.Sparkline(0))
	assert.Equal(t, "█", b.Sparkline(1))
}

func TestBuffer_Concurrent(t *testing.T) {
	b := NewN(16)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Add(i)
				_ = b.Samples()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, b.Len())
}
