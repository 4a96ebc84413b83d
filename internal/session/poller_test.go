package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoll_SkipsWhileBusy(t *testing.T) {
	var running atomic.Int32
	var overlap atomic.Bool
	p := startPoll(context.Background(), time.Millisecond, func(ctx context.Context) {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
	})

	time.Sleep(50 * time.Millisecond)
	p.Stop()

	assert.False(t, overlap.Load())
	assert.Positive(t, p.Ticks())
	assert.Positive(t, p.Skipped())
	assert.Zero(t, running.Load())
}

func TestPoll_NoTickAfterStop(t *testing.T) {
	var ticks atomic.Int64
	p := startPoll(context.Background(), time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	})
	assert.Eventually(t, func() bool { return ticks.Load() > 2 }, time.Second, time.Millisecond)

	p.Stop()
	p.Stop()
	n := ticks.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, ticks.Load())
}

func TestPoll_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := startPoll(ctx, time.Millisecond, func(context.Context) {})
	cancel()

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("poll did not stop when its parent was cancelled")
	}
	var nilPoll *Poll
	nilPoll.Stop()
}
