package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Poll is a running periodic task. A tick that comes due while the previous
// one is still running is skipped.
type Poll struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	ticks    atomic.Int64
	skipped  atomic.Int64
}

func startPoll(parent context.Context, interval time.Duration, tick func(ctx context.Context)) *Poll {
	ctx, cancel := context.WithCancel(parent)
	p := &Poll{cancel: cancel, done: make(chan struct{})}
	go p.loop(ctx, interval, tick)
	return p
}

func (p *Poll) loop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	var inflight sync.WaitGroup
	defer close(p.done)
	defer inflight.Wait()

	var busy atomic.Bool
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if !busy.CompareAndSwap(false, true) {
				p.skipped.Add(1)
				continue
			}
			p.ticks.Add(1)
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer busy.Store(false)
				tick(ctx)
			}()
		}
	}
}

// Stop cancels the poll and waits for the loop and any running tick. It is
// safe to call more than once but must not be called from inside a tick.
func (p *Poll) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(p.cancel)
	<-p.done
}

// Ticks returns how many ticks were started.
func (p *Poll) Ticks() int64 { return p.ticks.Load() }

// Skipped returns how many ticks were skipped because the previous one was
// still running.
func (p *Poll) Skipped() int64 { return p.skipped.Load() }
