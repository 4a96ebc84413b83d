// Package transporttest provides in-memory transports for tests and the
// device simulator.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/audiolibrelab/reclink/internal/transport"
)

// Line is an in-memory LineTransport. Bytes pushed with Push are returned by
// ReadChunk in order; lines written by the session are recorded and passed to
// OnWrite.
type Line struct {
	// OpenErr, when set, is returned by Open.
	OpenErr error
	// OnWrite is called synchronously for every written line.
	OnWrite func(line string)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	written  []string
	open     bool
	readErr  error
	writeErr error
	opens    int
}

// NewLine creates a closed fake line.
func NewLine() *Line {
	l := &Line{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Line) Type() transport.Type { return transport.TypeSerial }

func (l *Line) Describe() string { return "memory" }

func (l *Line) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.OpenErr != nil {
		return l.OpenErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = true
	l.readErr = nil
	l.writeErr = nil
	l.queue = nil
	l.opens++
	return nil
}

func (l *Line) ReadChunk() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.open && l.readErr == nil && len(l.queue) == 0 {
		l.cond.Wait()
	}
	if l.readErr != nil {
		return nil, l.readErr
	}
	if !l.open {
		return nil, transport.ErrClosed
	}
	chunk := l.queue[0]
	l.queue = l.queue[1:]
	return chunk, nil
}

func (l *Line) WriteLine(line string) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if l.writeErr != nil {
		err := l.writeErr
		l.mu.Unlock()
		return err
	}
	l.written = append(l.written, line)
	l.cond.Broadcast()
	hook := l.OnWrite
	l.mu.Unlock()

	if hook != nil {
		hook(line)
	}
	return nil
}

func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	l.cond.Broadcast()
	return nil
}

// Push queues a chunk for ReadChunk. Chunks pushed while closed are dropped.
func (l *Line) Push(chunk []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return
	}
	l.queue = append(l.queue, append([]byte(nil), chunk...))
	l.cond.Broadcast()
}

// PushLines queues each line followed by a newline as a separate chunk.
func (l *Line) PushLines(lines ...string) {
	for _, line := range lines {
		l.Push([]byte(line + "\n"))
	}
}

// FailRead makes the pending and all further reads return err.
func (l *Line) FailRead(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
	l.cond.Broadcast()
}

// FailWrite makes all further writes return err.
func (l *Line) FailWrite(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

// Written returns a copy of the lines written so far.
func (l *Line) Written() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.written...)
}

// Count returns how many times line was written.
func (l *Line) Count(line string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.written {
		if w == line {
			n++
		}
	}
	return n
}

// WaitWritten blocks until line has been written at least n times.
func (l *Line) WaitWritten(line string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.Count(line) >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return l.Count(line) >= n
}

// IsOpen reports whether the line is open.
func (l *Line) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Opens returns how many times Open succeeded.
func (l *Line) Opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

// HandlerFunc answers one request of a fake RequestTransport.
type HandlerFunc func(ctx context.Context, method, path string, body []byte) ([]byte, error)

// Request is a RequestTransport backed by a function.
type Request struct {
	Handler HandlerFunc

	mu    sync.Mutex
	calls []string
}

func (r *Request) Type() transport.Type { return transport.TypeHTTP }

func (r *Request) Describe() string { return "memory" }

func (r *Request) Request(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, method+" "+path)
	h := r.Handler
	r.mu.Unlock()

	if h == nil {
		return nil, errors.New("no handler")
	}
	return h(ctx, method, path, body)
}

// Calls returns the "METHOD path" of every request so far.
func (r *Request) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Hang blocks until ctx is done and returns its error. Useful as a handler
// that always times out.
func Hang(ctx context.Context, _, _ string, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
