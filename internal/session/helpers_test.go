package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// eventLog drains a session's event stream in the background.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func record(t *testing.T, s *Session) *eventLog {
	t.Helper()
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for e := range s.Events() {
			l.mu.Lock()
			l.events = append(l.events, e)
			l.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = s.Close()
		<-l.done
	})
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofType(typ EventType) []Event {
	var out []Event
	for _, e := range l.all() {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

// waitFor blocks until an event matching match was recorded and returns it.
func (l *eventLog) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, e := range l.all() {
			if match(e) {
				found = e
				return true
			}
		}
		return false
	}, waitTimeout, time.Millisecond)
	return found
}

func isType(typ EventType) func(Event) bool {
	return func(e Event) bool { return e.Type() == typ }
}

func testOptions() Options {
	return Options{
		LevelTimeout:        200 * time.Millisecond,
		DefaultTimeout:      time.Second,
		RecordTimeout:       time.Second,
		DownloadTimeout:     time.Second,
		StatusInterval:      time.Hour,
		HTTPLevelInterval:   5 * time.Millisecond,
		SerialLevelInterval: 5 * time.Millisecond,
	}
}
