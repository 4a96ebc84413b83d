package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/audiolibrelab/reclink/internal/protocol"
	"github.com/audiolibrelab/reclink/internal/transfer"
)

// waiter is a serial command waiting for the frame class that answers it.
// finish is only called under Session.mu, after which the waiter is removed
// from the session so it cannot finish twice.
type waiter struct {
	done    chan struct{}
	entries []FileCatalogEntry
	file    *transfer.File
	err     error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) finish(err error) {
	w.err = err
	close(w.done)
}

// await blocks until w finishes, timeout elapses or ctx ends. On timeout or
// cancellation giveUp runs under the session lock unless w finished in the
// meantime.
func (s *Session) await(ctx context.Context, w *waiter, timeout time.Duration, giveUp func()) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.err
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	select {
	case <-w.done:
		s.mu.Unlock()
		return w.err
	default:
	}
	giveUp()
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: no answer after %s", ErrRequestTimeout, timeout)
}

// current returns the link while Connected.
func (s *Session) current() (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.link == nil {
		return nil, ErrNotConnected
	}
	return s.link, nil
}

// send writes one command line. A write failure drops the connection.
func (s *Session) send(lk *link, line string) error {
	lk.writeMu.Lock()
	err := lk.line.WriteLine(line)
	lk.writeMu.Unlock()

	if err != nil {
		if lk.ctx.Err() != nil {
			return ErrNotConnected
		}
		werr := fmt.Errorf("%w: write %s: %v", ErrConnectionLost, line, err)
		s.fail(lk, werr)
		return werr
	}
	s.log.Debug("Sent command", "command", line)
	return nil
}

// request performs one HTTP call bounded by timeout. It is also cancelled
// when the link is torn down.
func (s *Session) request(ctx context.Context, lk *link, method, p string, timeout time.Duration) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(lk.ctx, cancel)
	defer stop()

	body, err := lk.req.Request(rctx, method, p, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s after %s", ErrRequestTimeout, method, p, timeout)
		}
		if lk.ctx.Err() != nil && ctx.Err() == nil {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("%s %s: %w", method, p, err)
	}
	return body, nil
}

// SetThreshold sets the recording trigger threshold (0..4095).
func (s *Session) SetThreshold(ctx context.Context, value int) error {
	if value < 0 || value > protocol.MaxLevel {
		return fmt.Errorf("%w: threshold %d outside 0..%d", ErrInvalidArgument, value, protocol.MaxLevel)
	}
	lk, err := s.current()
	if err != nil {
		return err
	}
	if lk.line != nil {
		return s.send(lk, protocol.SetThreshold(value))
	}
	body, err := s.request(ctx, lk, "POST", protocol.PathThreshold+"?value="+strconv.Itoa(value), s.opts.DefaultTimeout)
	if err != nil {
		return err
	}
	s.applyDocument(lk, protocol.DocThreshold, body)
	return nil
}

// GetThreshold asks the device for its threshold. The answer arrives as a
// StatusChanged event.
func (s *Session) GetThreshold(ctx context.Context) error {
	lk, err := s.current()
	if err != nil {
		return err
	}
	if lk.line != nil {
		return s.send(lk, protocol.CmdGetThreshold)
	}
	body, err := s.request(ctx, lk, "GET", protocol.PathThreshold, s.opts.DefaultTimeout)
	if err != nil {
		return err
	}
	s.applyDocument(lk, protocol.DocThreshold, body)
	return nil
}

// GetStatus asks the device for its status.
func (s *Session) GetStatus(ctx context.Context) error {
	lk, err := s.current()
	if err != nil {
		return err
	}
	if lk.line != nil {
		return s.send(lk, protocol.CmdStatus)
	}
	return s.fetchStatus(ctx, lk)
}

// GetSDInfo asks the device for SD card usage. Over HTTP the figures are part
// of the status document and arrive as SDInfoChanged.
func (s *Session) GetSDInfo(ctx context.Context) error {
	lk, err := s.current()
	if err != nil {
		return err
	}
	if lk.line != nil {
		return s.send(lk, protocol.CmdGetSDInfo)
	}
	return s.fetchStatus(ctx, lk)
}

func (s *Session) fetchStatus(ctx context.Context, lk *link) error {
	body, err := s.request(ctx, lk, "GET", protocol.PathStatus, s.opts.DefaultTimeout)
	if err != nil {
		return err
	}
	s.applyDocument(lk, protocol.DocStatus, body)
	return nil
}

// TriggerRecording starts a recording and returns when the device reports it
// finished. The recording flag stays set until then or until the record
// timeout elapses, in which case ErrRequestTimeout is returned and the flag
// is cleared.
func (s *Session) TriggerRecording(ctx context.Context) error {
	lk, err := s.current()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.link != lk {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.recordWaiter != nil || (lk.req != nil && s.recording) {
		s.mu.Unlock()
		return fmt.Errorf("%w: recording in progress", ErrBusy)
	}
	w := newWaiter()
	s.recordWaiter = w
	if !s.recording {
		s.recording = true
		s.emit(RecordingStateChanged{Recording: true})
	}
	s.mu.Unlock()

	if lk.line != nil {
		if err := s.send(lk, protocol.CmdStartRecording); err != nil {
			return err
		}
		return s.await(ctx, w, s.opts.RecordTimeout, func() {
			if s.recordWaiter == w {
				s.recordWaiter = nil
			}
			s.endRecordingLocked(lk)
		})
	}

	body, err := s.request(ctx, lk, "POST", protocol.PathRecord, s.opts.RecordTimeout)

	s.mu.Lock()
	if s.recordWaiter == w {
		s.recordWaiter = nil
		w.finish(err)
	}
	s.endRecordingLocked(lk)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.applyDocument(lk, protocol.DocStatus, body)
	return nil
}

func (s *Session) endRecordingLocked(lk *link) {
	if s.link == lk && s.recording {
		s.recording = false
		s.emit(RecordingStateChanged{Recording: false})
	}
}

// ListFiles refreshes the catalog. The result is also emitted as
// FileCatalogReplaced. Over serial a second call while a listing is pending
// fails with ErrBusy.
func (s *Session) ListFiles(ctx context.Context) ([]FileCatalogEntry, error) {
	lk, err := s.current()
	if err != nil {
		return nil, err
	}

	if lk.req != nil {
		body, err := s.request(ctx, lk, "GET", protocol.PathFiles, s.opts.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		entries, defect := protocol.DecodeFileList(body)
		catalog := catalogFromEntries(entries)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.link != lk {
			return nil, ErrNotConnected
		}
		if defect != "" {
			s.anomaly(MalformedFrame, defect)
		}
		if entries == nil && defect != "" {
			return nil, fmt.Errorf("decoding file list: %s", defect)
		}
		s.emit(FileCatalogReplaced{Entries: catalog})
		return catalog, nil
	}

	s.mu.Lock()
	if s.link != lk {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if s.listWaiter != nil || s.inFileList {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: file list in progress", ErrBusy)
	}
	w := newWaiter()
	s.listWaiter = w
	s.mu.Unlock()

	if err := s.send(lk, protocol.CmdListFiles); err != nil {
		return nil, err
	}
	if err := s.await(ctx, w, s.opts.DefaultTimeout, func() {
		if s.listWaiter == w {
			s.listWaiter = nil
		}
		// A window whose end marker was lost would block every later listing.
		if s.link == lk && s.inFileList {
			s.anomaly(ProtocolAnomaly, fmt.Sprintf("file list end not received after %d entries", len(s.pendingEntries)))
			s.inFileList = false
			s.pendingEntries = nil
		}
	}); err != nil {
		return nil, err
	}
	return w.entries, nil
}

// FetchFile downloads one recording. A transfer whose byte count differs
// from the declared size is returned together with transfer.ErrSizeMismatch.
func (s *Session) FetchFile(ctx context.Context, devicePath string) (*transfer.File, error) {
	if devicePath == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	lk, err := s.current()
	if err != nil {
		return nil, err
	}

	if lk.req != nil {
		body, err := s.request(ctx, lk, "GET", protocol.PathDownload+"?path="+url.QueryEscape(devicePath), s.opts.DownloadTimeout)
		if err != nil {
			return nil, err
		}
		file := &transfer.File{Name: path.Base(devicePath), ExpectedSize: int64(len(body)), Data: body}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.link != lk {
			return nil, ErrNotConnected
		}
		s.emit(transferCompleted(file, false))
		return file, nil
	}

	s.mu.Lock()
	if s.link != lk {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if s.fetchWaiter != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: download in progress", ErrBusy)
	}
	w := newWaiter()
	s.fetchWaiter = w
	s.mu.Unlock()

	if err := s.send(lk, protocol.GetFile(devicePath)); err != nil {
		return nil, err
	}
	err = s.await(ctx, w, s.opts.DownloadTimeout, func() {
		if s.fetchWaiter == w {
			s.fetchWaiter = nil
		}
		if s.link == lk && s.asm.Abort() {
			lk.lexer.CancelRaw()
			s.anomaly(ProtocolAnomaly, "abandoned incomplete transfer of "+devicePath)
		}
	})
	return w.file, err
}

// StartStreaming starts the live level poll. Calling it while streaming does
// nothing.
func (s *Session) StartStreaming(ctx context.Context) error {
	lk, err := s.current()
	if err != nil {
		return err
	}
	s.mu.Lock()
	streaming := s.streaming
	s.mu.Unlock()
	if streaming {
		return nil
	}

	if lk.line != nil {
		if err := s.send(lk, protocol.CmdStartStream); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != lk {
		return ErrNotConnected
	}
	if s.streaming {
		return nil
	}
	s.streaming = true
	if lk.line != nil {
		lk.levelPoll = startPoll(lk.ctx, s.opts.SerialLevelInterval, s.serialLevelTick(lk))
	} else {
		lk.levelPoll = startPoll(lk.ctx, s.opts.HTTPLevelInterval, s.httpLevelTick(lk))
	}
	s.log.Debug("Streaming started")
	return nil
}

// StopStreaming stops the level poll. No scheduled tick runs after it
// returns.
func (s *Session) StopStreaming(ctx context.Context) error {
	lk, err := s.current()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.link != lk {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	poll := lk.levelPoll
	lk.levelPoll = nil
	s.mu.Unlock()

	poll.Stop()
	s.log.Debug("Streaming stopped")

	if lk.line != nil {
		return s.send(lk, protocol.CmdStopStream)
	}
	return nil
}

func (s *Session) serialLevelTick(lk *link) func(ctx context.Context) {
	return func(ctx context.Context) {
		// A failed write already dropped the connection.
		_ = s.send(lk, protocol.CmdGetLevel)
	}
}

func (s *Session) httpLevelTick(lk *link) func(ctx context.Context) {
	return func(ctx context.Context) {
		body, err := s.request(ctx, lk, "GET", protocol.PathLevel, s.opts.LevelTimeout)
		if err != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.streaming || ctx.Err() != nil {
			return
		}
		s.applyLocked(lk, protocol.ClassifyDocument(protocol.DocLevel, body))
	}
}

// statusTick refreshes the status over HTTP. Errors are ignored except
// timeouts: MaxStatusTimeouts in a row drop the connection.
func (s *Session) statusTick(lk *link) func(ctx context.Context) {
	return func(ctx context.Context) {
		body, err := s.request(ctx, lk, "GET", protocol.PathStatus, s.opts.DefaultTimeout)
		if err == nil {
			s.applyDocument(lk, protocol.DocStatus, body)
			return
		}
		if !errors.Is(err, ErrRequestTimeout) {
			s.log.Debug("Status poll failed", "error", err)
			return
		}

		s.mu.Lock()
		if s.link != lk {
			s.mu.Unlock()
			return
		}
		lk.statusTimeouts++
		n := lk.statusTimeouts
		s.mu.Unlock()

		s.log.Debug("Status poll timed out", "consecutive", n)
		if n >= s.opts.MaxStatusTimeouts {
			s.fail(lk, fmt.Errorf("%w: %d status polls timed out", ErrConnectionLost, n))
		}
	}
}
