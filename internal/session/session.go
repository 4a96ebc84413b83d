// Package session keeps a connection to one recorder device. It decodes the
// device's frames into typed events, serializes commands and runs the status
// and level polls.
//
// A Session is owned by its caller. All state changes happen under one lock
// and every event is queued under that lock, so the event stream is in frame
// arrival order and nothing belonging to a connection is emitted after the
// ConnectionChanged{Connected: false} that ends it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/reclink/internal/config"
	"github.com/audiolibrelab/reclink/internal/protocol"
	"github.com/audiolibrelab/reclink/internal/transfer"
	"github.com/audiolibrelab/reclink/internal/transport"
)

// State is the connection state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options tunes timeouts and poll intervals. Zero fields take the defaults.
type Options struct {
	Logger *slog.Logger

	LevelTimeout    time.Duration
	DefaultTimeout  time.Duration
	RecordTimeout   time.Duration
	DownloadTimeout time.Duration

	StatusInterval      time.Duration
	HTTPLevelInterval   time.Duration
	SerialLevelInterval time.Duration

	// MaxStatusTimeouts consecutive status poll timeouts drop the connection.
	MaxStatusTimeouts int
}

// DefaultOptions returns the device's documented timings.
func DefaultOptions() Options {
	return Options{
		LevelTimeout:        2 * time.Second,
		DefaultTimeout:      15 * time.Second,
		RecordTimeout:       30 * time.Second,
		DownloadTimeout:     60 * time.Second,
		StatusInterval:      5 * time.Second,
		HTTPLevelInterval:   100 * time.Millisecond,
		SerialLevelInterval: 50 * time.Millisecond,
		MaxStatusTimeouts:   3,
	}
}

// OptionsFromConfig converts the timeouts and intervals of a device profile.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LevelTimeout:        cfg.Timeouts.Level,
		DefaultTimeout:      cfg.Timeouts.Default,
		RecordTimeout:       cfg.Timeouts.Record,
		DownloadTimeout:     cfg.Timeouts.Download,
		StatusInterval:      cfg.Polling.Status,
		HTTPLevelInterval:   cfg.Polling.HTTPLevel,
		SerialLevelInterval: cfg.Polling.SerialLevel,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	setDefault := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setDefault(&o.LevelTimeout, d.LevelTimeout)
	setDefault(&o.DefaultTimeout, d.DefaultTimeout)
	setDefault(&o.RecordTimeout, d.RecordTimeout)
	setDefault(&o.DownloadTimeout, d.DownloadTimeout)
	setDefault(&o.StatusInterval, d.StatusInterval)
	setDefault(&o.HTTPLevelInterval, d.HTTPLevelInterval)
	setDefault(&o.SerialLevelInterval, d.SerialLevelInterval)
	if o.MaxStatusTimeouts <= 0 {
		o.MaxStatusTimeouts = d.MaxStatusTimeouts
	}
	return o
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	ID                string         `json:"id"`
	State             State          `json:"-"`
	StateName         string         `json:"state"`
	Transport         transport.Type `json:"transport"`
	Endpoint          string         `json:"endpoint"`
	Recording         bool           `json:"recording"`
	Streaming         bool           `json:"streaming"`
	ReceivingFileList bool           `json:"receiving_file_list"`
	Level             int            `json:"level"`
	Status            Status         `json:"status"`
	SD                *SDInfo        `json:"sd,omitempty"`
}

// link is everything that belongs to one established connection.
type link struct {
	ctx    context.Context
	cancel context.CancelFunc

	line transport.LineTransport
	req  transport.RequestTransport

	// writeMu keeps command lines from interleaving on the wire.
	writeMu sync.Mutex
	lexer   *protocol.Lexer

	readerDone chan struct{}
	released   chan struct{}

	// Guarded by Session.mu.
	statusPoll     *Poll
	levelPoll      *Poll
	statusTimeouts int
}

type connectAttempt struct {
	cancel context.CancelFunc
}

// Session is the caller-visible connection to one device.
type Session struct {
	id   uuid.UUID
	tr   transport.Transport
	opts Options
	log  *slog.Logger

	events *eventQueue

	mu         sync.Mutex
	state      State
	link       *link
	attempt    *connectAttempt
	lastLink   *link
	closed     bool
	recording  bool
	streaming  bool
	inFileList bool
	status     Status
	sd         *SDInfo
	level      int

	pendingEntries []protocol.FileListEntry
	asm            transfer.Assembler

	listWaiter   *waiter
	fetchWaiter  *waiter
	recordWaiter *waiter
}

// New creates a disconnected session over tr.
func New(tr transport.Transport, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.New()
	return &Session{
		id:     id,
		tr:     tr,
		opts:   opts,
		log:    opts.Logger.With("session", id.String()),
		events: newEventQueue(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id.String() }

// Events returns the event stream. It is closed after Close once all queued
// events were delivered. Events are never dropped, so the caller must keep
// reading.
func (s *Session) Events() <-chan Event { return s.events.out }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:                s.id.String(),
		State:             s.state,
		StateName:         s.state.String(),
		Recording:         s.recording,
		Streaming:         s.streaming,
		ReceivingFileList: s.inFileList,
		Level:             s.level,
		Status:            s.status.clone(),
	}
	if s.tr != nil {
		snap.Transport = s.tr.Type()
		snap.Endpoint = s.tr.Describe()
	}
	if s.sd != nil {
		sd := *s.sd
		snap.SD = &sd
	}
	return snap
}

// Connect opens the transport and performs the initial status refresh. Only
// one attempt may run at a time.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state == StateConnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	case s.state == StateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	attempt := &connectAttempt{cancel: cancel}
	s.attempt = attempt
	s.state = StateConnecting
	prev := s.lastLink
	s.mu.Unlock()

	s.log.Info("Connecting to device", "transport", s.transportType(), "endpoint", s.endpoint())

	// The previous connection may still be closing in the background.
	if prev != nil {
		select {
		case <-prev.released:
		case <-ctx.Done():
			s.abortAttempt(attempt)
			return fmt.Errorf("%w: %v", ErrConnectFailed, ctx.Err())
		}
	}

	var err error
	switch tr := s.tr.(type) {
	case transport.LineTransport:
		err = s.connectLine(ctx, attempt, tr)
	case transport.RequestTransport:
		err = s.connectRequest(ctx, attempt, tr)
	default:
		s.abortAttempt(attempt)
		err = fmt.Errorf("%w: no usable transport", ErrTransportUnavailable)
	}
	if err != nil {
		s.log.Warn("Connect failed", "error", err)
	}
	return err
}

func (s *Session) connectLine(ctx context.Context, attempt *connectAttempt, tr transport.LineTransport) error {
	if err := tr.Open(ctx); err != nil {
		s.abortAttempt(attempt)
		if errors.Is(err, transport.ErrUnavailable) {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	lk := newLink()
	lk.line = tr
	lk.lexer = protocol.NewLexer()

	if !s.establish(attempt, lk) {
		_ = tr.Close()
		return fmt.Errorf("%w: cancelled", ErrConnectFailed)
	}
	go s.readLoop(lk)

	for _, cmd := range []string{protocol.CmdStatus, protocol.CmdGetThreshold} {
		if err := s.send(lk, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) connectRequest(ctx context.Context, attempt *connectAttempt, tr transport.RequestTransport) error {
	lk := newLink()
	lk.req = tr
	close(lk.readerDone)

	body, err := s.request(ctx, lk, "GET", protocol.PathStatus, s.opts.DefaultTimeout)
	if err != nil {
		s.abortAttempt(attempt)
		lk.cancel()
		close(lk.released)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if !s.establish(attempt, lk) {
		return fmt.Errorf("%w: cancelled", ErrConnectFailed)
	}
	s.applyDocument(lk, protocol.DocStatus, body)

	s.mu.Lock()
	if s.link == lk {
		lk.statusPoll = startPoll(lk.ctx, s.opts.StatusInterval, s.statusTick(lk))
	}
	s.mu.Unlock()
	return nil
}

func newLink() *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		released:   make(chan struct{}),
	}
}

// establish moves Connecting to Connected unless the attempt was cancelled by
// Disconnect in the meantime.
func (s *Session) establish(attempt *connectAttempt, lk *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt || s.state != StateConnecting {
		lk.cancel()
		return false
	}
	s.attempt = nil
	s.link = lk
	s.lastLink = lk
	s.state = StateConnected
	s.resetFlagsLocked()
	s.log.Info("Connected to device", "transport", s.transportType(), "endpoint", s.endpoint())
	s.emit(ConnectionChanged{Connected: true})
	return true
}

func (s *Session) abortAttempt(attempt *connectAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == attempt {
		s.attempt = nil
		s.state = StateDisconnected
	}
}

// Disconnect stops all polls, abandons any transfer in progress and closes the
// transport. No event of the closed connection is emitted after it returns.
// Calling it while disconnected does nothing.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.attempt != nil {
		s.attempt.cancel()
		s.attempt = nil
		s.state = StateDisconnected
	}
	lk := s.link
	if lk == nil {
		s.mu.Unlock()
		return nil
	}
	stopStream := s.streaming && lk.line != nil
	s.detachLocked(lk, nil)
	s.mu.Unlock()

	s.release(lk, stopStream)
	s.log.Info("Disconnected from device")
	return nil
}

// Close disconnects and ends the event stream.
func (s *Session) Close() error {
	err := s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.events.close()
	return err
}

// fail drops lk after a transport error. It may run on the reader or a poll
// goroutine, so the teardown that waits for those runs in the background.
func (s *Session) fail(lk *link, cause error) {
	s.mu.Lock()
	ok := s.detachLocked(lk, cause)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Warn("Connection lost", "error", cause)
	go s.release(lk, false)
}

// detachLocked resets the session to Disconnected. It reports false when lk
// is no longer the current link.
func (s *Session) detachLocked(lk *link, cause error) bool {
	if s.link != lk {
		return false
	}
	lk.cancel()
	s.link = nil
	s.state = StateDisconnected

	if s.asm.Abort() {
		s.log.Debug("Abandoned file transfer on disconnect")
	}
	if lk.lexer != nil {
		lk.lexer.Reset()
	}
	s.pendingEntries = nil

	failure := ErrNotConnected
	if cause != nil {
		failure = cause
	}
	for _, w := range []**waiter{&s.listWaiter, &s.fetchWaiter, &s.recordWaiter} {
		if *w != nil {
			(*w).finish(failure)
			*w = nil
		}
	}

	if s.recording {
		s.emit(RecordingStateChanged{Recording: false})
	}
	s.resetFlagsLocked()
	s.emit(ConnectionChanged{Connected: false, Err: cause})
	return true
}

func (s *Session) resetFlagsLocked() {
	s.recording = false
	s.streaming = false
	s.inFileList = false
}

// release stops the polls of a detached link and closes its transport.
func (s *Session) release(lk *link, stopStream bool) {
	defer close(lk.released)

	s.mu.Lock()
	polls := []*Poll{lk.statusPoll, lk.levelPoll}
	lk.statusPoll, lk.levelPoll = nil, nil
	s.mu.Unlock()
	for _, p := range polls {
		p.Stop()
	}

	if lk.line == nil {
		return
	}
	if stopStream {
		lk.writeMu.Lock()
		if err := lk.line.WriteLine(protocol.CmdStopStream); err != nil {
			s.log.Debug("Failed to stop stream on disconnect", "error", err)
		}
		lk.writeMu.Unlock()
	}
	if err := lk.line.Close(); err != nil {
		s.log.Debug("Error closing transport", "error", err)
	}
	<-lk.readerDone
}

func (s *Session) readLoop(lk *link) {
	defer close(lk.readerDone)
	for {
		chunk, err := lk.line.ReadChunk()
		if err != nil {
			if lk.ctx.Err() == nil {
				s.fail(lk, fmt.Errorf("%w: read: %v", ErrConnectionLost, err))
			}
			return
		}

		s.mu.Lock()
		if s.link != lk {
			s.mu.Unlock()
			return
		}
		lk.lexer.Feed(chunk)
		for {
			tok, ok := lk.lexer.Next()
			if !ok {
				break
			}
			if tok.IsRaw() {
				s.applyLocked(lk, protocol.Chunk(tok.Raw))
				continue
			}
			s.log.Debug("Device line", "line", tok.Line)
			s.applyLocked(lk, protocol.Classify(tok.Line, s.inFileList))
		}
		s.mu.Unlock()
	}
}

// applyDocument routes an HTTP response body.
func (s *Session) applyDocument(lk *link, doc protocol.Document, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != lk {
		return
	}
	if doc == protocol.DocStatus {
		lk.statusTimeouts = 0
	}
	s.applyLocked(lk, protocol.ClassifyDocument(doc, body))
}

func (s *Session) emit(e Event) {
	s.events.push(e)
}

func (s *Session) anomaly(kind AnomalyKind, detail string) {
	s.log.Warn("Protocol anomaly", "kind", kind, "detail", detail)
	s.emit(Anomaly{Kind: kind, Detail: detail})
}

// applyLocked updates the session from one frame. Frames for a link that is
// no longer current are ignored.
func (s *Session) applyLocked(lk *link, f protocol.Frame) {
	if s.link != lk || s.state != StateConnected {
		return
	}

	if defect := f.Malformed(); defect != "" {
		if raw, ok := f.(protocol.RawLog); ok && defect == protocol.StrayEntry {
			s.anomaly(ProtocolAnomaly, fmt.Sprintf("%s: %q", defect, raw.Text))
			return
		}
		s.anomaly(MalformedFrame, fmt.Sprintf("%s: %s", f.Kind(), defect))
	}

	switch f := f.(type) {
	case protocol.StatusUpdate:
		s.applyStatusLocked(f)

	case protocol.LevelSample:
		s.level = f.Value
		s.emit(LevelSampled{Value: f.Value})

	case protocol.FileListBegin:
		if s.inFileList {
			s.anomaly(ProtocolAnomaly, fmt.Sprintf("file list restarted after %d entries", len(s.pendingEntries)))
		}
		s.inFileList = true
		s.pendingEntries = nil

	case protocol.FileListEntry:
		s.pendingEntries = append(s.pendingEntries, f)

	case protocol.FileListEnd:
		if !s.inFileList {
			s.anomaly(ProtocolAnomaly, "file list end without start")
			return
		}
		s.inFileList = false
		entries := catalogFromEntries(s.pendingEntries)
		s.pendingEntries = nil
		s.emit(FileCatalogReplaced{Entries: entries})
		if s.listWaiter != nil {
			s.listWaiter.entries = entries
			s.listWaiter.finish(nil)
			s.listWaiter = nil
		}

	case protocol.FileDataBegin:
		if err := s.asm.Begin(f.Filename, f.SizeBytes); err != nil {
			s.anomaly(ProtocolAnomaly, err.Error())
		}
		if lk.lexer != nil {
			if f.SizeBytes > 0 {
				lk.lexer.ExpectRaw(int(f.SizeBytes), protocol.MarkerFileDataEnd, protocol.MarkerFileDataStart)
			} else {
				lk.lexer.ExpectRawUntil(protocol.MarkerFileDataEnd)
			}
		}

	case protocol.FileDataChunk:
		if err := s.asm.Append(f.Bytes); err != nil {
			s.anomaly(ProtocolAnomaly, fmt.Sprintf("data chunk of %d bytes: %v", len(f.Bytes), err))
		}

	case protocol.FileDataEnd:
		file, err := s.asm.End()
		if errors.Is(err, transfer.ErrNoActiveTransfer) {
			s.anomaly(ProtocolAnomaly, "file data end without start")
			return
		}
		mismatch := errors.Is(err, transfer.ErrSizeMismatch)
		if mismatch {
			s.anomaly(ProtocolAnomaly, err.Error())
		}
		s.emit(transferCompleted(file, mismatch))
		if s.fetchWaiter != nil {
			s.fetchWaiter.file = file
			s.fetchWaiter.finish(err)
			s.fetchWaiter = nil
		}

	case protocol.RecordingStarted:
		if !s.recording {
			s.recording = true
			s.emit(RecordingStateChanged{Recording: true})
		}

	case protocol.RecordingCompleted:
		s.completeRecordingLocked(f.Path)

	case protocol.UsbPowerEvent:
		connected := f.Connected
		s.status.USBConnected = &connected
		s.emit(UsbPowerChanged{Connected: connected})

	case protocol.RawLog:
		s.emit(DeviceLog{Text: f.Text})
	}
}

func (s *Session) applyStatusLocked(f protocol.StatusUpdate) {
	changed := false
	if f.Threshold != nil {
		s.status.Threshold = intPtr(*f.Threshold)
		changed = true
	}
	if f.DirNumber != nil {
		s.status.DirNumber = intPtr(*f.DirNumber)
		changed = true
	}
	if f.RecNumber != nil {
		s.status.RecNumber = intPtr(*f.RecNumber)
		changed = true
	}
	if f.NewRecordingFlag != nil {
		s.status.NewRecordingFlag = boolPtr(*f.NewRecordingFlag)
		changed = true
	}
	if f.USBConnected != nil {
		s.status.USBConnected = boolPtr(*f.USBConnected)
		changed = true
	}
	if changed {
		s.emit(StatusChanged{Status: s.status.clone()})
	}

	if f.SDTotalMB != nil || f.SDUsedMB != nil || f.SDFreeMB != nil {
		sd := SDInfo{}
		if s.sd != nil {
			sd = *s.sd
		}
		if f.SDTotalMB != nil {
			sd.TotalMB = *f.SDTotalMB
		}
		if f.SDUsedMB != nil {
			sd.UsedMB = *f.SDUsedMB
		}
		if f.SDFreeMB != nil {
			sd.FreeMB = *f.SDFreeMB
		}
		s.sd = &sd
		s.emit(SDInfoChanged{SDInfo: sd})
	}
}

func (s *Session) completeRecordingLocked(p string) {
	s.recording = false
	s.emit(RecordingStateChanged{Recording: false, Path: p})

	if p != "" {
		if dir, rec, nrf, ok := ParseRecordingPath(p); ok {
			s.status.DirNumber = intPtr(dir)
			s.status.RecNumber = intPtr(rec)
			s.status.NewRecordingFlag = boolPtr(nrf)
			s.emit(StatusChanged{Status: s.status.clone()})
		}
		s.emit(FileAdded{Entry: NewCatalogEntry(p, 0)})
	}

	if s.recordWaiter != nil {
		s.recordWaiter.finish(nil)
		s.recordWaiter = nil
	}
}

func (s *Session) transportType() transport.Type {
	if s.tr == nil {
		return ""
	}
	return s.tr.Type()
}

func (s *Session) endpoint() string {
	if s.tr == nil {
		return ""
	}
	return s.tr.Describe()
}

func (st Status) clone() Status {
	out := Status{}
	if st.Threshold != nil {
		out.Threshold = intPtr(*st.Threshold)
	}
	if st.DirNumber != nil {
		out.DirNumber = intPtr(*st.DirNumber)
	}
	if st.RecNumber != nil {
		out.RecNumber = intPtr(*st.RecNumber)
	}
	if st.NewRecordingFlag != nil {
		out.NewRecordingFlag = boolPtr(*st.NewRecordingFlag)
	}
	if st.USBConnected != nil {
		out.USBConnected = boolPtr(*st.USBConnected)
	}
	return out
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
