package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/audiolibrelab/reclink/internal/config"
	"github.com/audiolibrelab/reclink/internal/session"
	"github.com/audiolibrelab/reclink/internal/transfer"
	"github.com/audiolibrelab/reclink/internal/transport"
	"github.com/audiolibrelab/reclink/internal/waveform"
)

// Service is what the CLI and the HTTP bridge use to drive one recorder.
type Service interface {
	// Connection
	Connect(ctx context.Context) error
	Disconnect() error
	Close() error
	Snapshot() session.Snapshot

	// Device settings and status
	SetThreshold(ctx context.Context, value int) (int, error)
	GetThreshold(ctx context.Context) (int, error)
	RefreshStatus(ctx context.Context) (session.Status, error)
	SDInfo(ctx context.Context) (*SDReport, error)

	// Recording and files
	Record(ctx context.Context) error
	RefreshFiles(ctx context.Context) ([]session.FileCatalogEntry, error)
	Catalog() []session.FileCatalogEntry
	LatestRecording(ctx context.Context) (*session.FileCatalogEntry, error)
	Download(ctx context.Context, devicePath string) (*DownloadResult, error)

	// Live level
	StartStream(ctx context.Context) error
	StopStream(ctx context.Context) error
	Waveform() []int
	ClearWaveform()

	// Events
	Subscribe(buffer int) *Subscription
	DeviceLog() []string

	// Configuration
	GetConfig() *config.Config
	SetDownloadDirectory(dir string)
	GetLastError() string
}

// SDReport is the answer to an SD card query. Over HTTP the figures are
// structured; over serial the device prints them as log lines.
type SDReport struct {
	Info  *session.SDInfo `json:"info,omitempty"`
	Lines []string        `json:"lines,omitempty"`
}

// DownloadResult describes a file saved from the device.
type DownloadResult struct {
	DevicePath   string `json:"device_path"`
	LocalPath    string `json:"local_path"`
	Size         int64  `json:"size"`
	SizeHuman    string `json:"size_human"`
	SizeMismatch bool   `json:"size_mismatch,omitempty"`
}

const (
	deviceLogSize = 100
	retryInterval = 500 * time.Millisecond
	sdLogWindow   = time.Second
)

// RecorderService is the Service implementation over one session.
type RecorderService struct {
	sess *session.Session
	wave *waveform.Buffer

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu        sync.Mutex
	catalog   []session.FileCatalogEntry
	deviceLog []string
	changed   chan struct{}
	subs      map[int]*Subscription
	nextSub   int

	retryInterval time.Duration
	pumpDone      chan struct{}

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// Open builds the transport selected by cfg and wraps it in a service.
func Open(cfg *config.Config) (Service, error) {
	tr, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg, tr), nil
}

// New creates a service over an existing transport.
func New(cfg *config.Config, tr transport.Transport) Service {
	return newRecorderService(cfg, tr)
}

func newRecorderService(cfg *config.Config, tr transport.Transport) *RecorderService {
	opts := session.OptionsFromConfig(cfg)
	opts.Logger = slog.Default().With("device", cfg.Device)

	s := &RecorderService{
		sess:          session.New(tr, opts),
		wave:          waveform.New(),
		cfg:           cfg,
		changed:       make(chan struct{}),
		subs:          make(map[int]*Subscription),
		retryInterval: retryInterval,
		pumpDone:      make(chan struct{}),
	}
	go s.pump()
	return s
}

// Connect connects to the device, retrying up to the configured number of
// attempts. A missing transport is not retried.
func (s *RecorderService) Connect(ctx context.Context) error {
	s.clearLastError()
	attempts := max(s.GetConfig().Connect.Attempts, 1)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxElapsedTime = 0

	op := func() error {
		err := s.sess.Connect(ctx)
		switch {
		case err == nil, errors.Is(err, session.ErrAlreadyConnected):
			return nil
		case errors.Is(err, session.ErrTransportUnavailable),
			errors.Is(err, session.ErrClosed),
			errors.Is(err, session.ErrConnectInProgress):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Connect attempt failed, retrying", "error", err, "retry_in", wait)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		s.setLastError(fmt.Sprintf("Failed to connect: %v", err))
		return err
	}
	return nil
}

func (s *RecorderService) Disconnect() error {
	return s.sess.Disconnect()
}

// Close disconnects and waits for the event pump to drain.
func (s *RecorderService) Close() error {
	err := s.sess.Close()
	<-s.pumpDone
	return err
}

func (s *RecorderService) Snapshot() session.Snapshot {
	return s.sess.Snapshot()
}

// SetThreshold sets the threshold and waits until the device reports it.
func (s *RecorderService) SetThreshold(ctx context.Context, value int) (int, error) {
	wait := s.watchStatus()
	if err := s.sess.SetThreshold(ctx, value); err != nil {
		s.setLastError(fmt.Sprintf("Failed to set threshold: %v", err))
		return 0, err
	}
	st, err := s.awaitStatus(ctx, wait, func(st session.Status) bool {
		return st.Threshold != nil && *st.Threshold == value
	})
	if err != nil {
		return 0, fmt.Errorf("threshold %d not confirmed: %w", value, err)
	}
	return *st.Threshold, nil
}

// GetThreshold queries the threshold and waits for the answer.
func (s *RecorderService) GetThreshold(ctx context.Context) (int, error) {
	wait := s.watchStatus()
	if err := s.sess.GetThreshold(ctx); err != nil {
		return 0, err
	}
	st, err := s.awaitStatus(ctx, wait, func(st session.Status) bool { return st.Threshold != nil })
	if err != nil {
		return 0, err
	}
	return *st.Threshold, nil
}

// RefreshStatus asks for the status and returns the merged result once the
// device answered.
func (s *RecorderService) RefreshStatus(ctx context.Context) (session.Status, error) {
	wait := s.watchStatus()
	if err := s.sess.GetStatus(ctx); err != nil {
		return session.Status{}, err
	}
	return s.awaitStatus(ctx, wait, func(session.Status) bool { return true })
}

// SDInfo queries SD card usage. Serial devices answer with log lines, which
// are collected for a short window or until ctx ends.
func (s *RecorderService) SDInfo(ctx context.Context) (*SDReport, error) {
	s.mu.Lock()
	logStart := len(s.deviceLog)
	s.mu.Unlock()

	if err := s.sess.GetSDInfo(ctx); err != nil {
		return nil, err
	}

	snap := s.sess.Snapshot()
	if snap.Transport == transport.TypeHTTP {
		return &SDReport{Info: snap.SD}, nil
	}

	timer := time.NewTimer(sdLogWindow)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	report := &SDReport{Info: snap.SD}
	if logStart <= len(s.deviceLog) {
		report.Lines = append(report.Lines, s.deviceLog[logStart:]...)
	}
	return report, nil
}

// Record triggers one recording and waits for it to finish.
func (s *RecorderService) Record(ctx context.Context) error {
	s.clearLastError()
	if err := s.sess.TriggerRecording(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Recording failed: %v", err))
		return err
	}
	return nil
}

// RefreshFiles replaces the catalog with the device's file list.
func (s *RecorderService) RefreshFiles(ctx context.Context) ([]session.FileCatalogEntry, error) {
	entries, err := s.sess.ListFiles(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to list files: %v", err))
		return nil, err
	}
	s.mu.Lock()
	s.catalog = append([]session.FileCatalogEntry(nil), entries...)
	s.mu.Unlock()
	return entries, nil
}

// Catalog returns the last known file list, newest additions first.
func (s *RecorderService) Catalog() []session.FileCatalogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.FileCatalogEntry(nil), s.catalog...)
}

// ErrNoRecordings is returned by LatestRecording when the device lists no
// recording files.
var ErrNoRecordings = errors.New("no recordings on device")

// LatestRecording refreshes the file list and returns the recording with the
// highest directory and recording number. Files whose names carry no counters
// are only considered when nothing else is listed; the last one wins.
func (s *RecorderService) LatestRecording(ctx context.Context) (*session.FileCatalogEntry, error) {
	entries, err := s.RefreshFiles(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoRecordings
	}

	best := -1
	bestDir, bestRec := -1, -1
	for i, e := range entries {
		dir, rec, _, ok := session.ParseRecordingPath(e.Path)
		if !ok {
			continue
		}
		if dir > bestDir || (dir == bestDir && rec > bestRec) {
			best, bestDir, bestRec = i, dir, rec
		}
	}
	if best < 0 {
		best = len(entries) - 1
	}
	entry := entries[best]
	return &entry, nil
}

// Download fetches a recording and writes it into the download directory. A
// transfer with a size mismatch is still saved and reported with the error.
func (s *RecorderService) Download(ctx context.Context, devicePath string) (*DownloadResult, error) {
	file, fetchErr := s.sess.FetchFile(ctx, devicePath)
	if file == nil {
		s.setLastError(fmt.Sprintf("Download of %s failed: %v", devicePath, fetchErr))
		return nil, fetchErr
	}

	dir := s.GetConfig().Download.Directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	localPath := filepath.Join(dir, localName(file.Name, devicePath))
	if err := os.WriteFile(localPath, file.Data, 0644); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", devicePath, err)
	}

	size := int64(len(file.Data))
	res := &DownloadResult{
		DevicePath:   devicePath,
		LocalPath:    localPath,
		Size:         size,
		SizeHuman:    formatBytes(size),
		SizeMismatch: errors.Is(fetchErr, transfer.ErrSizeMismatch),
	}
	slog.Info("Saved recording", "device_path", devicePath, "local_path", localPath, "size", res.SizeHuman)
	if fetchErr != nil {
		s.setLastError(fmt.Sprintf("Download of %s incomplete: %v", devicePath, fetchErr))
	}
	return res, fetchErr
}

func (s *RecorderService) StartStream(ctx context.Context) error {
	return s.sess.StartStreaming(ctx)
}

func (s *RecorderService) StopStream(ctx context.Context) error {
	return s.sess.StopStreaming(ctx)
}

func (s *RecorderService) Waveform() []int {
	return s.wave.Samples()
}

func (s *RecorderService) ClearWaveform() {
	s.wave.Clear()
}

// Subscription is one copy of the event stream.
type Subscription struct {
	ch      chan session.Event
	dropped atomic.Uint64
	cancel  func()
}

// Events is closed when the subscription or the service closes.
func (sub *Subscription) Events() <-chan session.Event { return sub.ch }

// Dropped counts the events this subscriber lost by falling behind.
func (sub *Subscription) Dropped() uint64 { return sub.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (sub *Subscription) Close() { sub.cancel() }

// Subscribe returns a copy of the event stream. A subscriber that falls more
// than buffer events behind loses events, which Dropped reports.
func (s *RecorderService) Subscribe(buffer int) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscription{ch: make(chan session.Event, max(buffer, 1)), cancel: func() {}}
	id := s.nextSub
	s.nextSub++
	if s.subs == nil {
		close(sub.ch)
		return sub
	}
	s.subs[id] = sub

	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub
}

// DeviceLog returns the most recent device log lines.
func (s *RecorderService) DeviceLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deviceLog...)
}

// GetConfig returns the current configuration
func (s *RecorderService) GetConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetDownloadDirectory switches where downloads are saved.
func (s *RecorderService) SetDownloadDirectory(dir string) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	next := *s.cfg
	next.Download.Directory = dir
	s.cfg = &next
	slog.Info("Download directory changed", "directory", dir)
}

// pump applies session events to the service state and fans them out.
func (s *RecorderService) pump() {
	defer close(s.pumpDone)
	for e := range s.sess.Events() {
		s.apply(e)
		s.broadcast(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
	s.subs = nil
}

func (s *RecorderService) apply(e session.Event) {
	switch e := e.(type) {
	case session.FileCatalogReplaced:
		s.mu.Lock()
		s.catalog = append([]session.FileCatalogEntry(nil), e.Entries...)
		s.mu.Unlock()

	case session.FileAdded:
		s.mu.Lock()
		if !containsPath(s.catalog, e.Entry.Path) {
			s.catalog = append([]session.FileCatalogEntry{e.Entry}, s.catalog...)
		}
		s.mu.Unlock()

	case session.LevelSampled:
		s.wave.Add(e.Value)

	case session.StatusChanged:
		s.mu.Lock()
		close(s.changed)
		s.changed = make(chan struct{})
		s.mu.Unlock()

	case session.DeviceLog:
		s.mu.Lock()
		s.deviceLog = append(s.deviceLog, e.Text)
		if n := len(s.deviceLog); n > deviceLogSize {
			s.deviceLog = append([]string(nil), s.deviceLog[n-deviceLogSize:]...)
		}
		s.mu.Unlock()

	case session.ConnectionChanged:
		if !e.Connected && e.Err != nil {
			s.setLastError(fmt.Sprintf("Connection lost: %v", e.Err))
		}
	}
}

func (s *RecorderService) broadcast(e session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			slog.Debug("Dropped event for slow subscriber", "subscriber", id, "type", e.Type(), "dropped", n)
		}
	}
}

// watchStatus returns a channel closed on the next StatusChanged.
func (s *RecorderService) watchStatus() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// awaitStatus waits until the session status satisfies ok. The status is
// checked right away and again after each StatusChanged, starting from the
// one wait belongs to.
func (s *RecorderService) awaitStatus(ctx context.Context, wait <-chan struct{}, ok func(session.Status) bool) (session.Status, error) {
	timeout := s.GetConfig().Timeouts.Default
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	first := true
	for {
		if !first {
			if st := s.sess.Snapshot().Status; ok(st) {
				return st, nil
			}
		}
		select {
		case <-wait:
			first = false
			wait = s.watchStatus()
		case <-timer.C:
			if st := s.sess.Snapshot().Status; ok(st) {
				return st, nil
			}
			return session.Status{}, fmt.Errorf("%w: no status after %s", session.ErrRequestTimeout, timeout)
		case <-ctx.Done():
			return session.Status{}, ctx.Err()
		}
		if s.sess.State() != session.StateConnected {
			return session.Status{}, session.ErrNotConnected
		}
	}
}

func containsPath(entries []session.FileCatalogEntry, p string) bool {
	for _, e := range entries {
		if e.Path == p {
			return true
		}
	}
	return false
}

// localName picks a safe file name for a download.
func localName(name, devicePath string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = path.Base(devicePath)
	}
	if base == "." || base == "/" || base == "" {
		base = "recording.wav"
	}
	return base
}

// GetLastError returns the last error message (thread-safe)
func (s *RecorderService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *RecorderService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *RecorderService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
