package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/reclink/internal/config"
	"github.com/audiolibrelab/reclink/internal/devicesim"
	"github.com/audiolibrelab/reclink/internal/session"
	"github.com/audiolibrelab/reclink/internal/transport"
	"github.com/audiolibrelab/reclink/internal/transport/transporttest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Device = "test"
	cfg.Download.Directory = t.TempDir()
	cfg.Timeouts.Default = time.Second
	cfg.Timeouts.Record = time.Second
	cfg.Timeouts.Download = time.Second
	cfg.Polling.Status = time.Hour
	cfg.Polling.HTTPLevel = 5 * time.Millisecond
	cfg.Polling.SerialLevel = 5 * time.Millisecond
	return cfg
}

func newService(t *testing.T, cfg *config.Config, tr transport.Transport) *RecorderService {
	t.Helper()
	s := newRecorderService(cfg, tr)
	s.retryInterval = time.Millisecond
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func httpService(t *testing.T) (*devicesim.Device, *RecorderService) {
	t.Helper()
	dev := devicesim.New()
	dev.RecordDuration = 5 * time.Millisecond
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(srv.Close)

	tr, err := transport.NewHTTP(srv.URL, srv.Client())
	require.NoError(t, err)
	s := newService(t, testConfig(t), tr)
	require.NoError(t, s.Connect(context.Background()))
	return dev, s
}

func serialService(t *testing.T) (*devicesim.Device, *RecorderService) {
	t.Helper()
	dev := devicesim.New()
	dev.RecordDuration = 5 * time.Millisecond
	s := newService(t, testConfig(t), dev.Serial(devicesim.SerialOptions{ChunkSize: 16}))
	require.NoError(t, s.Connect(context.Background()))
	return dev, s
}

func TestHTTP_ThresholdRoundTrip(t *testing.T) {
	dev, s := httpService(t)
	ctx := context.Background()

	got, err := s.SetThreshold(ctx, 1500)
	require.NoError(t, err)
	assert.Equal(t, 1500, got)
	assert.Equal(t, 1500, dev.Threshold())

	require.NoError(t, dev.SetThreshold(42))
	got, err = s.GetThreshold(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestHTTP_RecordListAndDownload(t *testing.T) {
	_, s := httpService(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx))
	entries, err := s.RefreshFiles(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entries, s.Catalog())

	res, err := s.Download(ctx, entries[0].Path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.GetConfig().Download.Directory, entries[0].Name), res.LocalPath)
	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, entries[0].SizeBytes, int64(len(data)))
	assert.Equal(t, "RIFF", string(data[:4]))
}

func TestLatestRecording(t *testing.T) {
	dev, s := httpService(t)
	ctx := context.Background()

	_, err := s.LatestRecording(ctx)
	assert.ErrorIs(t, err, ErrNoRecordings)

	dev.AddFile("/notes.txt", []byte("x"))
	latest, err := s.LatestRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/notes.txt", latest.Path)

	dev.AddFile("/dir2/rec3_nrf0.wav", []byte("a"))
	dev.AddFile("/dir10/rec1_nrf1.wav", []byte("b"))
	dev.AddFile("/dir2/rec9_nrf0.wav", []byte("c"))
	latest, err = s.LatestRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/dir10/rec1_nrf1.wav", latest.Path)
	assert.Len(t, s.Catalog(), 4)
}

func TestHTTP_SDInfo(t *testing.T) {
	_, s := httpService(t)

	report, err := s.SDInfo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Info)
	assert.InDelta(t, 3780, report.Info.TotalMB, 0.001)
}

func TestSerial_ThresholdConfirmedByDevice(t *testing.T) {
	dev, s := serialService(t)

	got, err := s.SetThreshold(context.Background(), 2222)
	require.NoError(t, err)
	assert.Equal(t, 2222, got)
	assert.Equal(t, 2222, dev.Threshold())
}

func TestSerial_RecordPrependsCatalog(t *testing.T) {
	dev, s := serialService(t)
	dev.AddFile("/dir1/old.wav", []byte("x"))
	ctx := context.Background()

	_, err := s.RefreshFiles(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx))

	require.Eventually(t, func() bool { return len(s.Catalog()) == 2 }, time.Second, time.Millisecond)
	catalog := s.Catalog()
	assert.Equal(t, "/dir1/rec1_nrf1.wav", catalog[0].Path)
	assert.Equal(t, "/dir1/old.wav", catalog[1].Path)
}

func TestSerial_SDInfoCollectsLog(t *testing.T) {
	_, s := serialService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	report, err := s.SDInfo(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, report.Lines)
	assert.Contains(t, report.Lines[len(report.Lines)-1], "SD total")
}

func TestStreamFillsWaveform(t *testing.T) {
	dev, s := serialService(t)
	dev.SetLevel(1234)
	sub := s.Subscribe(64)
	defer sub.Close()

	require.NoError(t, s.StartStream(context.Background()))
	require.Eventually(t, func() bool { return len(s.Waveform()) >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, s.StopStream(context.Background()))
	assert.Equal(t, 1234, s.Waveform()[0])

	var sawLevel bool
	for !sawLevel {
		select {
		case e := <-sub.Events():
			sawLevel = e.Type() == session.EventLevelSampled
		case <-time.After(time.Second):
			t.Fatal("no level event delivered to subscriber")
		}
	}

	s.ClearWaveform()
	assert.Empty(t, s.Waveform())
}

func TestSubscribe_ClosedOnClose(t *testing.T) {
	_, s := serialService(t)
	sub := s.Subscribe(1)

	require.NoError(t, s.Close())
	for range sub.Events() {
	}
	sub.Close()

	late := s.Subscribe(1)
	_, ok := <-late.Events()
	assert.False(t, ok)
}

func TestSubscribe_CountsDroppedEvents(t *testing.T) {
	dev, s := serialService(t)
	dev.SetLevel(900)
	slow := s.Subscribe(1)
	defer slow.Close()
	fast := s.Subscribe(1024)
	defer fast.Close()

	require.NoError(t, s.StartStream(context.Background()))
	require.Eventually(t, func() bool { return len(s.Waveform()) >= 5 }, time.Second, time.Millisecond)
	require.NoError(t, s.StopStream(context.Background()))

	assert.Positive(t, slow.Dropped())
	assert.Len(t, slow.Events(), 1)
	assert.Zero(t, fast.Dropped())

	slow.Close()
	slow.Close()
	_, ok := <-slow.Events()
	assert.True(t, ok, "buffered event survives unsubscribe")
	_, ok = <-slow.Events()
	assert.False(t, ok)
}

// flakyLine fails Open a fixed number of times.
type flakyLine struct {
	*transporttest.Line

	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyLine) Open(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.Line.Open(ctx)
}

func (f *flakyLine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestConnect_Retries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Connect.Attempts = 3
	line := &flakyLine{Line: transporttest.NewLine(), failures: 2, err: errors.New("port busy")}
	s := newService(t, cfg, line)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 3, line.Calls())
	assert.Empty(t, s.GetLastError())
	assert.Equal(t, session.StateConnected, s.Snapshot().State)
}

func TestConnect_GivesUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Connect.Attempts = 2
	line := &flakyLine{Line: transporttest.NewLine(), failures: 5, err: errors.New("port busy")}
	s := newService(t, cfg, line)

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, session.ErrConnectFailed)
	assert.Equal(t, 2, line.Calls())
	assert.Contains(t, s.GetLastError(), "Failed to connect")
}

func TestConnect_UnavailableNotRetried(t *testing.T) {
	cfg := testConfig(t)
	cfg.Connect.Attempts = 5
	line := &flakyLine{Line: transporttest.NewLine(), failures: 5, err: transport.ErrUnavailable}
	s := newService(t, cfg, line)

	assert.ErrorIs(t, s.Connect(context.Background()), session.ErrTransportUnavailable)
	assert.Equal(t, 1, line.Calls())
}

func TestSetDownloadDirectory(t *testing.T) {
	cfg := testConfig(t)
	s := newService(t, cfg, transporttest.NewLine())
	dir := t.TempDir()

	s.SetDownloadDirectory(dir)
	assert.Equal(t, dir, s.GetConfig().Download.Directory)
	assert.NotEqual(t, dir, cfg.Download.Directory)
}

func TestLocalName(t *testing.T) {
	assert.Equal(t, "rec1.wav", localName("rec1.wav", "/dir1/rec1.wav"))
	assert.Equal(t, "rec1.wav", localName("../../rec1.wav", "/x"))
	assert.Equal(t, "rec2.wav", localName("", "/dir1/rec2.wav"))
	assert.Equal(t, "recording.wav", localName("", "/"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
