package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/reclink/internal/config"
	"github.com/audiolibrelab/reclink/internal/devicesim"
	"github.com/audiolibrelab/reclink/internal/service"
	"github.com/audiolibrelab/reclink/internal/session"
	"github.com/audiolibrelab/reclink/internal/transport"
)

type fixture struct {
	dev *devicesim.Device
	svc service.Service
	srv *Server
	api *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := devicesim.New()
	dev.RecordDuration = 5 * time.Millisecond
	dev.AddFile("/dir1/rec1_nrf1.wav", []byte("RIFF-data"))
	devSrv := httptest.NewServer(dev.Handler())
	t.Cleanup(devSrv.Close)

	cfg := config.Default()
	cfg.Device = "test"
	cfg.Download.Directory = t.TempDir()
	cfg.Timeouts.Default = time.Second
	cfg.Polling.Status = time.Hour
	cfg.Polling.HTTPLevel = 5 * time.Millisecond

	tr, err := transport.NewHTTP(devSrv.URL, devSrv.Client())
	require.NoError(t, err)
	svc := service.New(cfg, tr)

	srv := New(svc, "", ":0")
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		api.Close()
		_ = svc.Close()
	})
	return &fixture{dev: dev, svc: svc, srv: srv, api: api}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.api.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.api.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "disconnected", status.Session.StateName)
	assert.Equal(t, "test", status.Device)

	f.connect(t)
	_, body = f.do(t, http.MethodGet, "/api/status", nil)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "connected", status.Session.StateName)
	assert.Equal(t, transport.TypeHTTP, status.Session.Transport)
	require.NotNil(t, status.Session.Status.Threshold)
	assert.Equal(t, 1000, *status.Session.Status.Threshold)
}

func TestNotConnectedIsConflict(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/record", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "not connected")
}

func TestThreshold(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	resp, body := f.do(t, http.MethodPost, "/api/threshold", map[string]int{"value": 1500})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"threshold":1500}`, string(body))
	assert.Equal(t, 1500, f.dev.Threshold())

	resp, _ = f.do(t, http.MethodPost, "/api/threshold?value=5000", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/threshold", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/threshold", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"threshold":1500}`, string(body))
}

func TestFilesAndDownload(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	resp, body := f.do(t, http.MethodPost, "/api/files/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var files FilesResponse
	require.NoError(t, json.Unmarshal(body, &files))
	require.Equal(t, 1, files.Count)
	assert.Equal(t, "rec1_nrf1.wav", files.Files[0].Name)
	assert.Equal(t, "9 B", files.Files[0].SizeHuman)

	_, body = f.do(t, http.MethodGet, "/api/files", nil)
	require.NoError(t, json.Unmarshal(body, &files))
	assert.Equal(t, 1, files.Count)

	resp, body = f.do(t, http.MethodPost, "/api/files/download", DownloadRequest{Path: "/dir1/rec1_nrf1.wav"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res service.DownloadResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, int64(9), res.Size)

	resp, body = f.do(t, http.MethodGet, "/api/files/local/rec1_nrf1.wav", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RIFF-data", string(body))

	resp, body = f.do(t, http.MethodGet, "/api/files/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var latest FileInfo
	require.NoError(t, json.Unmarshal(body, &latest))
	assert.Equal(t, "/dir1/rec1_nrf1.wav", latest.Path)

	resp, _ = f.do(t, http.MethodGet, "/api/files/local/missing.wav", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/files/download", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecord(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	resp, body := f.do(t, http.MethodPost, "/api/record", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Len(t, f.dev.Files(), 2)
}

func TestStreamAndWaveform(t *testing.T) {
	f := newFixture(t)
	f.dev.SetLevel(640)
	f.connect(t)

	resp, _ := f.do(t, http.MethodPost, "/api/stream/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wave WaveformResponse
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/waveform", nil)
		return json.Unmarshal(body, &wave) == nil && len(wave.Samples) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 640, wave.Samples[0])
	assert.Equal(t, 4096, wave.FullScale)

	resp, _ = f.do(t, http.MethodPost, "/api/stream/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.do(t, http.MethodDelete, "/api/waveform", nil)
	_, body := f.do(t, http.MethodGet, "/api/waveform", nil)
	assert.JSONEq(t, `{"samples":[],"full_scale":4096}`, string(body))
}

func TestWebSocketEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.api.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Envelope
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, helloEventType, hello.Type)
	require.NotEmpty(t, hello.Session)

	f.connect(t)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		assert.Equal(t, hello.Session, env.Session)
		if env.Type == string(session.EventConnectionChanged) {
			data, ok := env.Data.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, true, data["connected"])
			break
		}
	}
}

func TestEnvelopeCarriesDropCount(t *testing.T) {
	env := newEnvelope("s1", session.LevelSampled{Value: 12}, 3)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(3), decoded["dropped"])
	assert.Equal(t, string(session.EventLevelSampled), decoded["type"])

	raw, err = json.Marshal(newEnvelope("s1", session.LevelSampled{Value: 12}, 0))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"dropped"`)

	lost := newEnvelope("s1", session.ConnectionChanged{Connected: false, Err: session.ErrConnectionLost}, 0)
	assert.Equal(t, session.ErrConnectionLost.Error(), lost.Error)
}

func TestStatusCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrInvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", session.ErrBusy), http.StatusConflict},
		{session.ErrRequestTimeout, http.StatusGatewayTimeout},
		{session.ErrTransportUnavailable, http.StatusServiceUnavailable},
		{session.ErrConnectionLost, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCodeFor(tt.err), tt.err.Error())
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", formatBytes(0))
	assert.Equal(t, "1.0 KB", formatBytes(1024))
	assert.Equal(t, "1.0 GB", formatBytes(1<<30))
}
