package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/audiolibrelab/reclink/internal/config"
)

func stubPorts(t *testing.T, ports []string, err error) {
	t.Helper()
	orig := listPorts
	listPorts = func() ([]string, error) { return ports, err }
	t.Cleanup(func() { listPorts = orig })
}

func TestDetermineTransport(t *testing.T) {
	tests := []struct {
		name      string
		transport string
		port      string
		ports     []string
		want      Type
	}{
		{"explicit serial", "serial", "auto", nil, TypeSerial},
		{"explicit http", "HTTP", "/dev/ttyUSB0", []string{"/dev/ttyUSB0"}, TypeHTTP},
		{"auto with fixed port", "auto", "/dev/ttyACM0", nil, TypeSerial},
		{"auto with detected port", "auto", "auto", []string{"/dev/ttyUSB0"}, TypeSerial},
		{"auto without ports", "auto", "auto", nil, TypeHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubPorts(t, tt.ports, nil)
			cfg := config.Default()
			cfg.Transport = tt.transport
			cfg.Serial.Port = tt.port
			assert.Equal(t, tt.want, determineTransport(cfg))
		})
	}
}

func TestGetAvailableTransports(t *testing.T) {
	stubPorts(t, nil, errors.New("enumeration failed"))
	assert.Equal(t, []Type{TypeHTTP}, GetAvailableTransports())

	stubPorts(t, []string{"/dev/ttyUSB0"}, nil)
	assert.Equal(t, []Type{TypeSerial, TypeHTTP}, GetAvailableTransports())
}

func TestNew_SelectsTransport(t *testing.T) {
	stubPorts(t, nil, nil)
	cfg := config.Default()
	cfg.HTTP.BaseURL = "http://10.0.0.7"

	tr, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, TypeHTTP, tr.Type())
	assert.Equal(t, "http://10.0.0.7", tr.Describe())

	cfg.Transport = config.TransportSerial
	cfg.Serial.Port = "/dev/ttyUSB3"
	tr, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, TypeSerial, tr.Type())
	assert.Equal(t, "/dev/ttyUSB3", tr.Describe())
}

func TestSerialMode(t *testing.T) {
	mode, err := serialMode(SerialOptions{})
	require.NoError(t, err)
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)

	mode, err = serialMode(SerialOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "Even"})
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 7, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	_, err = serialMode(SerialOptions{StopBits: 3})
	assert.Error(t, err)
	_, err = serialMode(SerialOptions{Parity: "sometimes"})
	assert.Error(t, err)
}

func TestSerial_AutoWithoutPorts(t *testing.T) {
	stubPorts(t, nil, nil)
	s, err := NewSerial(SerialOptions{Port: "auto"})
	require.NoError(t, err)

	err = s.Open(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSerial_ClosedPort(t *testing.T) {
	s, err := NewSerial(SerialOptions{Port: "/dev/ttyUSB9"})
	require.NoError(t, err)

	_, err = s.ReadChunk()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.WriteLine("STATUS"), ErrClosed)
	assert.NoError(t, s.Close())
	assert.Equal(t, "/dev/ttyUSB9", s.Describe())
}

func TestSortPorts(t *testing.T) {
	ports := []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyS1", "/dev/cu.usbmodem1101"}
	sortPorts(ports)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/cu.usbmodem1101", "/dev/ttyS0", "/dev/ttyS1"}, ports)
}

func TestNewHTTP_RejectsBadURL(t *testing.T) {
	_, err := NewHTTP("ftp://device", nil)
	assert.Error(t, err)
	_, err = NewHTTP("://", nil)
	assert.Error(t, err)
}

func TestHTTP_Request(t *testing.T) {
	var gotPath, gotQuery, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_ = json.NewEncoder(w).Encode(map[string]int{"threshold": 1200})
	}))
	defer srv.Close()

	h, err := NewHTTP(srv.URL+"/device/", srv.Client())
	require.NoError(t, err)

	body, err := h.Request(context.Background(), http.MethodPost, "/api/threshold?value=1200", []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"threshold":1200}`, string(body))
	assert.Equal(t, "/device/api/threshold", gotPath)
	assert.Equal(t, "value=1200", gotQuery)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "{}", gotBody)
}

func TestHTTP_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2*maxErrorBody), http.StatusNotFound)
	}))
	defer srv.Close()

	h, err := NewHTTP(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = h.Request(context.Background(), http.MethodGet, "/api/download?path=/missing.wav", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, "/api/download", statusErr.Path)
	assert.Len(t, statusErr.Body, maxErrorBody)
}

func TestHTTP_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h, err := NewHTTP(srv.URL, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Request(ctx, http.MethodGet, "/api/level", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatusError_Error(t *testing.T) {
	e := &StatusError{Method: "GET", Path: "/api/status", Code: 500}
	assert.Equal(t, "GET /api/status: HTTP 500", e.Error())
	e.Body = "boom"
	assert.Equal(t, "GET /api/status: HTTP 500: boom", e.Error())
}
