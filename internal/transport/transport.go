// Package transport provides the byte and request channels a session talks to
// the recorder through.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/audiolibrelab/reclink/internal/config"
)

// Type represents the kind of link to the device
type Type string

const (
	TypeSerial Type = "serial"
	TypeHTTP   Type = "http"
)

var (
	// ErrUnavailable means the transport cannot be used on this machine, for
	// example because no serial port exists.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrClosed is returned by reads and writes after Close.
	ErrClosed = errors.New("transport closed")
)

// Transport is implemented by every link to the device.
type Transport interface {
	Type() Type
	// Describe returns a human readable endpoint, such as a port name or URL.
	Describe() string
}

// LineTransport is a byte stream carrying newline framed text.
type LineTransport interface {
	Transport
	Open(ctx context.Context) error
	// ReadChunk blocks until bytes arrive. It returns ErrClosed (or io.EOF)
	// once the transport is closed.
	ReadChunk() ([]byte, error)
	// WriteLine writes line followed by a newline.
	WriteLine(line string) error
	Close() error
}

// RequestTransport sends discrete requests and returns the response body.
// The deadline of ctx bounds each request.
type RequestTransport interface {
	Transport
	Request(ctx context.Context, method, path string, body []byte) ([]byte, error)
}

// New creates the transport selected by the device configuration.
func New(cfg *config.Config) (Transport, error) {
	switch determineTransport(cfg) {
	case TypeHTTP:
		return NewHTTP(cfg.HTTP.BaseURL, nil)
	default:
		return NewSerial(SerialOptionsFromConfig(cfg.Serial))
	}
}

// determineTransport resolves "auto": serial when a port is attached,
// otherwise the device's HTTP endpoint.
func determineTransport(cfg *config.Config) Type {
	switch strings.ToLower(cfg.Transport) {
	case config.TransportSerial:
		return TypeSerial
	case config.TransportHTTP:
		return TypeHTTP
	}

	if cfg.Serial.Port != "" && cfg.Serial.Port != "auto" {
		return TypeSerial
	}
	ports, err := listPorts()
	if err != nil {
		slog.Debug("Serial port enumeration failed", "error", err)
	}
	if len(ports) > 0 {
		return TypeSerial
	}
	return TypeHTTP
}

// GetAvailableTransports returns the transports usable on this system.
func GetAvailableTransports() []Type {
	transports := []Type{}

	if ports, err := listPorts(); err == nil && len(ports) > 0 {
		transports = append(transports, TypeSerial)
	}
	transports = append(transports, TypeHTTP)

	return transports
}

// StatusError is returned by RequestTransport for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
}
