package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/audiolibrelab/reclink/internal/config"
)

const readBufferSize = 4096

// SerialOptions describes how to open the port.
type SerialOptions struct {
	Port     string // device path or "auto"
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// SerialOptionsFromConfig converts the configured serial settings.
func SerialOptionsFromConfig(c config.SerialConfig) SerialOptions {
	return SerialOptions{
		Port:     c.Port,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
	}
}

// Serial is a LineTransport over a local serial port.
type Serial struct {
	opts SerialOptions
	mode *serial.Mode

	mu       sync.Mutex
	port     serial.Port
	portName string
}

// NewSerial validates the options. The port is opened by Open.
func NewSerial(opts SerialOptions) (*Serial, error) {
	mode, err := serialMode(opts)
	if err != nil {
		return nil, err
	}
	return &Serial{opts: opts, mode: mode}, nil
}

func serialMode(opts SerialOptions) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch opts.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", opts.StopBits)
	}

	switch strings.ToLower(opts.Parity) {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", opts.Parity)
	}
	return mode, nil
}

func (s *Serial) Type() Type { return TypeSerial }

func (s *Serial) Describe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.portName != "" {
		return s.portName
	}
	return s.opts.Port
}

func (s *Serial) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := s.opts.Port
	if name == "" || name == "auto" {
		ports, err := listPorts()
		if err != nil {
			return fmt.Errorf("%w: listing serial ports: %v", ErrUnavailable, err)
		}
		if len(ports) == 0 {
			return fmt.Errorf("%w: no serial port found", ErrUnavailable)
		}
		name = ports[0]
	}

	slog.Debug("Opening serial port", "port", name, "baud", s.mode.BaudRate)
	port, err := serial.Open(name, s.mode)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && (perr.Code() == serial.PortNotFound || perr.Code() == serial.PermissionDenied) {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
		}
		return fmt.Errorf("failed to open %s: %w", name, err)
	}

	s.mu.Lock()
	s.port = port
	s.portName = name
	s.mu.Unlock()
	return nil
}

func (s *Serial) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrClosed
	}
	return s.port, nil
}

func (s *Serial) ReadChunk() ([]byte, error) {
	port, err := s.current()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, readBufferSize)
	n, err := port.Read(buf)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("serial read: %w", err)
	}
	if n == 0 {
		// No read timeout is set, so a zero read means the port went away.
		return nil, io.EOF
	}
	return buf[:n], nil
}

func (s *Serial) WriteLine(line string) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	if _, err := port.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	return port.Close()
}

// ListPorts returns the serial ports present on this machine, likely USB
// adapters first.
func ListPorts() ([]string, error) {
	return listPorts()
}

var listPorts = func() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sortPorts(ports)
	return ports, nil
}

// sortPorts moves likely USB adapters to the front, keeping the order
// within each group.
func sortPorts(ports []string) {
	sort.SliceStable(ports, func(i, j int) bool {
		return usbLike(ports[i]) && !usbLike(ports[j])
	})
}

func usbLike(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range []string{"ttyusb", "ttyacm", "usbserial", "usbmodem", "wchusb"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
