package devicesim

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/audiolibrelab/reclink/internal/protocol"
	"github.com/audiolibrelab/reclink/internal/transport/transporttest"
)

// SerialOptions shapes the simulated serial output.
type SerialOptions struct {
	// ChunkSize splits every response into chunks of at most this many bytes.
	// Zero sends each response in one chunk.
	ChunkSize int
	// SilentRecording suppresses the completion line after START_RECORDING.
	SilentRecording bool
	// CRLF terminates lines with \r\n like the firmware's println.
	CRLF bool
}

// SerialPort is an in-memory serial link to the device.
type SerialPort struct {
	*transporttest.Line

	dev  *Device
	opts SerialOptions

	mu        sync.Mutex
	streaming bool
	cancel    context.CancelFunc
}

// Serial returns a LineTransport answering the serial command set.
func (d *Device) Serial(opts SerialOptions) *SerialPort {
	p := &SerialPort{Line: transporttest.NewLine(), dev: d, opts: opts}
	p.Line.OnWrite = p.handle
	return p
}

// Close stops any recording in progress and closes the line.
func (p *SerialPort) Close() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	return p.Line.Close()
}

// Streaming reports whether START_STREAM is in effect.
func (p *SerialPort) Streaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

func (p *SerialPort) eol() string {
	if p.opts.CRLF {
		return "\r\n"
	}
	return "\n"
}

// Println sends text lines from the device.
func (p *SerialPort) Println(lines ...string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString(p.eol())
	}
	p.write([]byte(b.String()))
}

func (p *SerialPort) write(data []byte) {
	if p.opts.ChunkSize <= 0 {
		p.Push(data)
		return
	}
	for len(data) > 0 {
		n := min(p.opts.ChunkSize, len(data))
		p.Push(data[:n])
		data = data[n:]
	}
}

func (p *SerialPort) handle(line string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), ":")

	switch cmd {
	case protocol.CmdStatus:
		st := p.dev.Status()
		power := "Battery"
		if st.USBConnected {
			power = protocol.USBPowerConnectedVal
		}
		p.Println(
			fmt.Sprintf("Threshold: %d", st.Threshold),
			fmt.Sprintf("USB Power: %s", power),
			fmt.Sprintf("Next recording: dir%d/rec%d", st.CurrentDirNumber, st.CurrentRecNumber),
		)

	case protocol.CmdGetThreshold:
		p.Println(fmt.Sprintf("Current threshold: %d", p.dev.Threshold()))

	case protocol.CmdSetThreshold:
		v, err := strconv.Atoi(arg)
		if err == nil {
			err = p.dev.SetThreshold(v)
		}
		if err != nil {
			p.Println("ERROR: invalid threshold " + arg)
			return
		}
		p.Println(fmt.Sprintf("Threshold: %d", v))

	case protocol.CmdGetSDInfo:
		st := p.dev.Status()
		p.Println(fmt.Sprintf("SD total: %.0f MB, used: %.2f MB, free: %.2f MB", st.SDTotalMB, st.SDUsedMB, st.SDFreeMB))

	case protocol.CmdListFiles:
		lines := []string{protocol.MarkerFileListStart}
		for _, f := range p.dev.Files() {
			lines = append(lines, fmt.Sprintf("%s%s:%d", protocol.MarkerFileEntry, f.Path, len(f.Data)))
		}
		lines = append(lines, protocol.MarkerFileListEnd)
		p.Println(lines...)

	case protocol.CmdGetFile:
		f, err := p.dev.Lookup(arg)
		if err != nil {
			p.Println("ERROR: " + err.Error())
			return
		}
		var out []byte
		out = append(out, fmt.Sprintf("%s%s:%d%s", protocol.MarkerFileDataStart, path.Base(f.Path), len(f.Data), p.eol())...)
		out = append(out, f.Data...)
		out = append(out, p.eol()+protocol.MarkerFileDataEnd+p.eol()...)
		p.write(out)

	case protocol.CmdStartStream:
		p.mu.Lock()
		p.streaming = true
		p.mu.Unlock()
		p.Println("Streaming started")

	case protocol.CmdStopStream:
		p.mu.Lock()
		p.streaming = false
		p.mu.Unlock()
		p.Println("Streaming stopped")

	case protocol.CmdGetLevel:
		p.Println(fmt.Sprintf("%s%d", protocol.MarkerLevel, p.dev.Level()))

	case protocol.CmdStartRecording:
		p.Println("RECORDING...")
		if p.opts.SilentRecording {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		p.mu.Lock()
		if p.cancel != nil {
			p.cancel()
		}
		p.cancel = cancel
		p.mu.Unlock()
		go func() {
			defer cancel()
			f, err := p.dev.Record(ctx)
			if err != nil {
				return
			}
			p.Println("RECORDING COMPLETE => " + f.Path)
		}()

	default:
		p.Println("Unknown command: " + line)
	}
}
