// Package devicesim simulates the recorder firmware. It answers the HTTP API
// and the serial command set from one in-memory device model.
package devicesim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"sync"
	"time"

	"github.com/audiolibrelab/reclink/internal/protocol"
)

var (
	ErrNotFound         = errors.New("file not found")
	ErrInvalidThreshold = errors.New("invalid threshold")
	ErrBusy             = errors.New("already recording")
)

// File is a recording stored on the simulated SD card.
type File struct {
	Path string
	Data []byte
}

// Device is the simulated recorder state.
type Device struct {
	// RecordDuration is how long a triggered recording takes.
	RecordDuration time.Duration
	// SampleRate and Seconds shape the synthetic WAV data of new recordings.
	SampleRate int
	Seconds    float64

	mu         sync.Mutex
	threshold  int
	dirNumber  int
	recNumber  int
	newRecFlag bool
	usb        bool
	sdTotalMB  float64
	files      []File
	level      int
	wander     bool
	recording  bool
	rng        *rand.Rand
}

// New creates a device with an empty card.
func New() *Device {
	return &Device{
		RecordDuration: 2 * time.Second,
		SampleRate:     8000,
		Seconds:        0.25,
		threshold:      1000,
		dirNumber:      1,
		recNumber:      1,
		newRecFlag:     true,
		usb:            true,
		sdTotalMB:      3780,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddFile stores a file on the card.
func (d *Device) AddFile(p string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = append(d.files, File{Path: p, Data: append([]byte(nil), data...)})
}

// Files returns the stored files in card order.
func (d *Device) Files() []File {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]File(nil), d.files...)
}

// SetLevel fixes the level reported by the device.
func (d *Device) SetLevel(v int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = v
	d.wander = false
}

// Wander makes the level a random walk, for demos.
func (d *Device) Wander() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wander = true
}

// Level returns the next level reading.
func (d *Device) Level() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wander {
		d.level += d.rng.Intn(401) - 200
		d.level = min(max(d.level, 0), protocol.MaxLevel)
	}
	return d.level
}

func (d *Device) SetUSB(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usb = connected
}

func (d *Device) Threshold() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

func (d *Device) SetThreshold(v int) error {
	if v < 0 || v > protocol.MaxLevel {
		return fmt.Errorf("%w: %d", ErrInvalidThreshold, v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = v
	return nil
}

// Lookup finds a file by full path or by base name.
func (d *Device) Lookup(p string) (File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.files {
		if f.Path == p || path.Base(f.Path) == p {
			return f, nil
		}
	}
	return File{}, fmt.Errorf("%w: %s", ErrNotFound, p)
}

// Status is the device status in the shape of the HTTP status document.
type Status struct {
	Threshold        int     `json:"threshold"`
	CurrentDirNumber int     `json:"current_dir_number"`
	CurrentRecNumber int     `json:"current_rec_number"`
	NewRecFlag       int     `json:"new_rec_flag"`
	USBConnected     bool    `json:"usb_connected"`
	SDTotalMB        float64 `json:"sd_total_mb"`
	SDUsedMB         float64 `json:"sd_used_mb"`
	SDFreeMB         float64 `json:"sd_free_mb"`
}

func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	var used int
	for _, f := range d.files {
		used += len(f.Data)
	}
	usedMB := float64(used) / (1024 * 1024)
	flag := 0
	if d.newRecFlag {
		flag = 1
	}
	return Status{
		Threshold:        d.threshold,
		CurrentDirNumber: d.dirNumber,
		CurrentRecNumber: d.recNumber,
		NewRecFlag:       flag,
		USBConnected:     d.usb,
		SDTotalMB:        d.sdTotalMB,
		SDUsedMB:         usedMB,
		SDFreeMB:         d.sdTotalMB - usedMB,
	}
}

// Recording reports whether a recording is running.
func (d *Device) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

// Record runs one recording and stores the result. It fails with ErrBusy if
// a recording is already running.
func (d *Device) Record(ctx context.Context) (File, error) {
	d.mu.Lock()
	if d.recording {
		d.mu.Unlock()
		return File{}, ErrBusy
	}
	d.recording = true
	wait := d.RecordDuration
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.recording = false
		d.mu.Unlock()
	}()

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return File{}, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	flag := 0
	if d.newRecFlag {
		flag = 1
	}
	f := File{
		Path: fmt.Sprintf("/dir%d/rec%d_nrf%d.wav", d.dirNumber, d.recNumber, flag),
		Data: synthWAV(d.SampleRate, d.Seconds, d.recNumber),
	}
	d.files = append(d.files, f)
	d.recNumber++
	d.newRecFlag = false
	return f, nil
}

// synthWAV builds a mono 16-bit PCM WAV file of a tone.
func synthWAV(sampleRate int, seconds float64, seed int) []byte {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	samples := int(float64(sampleRate) * seconds)
	dataLen := samples * 2

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))

	period := 20 + seed%20
	for i := 0; i < samples; i++ {
		v := int16(8000)
		if (i/period)%2 == 1 {
			v = -8000
		}
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}
