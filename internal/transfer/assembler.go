// Package transfer reassembles a file sent by the device as a run of data
// chunks between a begin and an end frame.
package transfer

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrOverlappingTransfer is returned by Begin when a transfer was already
	// in progress. The partial transfer is discarded.
	ErrOverlappingTransfer = errors.New("transfer already in progress")
	// ErrNoActiveTransfer is returned by Append and End while idle.
	ErrNoActiveTransfer = errors.New("no active transfer")
	// ErrSizeMismatch is returned by End, together with the completed file,
	// when the received byte count differs from the declared size.
	ErrSizeMismatch = errors.New("transfer size mismatch")
)

// File is a completed transfer.
type File struct {
	Name         string
	ExpectedSize int64
	Data         []byte
}

// Assembler accumulates chunks for at most one transfer at a time. It is not
// safe for concurrent use; the session serializes access.
type Assembler struct {
	active   bool
	name     string
	expected int64
	buf      bytes.Buffer
}

// Begin starts a transfer of name with the declared size. A negative size is
// treated as unknown (0).
func (a *Assembler) Begin(name string, size int64) error {
	var err error
	if a.active {
		err = fmt.Errorf("%w: discarded %q after %d bytes", ErrOverlappingTransfer, a.name, a.buf.Len())
	}
	a.active = true
	a.name = name
	a.expected = max(size, 0)
	a.buf.Reset()
	return err
}

// Append adds a chunk in arrival order.
func (a *Assembler) Append(p []byte) error {
	if !a.active {
		return ErrNoActiveTransfer
	}
	a.buf.Write(p)
	return nil
}

// End completes the transfer and returns to idle. When the declared size was
// known and differs from what arrived, the file is still returned alongside
// ErrSizeMismatch.
func (a *Assembler) End() (*File, error) {
	if !a.active {
		return nil, ErrNoActiveTransfer
	}
	data := make([]byte, a.buf.Len())
	copy(data, a.buf.Bytes())
	f := &File{Name: a.name, ExpectedSize: a.expected, Data: data}
	a.reset()

	if f.ExpectedSize > 0 && int64(len(f.Data)) != f.ExpectedSize {
		return f, fmt.Errorf("%w: %s declared %d bytes, received %d", ErrSizeMismatch, f.Name, f.ExpectedSize, len(f.Data))
	}
	return f, nil
}

// Abort drops any transfer in progress. It reports whether one was active.
func (a *Assembler) Abort() bool {
	was := a.active
	a.reset()
	return was
}

// Active reports whether a transfer is in progress.
func (a *Assembler) Active() bool {
	return a.active
}

// Progress returns the name, declared size and bytes received so far of the
// transfer in progress.
func (a *Assembler) Progress() (name string, expected int64, received int) {
	return a.name, a.expected, a.buf.Len()
}

func (a *Assembler) reset() {
	a.active = false
	a.name = ""
	a.expected = 0
	a.buf.Reset()
}
