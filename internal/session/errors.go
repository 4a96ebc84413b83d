package session

import "errors"

var (
	// ErrTransportUnavailable means the link cannot exist on this machine,
	// for example no serial port. Connect does not retry it.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrConnectFailed means the device could not be reached. The session
	// stays disconnected.
	ErrConnectFailed = errors.New("connect failed")
	// ErrRequestTimeout is returned when a command got no answer in time.
	ErrRequestTimeout = errors.New("request timed out")
	ErrNotConnected   = errors.New("not connected")
	// ErrBusy rejects a serial command whose previous answer is still pending.
	ErrBusy              = errors.New("command already in progress")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrClosed            = errors.New("session closed")
)
