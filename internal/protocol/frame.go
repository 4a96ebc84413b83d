// Package protocol decodes the recorder's wire format: newline framed text on
// the serial link and JSON documents on the HTTP API.
package protocol

// Kind identifies a frame variant.
type Kind int

const (
	KindRawLog Kind = iota
	KindStatusUpdate
	KindLevelSample
	KindFileListBegin
	KindFileListEntry
	KindFileListEnd
	KindFileDataBegin
	KindFileDataChunk
	KindFileDataEnd
	KindRecordingStarted
	KindRecordingCompleted
	KindUsbPower
)

func (k Kind) String() string {
	switch k {
	case KindRawLog:
		return "RAW_LOG"
	case KindStatusUpdate:
		return "STATUS_UPDATE"
	case KindLevelSample:
		return "LEVEL_SAMPLE"
	case KindFileListBegin:
		return "FILE_LIST_BEGIN"
	case KindFileListEntry:
		return "FILE_LIST_ENTRY"
	case KindFileListEnd:
		return "FILE_LIST_END"
	case KindFileDataBegin:
		return "FILE_DATA_BEGIN"
	case KindFileDataChunk:
		return "FILE_DATA_CHUNK"
	case KindFileDataEnd:
		return "FILE_DATA_END"
	case KindRecordingStarted:
		return "RECORDING_STARTED"
	case KindRecordingCompleted:
		return "RECORDING_COMPLETED"
	case KindUsbPower:
		return "USB_POWER"
	default:
		return "UNKNOWN"
	}
}

// Frame is one classified unit decoded from the device stream.
type Frame interface {
	Kind() Kind
	// Malformed describes which fields were defaulted while decoding, or ""
	// when the frame decoded cleanly.
	Malformed() string
}

// note carries the malformed description shared by all frame types.
type note struct {
	defect string
}

func (n note) Malformed() string { return n.defect }

// StatusUpdate carries whatever status fields the device reported. Nil fields
// were absent from the source line or document.
type StatusUpdate struct {
	note
	Threshold        *int
	DirNumber        *int
	RecNumber        *int
	NewRecordingFlag *bool
	USBConnected     *bool
	SDTotalMB        *float64
	SDUsedMB         *float64
	SDFreeMB         *float64
}

func (StatusUpdate) Kind() Kind { return KindStatusUpdate }

// LevelSample is one audio level reading in the range 0..4095.
type LevelSample struct {
	note
	Value int
}

func (LevelSample) Kind() Kind { return KindLevelSample }

type FileListBegin struct{ note }

func (FileListBegin) Kind() Kind { return KindFileListBegin }

type FileListEntry struct {
	note
	Path      string
	SizeBytes int64
}

func (FileListEntry) Kind() Kind { return KindFileListEntry }

type FileListEnd struct{ note }

func (FileListEnd) Kind() Kind { return KindFileListEnd }

type FileDataBegin struct {
	note
	Filename  string
	SizeBytes int64
}

func (FileDataBegin) Kind() Kind { return KindFileDataBegin }

type FileDataChunk struct {
	note
	Bytes []byte
}

func (FileDataChunk) Kind() Kind { return KindFileDataChunk }

type FileDataEnd struct{ note }

func (FileDataEnd) Kind() Kind { return KindFileDataEnd }

type RecordingStarted struct{ note }

func (RecordingStarted) Kind() Kind { return KindRecordingStarted }

// RecordingCompleted is sent when the device closes a recording. Path is empty
// when the completion line did not name the file.
type RecordingCompleted struct {
	note
	Path string
}

func (RecordingCompleted) Kind() Kind { return KindRecordingCompleted }

type UsbPowerEvent struct {
	note
	Connected bool
}

func (UsbPowerEvent) Kind() Kind { return KindUsbPower }

// RawLog is free text from the device that matched no other rule.
type RawLog struct {
	note
	Text string
}

func (RawLog) Kind() Kind { return KindRawLog }

// Chunk wraps raw transfer bytes from the lexer as a frame.
func Chunk(b []byte) FileDataChunk {
	return FileDataChunk{Bytes: b}
}

func malformed(format string) note {
	return note{defect: format}
}
