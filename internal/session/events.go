package session

import (
	"github.com/audiolibrelab/reclink/internal/transfer"
)

// EventType names an event in the session's event stream.
type EventType string

const (
	EventConnectionChanged     EventType = "connection_changed"
	EventStatusChanged         EventType = "status_changed"
	EventSDInfoChanged         EventType = "sd_info_changed"
	EventLevelSampled          EventType = "level_sampled"
	EventFileCatalogReplaced   EventType = "file_catalog_replaced"
	EventFileAdded             EventType = "file_added"
	EventFileTransferCompleted EventType = "file_transfer_completed"
	EventRecordingStateChanged EventType = "recording_state_changed"
	EventUsbPowerChanged       EventType = "usb_power_changed"
	EventAnomaly               EventType = "anomaly"
	EventDeviceLog             EventType = "device_log"
)

// Event is one entry of the stream returned by Session.Events.
type Event interface {
	Type() EventType
}

// ConnectionChanged reports a transition into or out of Connected. Err is set
// when the connection was lost rather than closed by the caller.
type ConnectionChanged struct {
	Connected bool  `json:"connected"`
	Err       error `json:"-"`
}

func (ConnectionChanged) Type() EventType { return EventConnectionChanged }

// Status is the last known device status. Nil fields have not been reported
// yet.
type Status struct {
	Threshold        *int  `json:"threshold,omitempty"`
	DirNumber        *int  `json:"dir_number,omitempty"`
	RecNumber        *int  `json:"rec_number,omitempty"`
	NewRecordingFlag *bool `json:"new_recording_flag,omitempty"`
	USBConnected     *bool `json:"usb_connected,omitempty"`
}

// StatusChanged carries the merged status after an update.
type StatusChanged struct {
	Status
}

func (StatusChanged) Type() EventType { return EventStatusChanged }

// SDInfo is the storage usage reported by the device, in megabytes.
type SDInfo struct {
	TotalMB float64 `json:"total_mb"`
	UsedMB  float64 `json:"used_mb"`
	FreeMB  float64 `json:"free_mb"`
}

type SDInfoChanged struct {
	SDInfo
}

func (SDInfoChanged) Type() EventType { return EventSDInfoChanged }

type LevelSampled struct {
	Value int `json:"value"`
}

func (LevelSampled) Type() EventType { return EventLevelSampled }

// FileCatalogReplaced carries a complete catalog. It replaces any previous
// catalog; entries are in the order the device listed them.
type FileCatalogReplaced struct {
	Entries []FileCatalogEntry `json:"entries"`
}

func (FileCatalogReplaced) Type() EventType { return EventFileCatalogReplaced }

// FileAdded is emitted when the device reports a finished recording.
type FileAdded struct {
	Entry FileCatalogEntry `json:"entry"`
}

func (FileAdded) Type() EventType { return EventFileAdded }

type FileTransferCompleted struct {
	Filename     string `json:"filename"`
	Data         []byte `json:"-"`
	Size         int    `json:"size"`
	ExpectedSize int64  `json:"expected_size"`
	SizeMismatch bool   `json:"size_mismatch,omitempty"`
}

func (FileTransferCompleted) Type() EventType { return EventFileTransferCompleted }

func transferCompleted(f *transfer.File, mismatch bool) FileTransferCompleted {
	return FileTransferCompleted{
		Filename:     f.Name,
		Data:         f.Data,
		Size:         len(f.Data),
		ExpectedSize: f.ExpectedSize,
		SizeMismatch: mismatch,
	}
}

type RecordingStateChanged struct {
	Recording bool   `json:"recording"`
	Path      string `json:"path,omitempty"`
}

func (RecordingStateChanged) Type() EventType { return EventRecordingStateChanged }

type UsbPowerChanged struct {
	Connected bool `json:"connected"`
}

func (UsbPowerChanged) Type() EventType { return EventUsbPowerChanged }

// AnomalyKind classifies a non-fatal protocol problem.
type AnomalyKind string

const (
	// MalformedFrame is a frame decoded with defaulted fields.
	MalformedFrame AnomalyKind = "malformed_frame"
	// ProtocolAnomaly is a frame that arrived in the wrong state, such as an
	// overlapping transfer or a list entry outside the list window.
	ProtocolAnomaly AnomalyKind = "protocol_anomaly"
)

type Anomaly struct {
	Kind   AnomalyKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (Anomaly) Type() EventType { return EventAnomaly }

// DeviceLog is free text printed by the device.
type DeviceLog struct {
	Text string `json:"text"`
}

func (DeviceLog) Type() EventType { return EventDeviceLog }
