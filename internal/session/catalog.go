package session

import (
	"path"
	"regexp"
	"strconv"

	"github.com/audiolibrelab/reclink/internal/protocol"
)

// FileCatalogEntry is one recording stored on the device.
type FileCatalogEntry struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	// IsNewRecordingSegment is nil when the name carries no _nrf flag.
	IsNewRecordingSegment *bool `json:"is_new_recording_segment,omitempty"`
}

var (
	nrfPattern      = regexp.MustCompile(`_nrf(\d)`)
	countersPattern = regexp.MustCompile(`dir(\d+)/rec(\d+)_nrf(\d)`)
)

// NewCatalogEntry builds an entry from a device path.
func NewCatalogEntry(p string, size int64) FileCatalogEntry {
	e := FileCatalogEntry{Name: path.Base(p), Path: p, SizeBytes: size}
	if m := nrfPattern.FindStringSubmatch(e.Name); m != nil {
		flag := m[1] != "0"
		e.IsNewRecordingSegment = &flag
	}
	return e
}

func catalogFromEntries(entries []protocol.FileListEntry) []FileCatalogEntry {
	out := make([]FileCatalogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewCatalogEntry(e.Path, e.SizeBytes))
	}
	return out
}

// ParseRecordingPath extracts the directory and recording numbers and the new
// recording flag from a path such as /dir3/rec12_nrf1.wav.
func ParseRecordingPath(p string) (dir, rec int, nrf bool, ok bool) {
	m := countersPattern.FindStringSubmatch(p)
	if m == nil {
		return 0, 0, false, false
	}
	dir, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false, false
	}
	rec, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false, false
	}
	return dir, rec, m[3] != "0", true
}
