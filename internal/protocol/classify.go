package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rule is one entry of the ordered classification table. match returns false
// when the rule does not apply to the line.
type rule struct {
	name  string
	match func(line string, inFileList bool) (Frame, bool)
}

// rules is evaluated top to bottom and the first match wins. The order matters:
// a log line that mentions LEVEL: is a level sample, and a completion line
// contains both COMPLETE and RECORDING.
var rules = []rule{
	{"level", matchLevel},
	{"file-list-boundary", matchListBoundary},
	{"file-list-entry", matchListEntry},
	{"file-data-boundary", matchDataBoundary},
	{"threshold", matchThreshold},
	{"usb-power", matchUSBPower},
	{"lifecycle", matchLifecycle},
}

// Classify maps one text line to a frame. It never fails: lines that match no
// rule become RawLog, and unparsable numbers default to zero with the frame
// marked malformed.
func Classify(line string, inFileList bool) Frame {
	for _, r := range rules {
		if f, ok := r.match(line, inFileList); ok {
			return f
		}
	}
	return RawLog{Text: line}
}

// RuleFor returns the name of the rule that classifies line, or "raw-log".
func RuleFor(line string, inFileList bool) string {
	for _, r := range rules {
		if _, ok := r.match(line, inFileList); ok {
			return r.name
		}
	}
	return "raw-log"
}

func matchLevel(line string, _ bool) (Frame, bool) {
	idx := strings.Index(line, MarkerLevel)
	if idx < 0 {
		return nil, false
	}
	digits := leadingDigits(line[idx+len(MarkerLevel):])
	value, err := strconv.Atoi(digits)
	if err != nil {
		return LevelSample{note: malformed(fmt.Sprintf("level %q is not a number", digits))}, true
	}
	if value > MaxLevel {
		return LevelSample{Value: MaxLevel, note: malformed(fmt.Sprintf("level %d above %d", value, MaxLevel))}, true
	}
	return LevelSample{Value: value}, true
}

func matchListBoundary(line string, _ bool) (Frame, bool) {
	switch {
	case strings.Contains(line, MarkerFileListStart):
		return FileListBegin{}, true
	case strings.Contains(line, MarkerFileListEnd):
		return FileListEnd{}, true
	}
	return nil, false
}

// StrayEntry is the malformed note attached to a file-list entry line that
// arrived outside a FILE_LIST_START/FILE_LIST_END window.
const StrayEntry = "file entry outside list window"

func matchListEntry(line string, inFileList bool) (Frame, bool) {
	if !strings.HasPrefix(line, MarkerFileEntry) {
		return nil, false
	}
	if !inFileList {
		return RawLog{Text: line, note: malformed(StrayEntry)}, true
	}
	path, size, defect := splitNameSize(strings.TrimPrefix(line, MarkerFileEntry))
	return FileListEntry{Path: path, SizeBytes: size, note: defect}, true
}

func matchDataBoundary(line string, _ bool) (Frame, bool) {
	if strings.HasPrefix(line, MarkerFileDataStart) {
		name, size, defect := splitNameSize(strings.TrimPrefix(line, MarkerFileDataStart))
		return FileDataBegin{Filename: name, SizeBytes: size, note: defect}, true
	}
	if strings.Contains(line, MarkerFileDataEnd) {
		return FileDataEnd{}, true
	}
	return nil, false
}

var thresholdPattern = regexp.MustCompile(`(?i)^\s*(?:current\s+)?threshold:\s*(\S*)`)

func matchThreshold(line string, _ bool) (Frame, bool) {
	m := thresholdPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	value, err := strconv.Atoi(leadingDigits(m[1]))
	if err != nil {
		zero := 0
		return StatusUpdate{Threshold: &zero, note: malformed(fmt.Sprintf("threshold %q is not a number", m[1]))}, true
	}
	return StatusUpdate{Threshold: &value}, true
}

func matchUSBPower(line string, _ bool) (Frame, bool) {
	idx := strings.Index(line, MarkerUSBPower)
	if idx < 0 {
		return nil, false
	}
	value := strings.TrimSpace(line[idx+len(MarkerUSBPower):])
	connected := strings.EqualFold(value, USBPowerConnectedVal)
	return UsbPowerEvent{Connected: connected}, true
}

var completionPath = regexp.MustCompile(`=>\s*(.+\.wav)`)

func matchLifecycle(line string, _ bool) (Frame, bool) {
	switch {
	case strings.Contains(line, MarkerUSBDetected):
		return UsbPowerEvent{Connected: true}, true
	case strings.Contains(line, MarkerComplete):
		var path string
		if m := completionPath.FindStringSubmatch(line); m != nil {
			path = strings.TrimSpace(m[1])
		}
		return RecordingCompleted{Path: path}, true
	case strings.Contains(line, MarkerRecording):
		return RecordingStarted{}, true
	}
	return nil, false
}

// splitNameSize splits "<name>:<size>" on the last colon so names may contain
// colons themselves.
func splitNameSize(s string) (string, int64, note) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, 0, malformed("missing size field")
	}
	name := s[:idx]
	raw := strings.TrimSpace(s[idx+1:])
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return name, 0, malformed(fmt.Sprintf("size %q is not a number", raw))
	}
	return name, size, note{}
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}
