package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		inList bool
		want   Frame
	}{
		{"level", "LEVEL:2047", false, LevelSample{Value: 2047}},
		{"level inside commentary", "debug: LEVEL:12 sampled", false, LevelSample{Value: 12}},
		{"list start", "FILE_LIST_START", false, FileListBegin{}},
		{"list end", "FILE_LIST_END", true, FileListEnd{}},
		{"list entry", "FILE:/a.wav:100", true, FileListEntry{Path: "/a.wav", SizeBytes: 100}},
		{"list entry with colon in path", "FILE:/x:y.wav:7", true, FileListEntry{Path: "/x:y.wav", SizeBytes: 7}},
		{"data start", "FILE_DATA_START:rec1.wav:4096", false, FileDataBegin{Filename: "rec1.wav", SizeBytes: 4096}},
		{"data end", "...FILE_DATA_END", false, FileDataEnd{}},
		{"usb detected", "5V over USB detected!", false, UsbPowerEvent{Connected: true}},
		{"usb power off", "USB Power: Battery", false, UsbPowerEvent{Connected: false}},
		{"usb power on", "USB Power: Connected", false, UsbPowerEvent{Connected: true}},
		{"recording", "RECORDING...", false, RecordingStarted{}},
		{"complete", "RECORDING COMPLETE => /dir3/rec5_nrf1.wav", false, RecordingCompleted{Path: "/dir3/rec5_nrf1.wav"}},
		{"complete without path", "COMPLETE", false, RecordingCompleted{}},
		{"raw", "SD card mounted", false, RawLog{Text: "SD card mounted"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.line, tt.inList)
			assert.Equal(t, tt.want, got)
			assert.Empty(t, got.Malformed())
		})
	}
}

func TestClassify_Threshold(t *testing.T) {
	for _, line := range []string{"Threshold: 1500", "Current threshold: 1500", "threshold:1500"} {
		f := Classify(line, false)
		su, ok := f.(StatusUpdate)
		require.True(t, ok, line)
		require.NotNil(t, su.Threshold)
		assert.Equal(t, 1500, *su.Threshold)
		assert.Nil(t, su.DirNumber)
	}
}

func TestClassify_MalformedNumbersDefaultToZero(t *testing.T) {
	level := Classify("LEVEL:abc", false)
	assert.Equal(t, KindLevelSample, level.Kind())
	assert.Equal(t, 0, level.(LevelSample).Value)
	assert.NotEmpty(t, level.Malformed())

	entry := Classify("FILE:/a.wav:big", true)
	require.Equal(t, KindFileListEntry, entry.Kind())
	assert.Equal(t, "/a.wav", entry.(FileListEntry).Path)
	assert.Zero(t, entry.(FileListEntry).SizeBytes)
	assert.NotEmpty(t, entry.Malformed())

	begin := Classify("FILE_DATA_START:rec1.wav", false)
	require.Equal(t, KindFileDataBegin, begin.Kind())
	assert.Equal(t, "rec1.wav", begin.(FileDataBegin).Filename)
	assert.Zero(t, begin.(FileDataBegin).SizeBytes)
	assert.NotEmpty(t, begin.Malformed())

	thr := Classify("Threshold: n/a", false).(StatusUpdate)
	require.NotNil(t, thr.Threshold)
	assert.Zero(t, *thr.Threshold)
	assert.NotEmpty(t, thr.Malformed())
}

func TestClassify_LevelIsClamped(t *testing.T) {
	f := Classify("LEVEL:9999", false).(LevelSample)
	assert.Equal(t, MaxLevel, f.Value)
	assert.NotEmpty(t, f.Malformed())
}

func TestClassify_StrayListEntry(t *testing.T) {
	f := Classify("FILE:/a.wav:100", false)
	raw, ok := f.(RawLog)
	require.True(t, ok)
	assert.Equal(t, "FILE:/a.wav:100", raw.Text)
	assert.Equal(t, StrayEntry, raw.Malformed())
}

func TestClassify_RuleOrder(t *testing.T) {
	assert.Equal(t, "level", RuleFor("RECORDING LEVEL:300", false))
	assert.Equal(t, "file-list-boundary", RuleFor("FILE_LIST_START", true))
	assert.Equal(t, "file-list-entry", RuleFor("FILE:/RECORDING.wav:3", true))
	assert.Equal(t, "lifecycle", RuleFor("RECORDING COMPLETE => /dir1/rec1_nrf1.wav", false))
	assert.Equal(t, "raw-log", RuleFor("hello", false))
}
