package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDocument_Status(t *testing.T) {
	body := []byte(`{"threshold":1500,"current_dir_number":3,"current_rec_number":7,"new_rec_flag":1,"usb_connected":true,"sd_total_mb":3780,"sd_used_mb":12.5,"sd_free_mb":3767.5}`)

	f := ClassifyDocument(DocStatus, body)
	su, ok := f.(StatusUpdate)
	require.True(t, ok)
	assert.Empty(t, su.Malformed())
	assert.Equal(t, 1500, *su.Threshold)
	assert.Equal(t, 3, *su.DirNumber)
	assert.Equal(t, 7, *su.RecNumber)
	assert.True(t, *su.NewRecordingFlag)
	assert.True(t, *su.USBConnected)
	assert.InDelta(t, 3767.5, *su.SDFreeMB, 0.001)
}

func TestClassifyDocument_StatusPartial(t *testing.T) {
	su := ClassifyDocument(DocStatus, []byte(`{"threshold":800,"new_rec_flag":false}`)).(StatusUpdate)
	assert.Equal(t, 800, *su.Threshold)
	assert.False(t, *su.NewRecordingFlag)
	assert.Nil(t, su.DirNumber)
	assert.Nil(t, su.USBConnected)
}

func TestClassifyDocument_SchemaViolation(t *testing.T) {
	f := ClassifyDocument(DocStatus, []byte(`{"threshold":9000}`))
	require.Equal(t, KindStatusUpdate, f.Kind())
	assert.Contains(t, f.Malformed(), "threshold")
	assert.Equal(t, 9000, *f.(StatusUpdate).Threshold)
}

func TestClassifyDocument_NotJSON(t *testing.T) {
	f := ClassifyDocument(DocLevel, []byte(`<html>`))
	raw, ok := f.(RawLog)
	require.True(t, ok)
	assert.Equal(t, "<html>", raw.Text)
	assert.NotEmpty(t, raw.Malformed())
}

func TestClassifyDocument_Level(t *testing.T) {
	f := ClassifyDocument(DocLevel, []byte(`{"level":2047}`))
	assert.Equal(t, LevelSample{Value: 2047}, f)

	missing := ClassifyDocument(DocLevel, []byte(`{}`)).(LevelSample)
	assert.Zero(t, missing.Value)
	assert.NotEmpty(t, missing.Malformed())
}

func TestClassifyDocument_Threshold(t *testing.T) {
	su := ClassifyDocument(DocThreshold, []byte(`{"threshold":1200}`)).(StatusUpdate)
	assert.Equal(t, 1200, *su.Threshold)
	assert.Empty(t, su.Malformed())
}

func TestDecodeFileList(t *testing.T) {
	entries, defect := DecodeFileList([]byte(`[{"path":"/dir1/rec1_nrf1.wav","size":100},{"path":"/dir1/rec2_nrf0.wav","size":200}]`))
	assert.Empty(t, defect)
	assert.Equal(t, []FileListEntry{
		{Path: "/dir1/rec1_nrf1.wav", SizeBytes: 100},
		{Path: "/dir1/rec2_nrf0.wav", SizeBytes: 200},
	}, entries)

	entries, defect = DecodeFileList([]byte(`[{"path":"","size":1},{"path":"/b.wav","size":-4}]`))
	assert.NotEmpty(t, defect)
	assert.Equal(t, []FileListEntry{{Path: "/b.wav", SizeBytes: 0}}, entries)

	_, defect = DecodeFileList([]byte(`nope`))
	assert.NotEmpty(t, defect)
}

func TestFlag(t *testing.T) {
	for body, want := range map[string]bool{`true`: true, `false`: false, `1`: true, `0`: false, `"1"`: true, `2`: true} {
		var f Flag
		require.NoError(t, f.UnmarshalJSON([]byte(body)), body)
		assert.Equal(t, want, bool(f), body)
	}
	var f Flag
	assert.Error(t, f.UnmarshalJSON([]byte(`"maybe"`)))
}
