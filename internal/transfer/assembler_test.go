package transfer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembler_ConcatenatesChunksInOrder(t *testing.T) {
	payload := []byte("RIFF\x00\x01\x02\n\r\nWAVEfmt data")

	for split := 1; split <= len(payload); split++ {
		var a Assembler
		require.NoError(t, a.Begin("rec1_nrf1.wav", int64(len(payload))))
		for off := 0; off < len(payload); off += split {
			end := min(off+split, len(payload))
			require.NoError(t, a.Append(payload[off:end]))
		}
		f, err := a.End()
		require.NoError(t, err)
		assert.Equal(t, "rec1_nrf1.wav", f.Name)
		assert.Equal(t, payload, f.Data)
		assert.False(t, a.Active())
	}
}

func TestAssembler_OverlappingBeginRestarts(t *testing.T) {
	var a Assembler
	require.NoError(t, a.Begin("first.wav", 10))
	require.NoError(t, a.Append([]byte("abc")))

	err := a.Begin("second.wav", 3)
	assert.ErrorIs(t, err, ErrOverlappingTransfer)
	assert.True(t, a.Active())

	require.NoError(t, a.Append([]byte("xyz")))
	f, err := a.End()
	require.NoError(t, err)
	assert.Equal(t, "second.wav", f.Name)
	assert.Equal(t, []byte("xyz"), f.Data)
}

func TestAssembler_IdleOperations(t *testing.T) {
	var a Assembler
	assert.ErrorIs(t, a.Append([]byte("x")), ErrNoActiveTransfer)

	f, err := a.End()
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrNoActiveTransfer)
	assert.False(t, a.Abort())
}

func TestAssembler_SizeMismatchStillReturnsFile(t *testing.T) {
	var a Assembler
	require.NoError(t, a.Begin("short.wav", 10))
	require.NoError(t, a.Append([]byte("1234")))

	f, err := a.End()
	assert.ErrorIs(t, err, ErrSizeMismatch)
	require.NotNil(t, f)
	assert.Equal(t, []byte("1234"), f.Data)
	assert.EqualValues(t, 10, f.ExpectedSize)
}

func TestAssembler_UnknownSizeNeverMismatches(t *testing.T) {
	var a Assembler
	require.NoError(t, a.Begin("unknown.wav", 0))
	require.NoError(t, a.Append(bytes.Repeat([]byte{0xAA}, 5)))
	f, err := a.End()
	require.NoError(t, err)
	assert.Len(t, f.Data, 5)
}

func TestAssembler_AbortDropsData(t *testing.T) {
	var a Assembler
	require.NoError(t, a.Begin("x.wav", 4))
	require.NoError(t, a.Append([]byte("ab")))

	name, expected, received := a.Progress()
	assert.Equal(t, "x.wav", name)
	assert.EqualValues(t, 4, expected)
	assert.Equal(t, 2, received)

	assert.True(t, a.Abort())
	assert.False(t, a.Active())
	_, err := a.End()
	assert.ErrorIs(t, err, ErrNoActiveTransfer)
}
