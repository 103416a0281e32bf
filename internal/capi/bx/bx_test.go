package bx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/capitrack/internal/wire"
)

func putPose(b *wire.Builder, vals ...float32) {
	for _, v := range vals {
		b.PutFloat32(v)
	}
}

func TestDecodeTransformValid(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 1)    // handle count
	b.PutUint(0x0A, 1) // handle id
	b.PutUint(uint32(HandleValid), 1)
	putPose(&b, 1, 0, 0, 0, 12.5, -3, 140, 0.25)
	b.PutUint(0x00000100, 4) // port status
	b.PutUint(4321, 4)       // frame number
	b.PutUint(0x0000, 2)     // system status

	f, err := Decode(b.Bytes(), OptTransform)
	require.NoError(t, err)
	require.Len(t, f.Handles, 1)

	h := f.Handles[0]
	assert.Equal(t, uint8(0x0A), h.ID)
	assert.Equal(t, HandleValid, h.Status)
	assert.False(t, h.Pose.Missing)
	assert.InDelta(t, 12.5, h.Pose.Tx, 1e-6)
	assert.InDelta(t, 0.25, h.Pose.Err, 1e-6)
	assert.Equal(t, uint32(0x0100), h.PortStatus)
	assert.Equal(t, uint32(4321), h.FrameNumber)
	assert.Equal(t, uint16(0), f.SystemStatus)
}

// A missing handle carries no pose bytes but still reports port status and
// frame number.
func TestDecodeTransformMissing(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 1)
	b.PutUint(0x0B, 1)
	b.PutUint(uint32(HandleMissing), 1)
	b.PutUint(0x00010000, 4) // port status
	b.PutUint(99, 4)         // frame number
	b.PutUint(0x0001, 2)     // system status

	f, err := Decode(b.Bytes(), OptTransform)
	require.NoError(t, err)
	require.Len(t, f.Handles, 1)

	h := f.Handles[0]
	assert.Equal(t, HandleMissing, h.Status)
	assert.True(t, h.Pose.Missing)
	assert.Equal(t, uint32(0x00010000), h.PortStatus)
	assert.Equal(t, uint32(99), h.FrameNumber)
	assert.Equal(t, uint16(1), f.SystemStatus)
}

// A disabled handle carries nothing after its status byte even when every
// option was requested.
func TestDecodeDisabledShortCircuits(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(2, 1)
	b.PutUint(0x0C, 1)
	b.PutUint(uint32(HandleDisabled), 1)
	b.PutUint(0x0D, 1)
	b.PutUint(uint32(HandleValid), 1)
	putPose(&b, 1, 0, 0, 0, 1, 2, 3, 0)
	b.PutUint(0, 4)
	b.PutUint(7, 4)
	b.PutUint(0, 2)

	opts := OptTransform | OptToolInfo | OptSingleStray | OptToolMarkers
	f, err := Decode(b.Bytes(), opts)
	require.Error(t, err, "second handle lacks the tool info sections")

	f, err = Decode(b.Bytes(), OptTransform)
	require.NoError(t, err)
	require.Len(t, f.Handles, 2)
	assert.Equal(t, HandleDisabled, f.Handles[0].Status)
	assert.Zero(t, f.Handles[0].FrameNumber)
	assert.Equal(t, uint32(7), f.Handles[1].FrameNumber)
}

func TestDecodeToolInfoNibbles(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 1)
	b.PutUint(1, 1)
	b.PutUint(uint32(HandleValid), 1)
	b.PutUint(0x31, 1) // marker condition byte
	// packed 4-bit codes, low nibble first: 0x21 -> codes 1, 2
	b.PutBytes([]byte{0x21, 0x43, 0, 0, 0, 0, 0, 0, 0, 0xF0})
	b.PutUint(0, 2)

	f, err := Decode(b.Bytes(), OptToolInfo)
	require.NoError(t, err)

	info := f.Handles[0].ToolInfo
	require.Len(t, info, 21)
	assert.Equal(t, uint8(0x31), info[0])
	assert.Equal(t, []uint8{1, 2, 3, 4}, info[1:5])
	assert.Equal(t, []uint8{0, 0xF}, info[19:21])
}

func TestDecodeSingleStray(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 1)
	b.PutUint(1, 1)
	b.PutUint(uint32(HandleValid), 1)
	b.PutUint(uint32(HandleValid), 1) // stray status: valid
	b.PutFloat32(5)
	b.PutFloat32(6)
	b.PutFloat32(7)
	b.PutUint(0, 2)

	f, err := Decode(b.Bytes(), OptSingleStray)
	require.NoError(t, err)
	h := f.Handles[0]
	assert.False(t, h.SingleStray.Missing)
	assert.InDelta(t, 6.0, h.SingleStray.Y, 1e-6)

	// an invalid stray carries no position bytes
	var b2 wire.Builder
	b2.PutUint(1, 1)
	b2.PutUint(1, 1)
	b2.PutUint(uint32(HandleValid), 1)
	b2.PutUint(uint32(HandleMissing), 1)
	b2.PutUint(0, 2)

	f, err = Decode(b2.Bytes(), OptSingleStray)
	require.NoError(t, err)
	assert.True(t, f.Handles[0].SingleStray.Missing)
}

func TestDecodeToolMarkers(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 1)
	b.PutUint(1, 1)
	b.PutUint(uint32(HandleValid), 1)
	b.PutUint(3, 1)    // marker count
	b.PutUint(0x02, 1) // out-of-volume bitset: marker 1
	for i := 0; i < 3; i++ {
		b.PutFloat32(float32(i))
		b.PutFloat32(0)
		b.PutFloat32(0)
	}
	b.PutUint(0, 2)

	f, err := Decode(b.Bytes(), OptToolMarkers)
	require.NoError(t, err)

	h := f.Handles[0]
	require.Len(t, h.Markers, 3)
	assert.Equal(t, []bool{false, true, false}, h.MarkerOutOfVolume)
	assert.InDelta(t, 2.0, h.Markers[2].X, 1e-6)
}

func TestDecodePassiveStraysWithPhantoms(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(0, 1)    // no handles
	b.PutUint(3, 1)    // stray count
	b.PutUint(0x05, 1) // out-of-volume: markers 0 and 2
	b.PutUint(0x20, 1) // phantom nibbles low-first: 0, 2(nonzero); third in next byte
	b.PutUint(0x00, 1)
	for i := 0; i < 3; i++ {
		b.PutFloat32(10 * float32(i+1))
		b.PutFloat32(0)
		b.PutFloat32(0)
	}
	b.PutUint(0, 2)

	f, err := Decode(b.Bytes(), OptPassiveStrays|OptPhantoms)
	require.NoError(t, err)

	s := f.Strays
	require.Len(t, s.Positions, 3)
	assert.Equal(t, []bool{true, false, true}, s.OutOfVolume)
	assert.Equal(t, []bool{false, true, false}, s.Phantom)
	assert.InDelta(t, 30.0, s.Positions[2].X, 1e-6)
}

// Without the phantom bit set, the nibble block is absent from the wire.
func TestDecodePassiveStraysNoPhantoms(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(0, 1)
	b.PutUint(1, 1)
	b.PutUint(0x00, 1)
	b.PutFloat32(1)
	b.PutFloat32(2)
	b.PutFloat32(3)
	b.PutUint(0xBEEF, 2)

	f, err := Decode(b.Bytes(), OptPassiveStrays)
	require.NoError(t, err)
	require.Len(t, f.Strays.Positions, 1)
	assert.Nil(t, f.Strays.Phantom)
	assert.Equal(t, uint16(0xBEEF), f.SystemStatus)
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 1)
	b.PutUint(1, 1)
	b.PutUint(uint32(HandleValid), 1)
	b.PutFloat32(1) // pose cut short

	_, err := Decode(b.Bytes(), OptTransform)
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrUnderrun)
}
