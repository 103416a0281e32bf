package gbf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/capitrack/internal/pose"
	"github.com/banshee-data/capitrack/internal/wire"
)

func TestRoundTripEveryVariant(t *testing.T) {
	t.Parallel()

	inner := Payload{
		Version: 1,
		Components: []DataComponent{
			{
				Type: Type6D,
				Tools: []Tool6D{
					{Handle: 10, Status: 0, Pose: pose.Pose{Q0: 1, Tx: 100.5, Ty: -25.25, Tz: 3, Err: 0.125}},
					{Handle: 11, Status: transformMissing, Pose: pose.MissingPose()},
				},
			},
			{
				Type: Type3D,
				ToolMarkers: []ToolMarkers{
					{
						Handle: 10,
						Markers: []Marker3D{
							{Status: MarkerOK, Index: 1, Position: pose.Position{X: 1, Y: 2, Z: 3}},
							{Status: MarkerMissing, Index: 2, Position: pose.MissingPosition()},
						},
					},
					{
						Handle: StrayHandle,
						Markers: []Marker3D{
							{Status: MarkerStray, Index: 0, Position: pose.Position{X: -4.5, Y: 0, Z: 9}},
						},
					},
				},
			},
			{
				Type:         Type3DError,
				MarkerErrors: []ToolMarkerErrors{{Handle: 10, Errors: []MarkerError{{Index: 1, Error: 0.5}}}},
			},
			{
				Type:        Type1D,
				ToolButtons: []ToolButtons{{Handle: 10, Buttons: []uint8{1, 0, 1}}},
			},
			{
				Type:   TypeAlert,
				Alerts: []Alert{{Kind: AlertFault, Code: 3}, {Kind: AlertEvent, Code: 1}},
			},
			{
				Type: TypeImage,
				Images: []Image{{
					ItemType: ImageRaw, Sensor: 1, Kind: FramePassive, FrameIndex: 2,
					FrameNumber: 77, TriggerThreshold: 0.5, BackgroundThreshold: 0.25,
					Exposure: 100, Stride: 1, Depth: 8, Width: 4, Height: 2,
					Metadata: "cam", Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8},
				}},
			},
		},
	}
	outer := Payload{
		Version: 1,
		Components: []DataComponent{
			{
				Type: TypeFrame,
				Frames: []FrameItem{{
					Kind: FramePassive, Index: 0, Status: 0, Number: 4321,
					Seconds: 1_700_000_000, Nanoseconds: 250, Payload: inner,
				}},
			},
		},
	}

	encoded, err := Encode(outer)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	// Size is informational and filled in by the encoder; ignore it when
	// comparing the trees.
	diff := cmp.Diff(outer, decoded, cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".Size"
	}, cmp.Ignore()))
	assert.Empty(t, diff)
}

func TestUnknownComponentResynchronizes(t *testing.T) {
	t.Parallel()

	// two components: an unrecognized type code followed by a valid 6D
	var b wire.Builder
	b.PutUint(1, 2) // version
	b.PutUint(2, 2) // component count

	raw := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00}
	b.PutUint(0x0777, 2)              // unrecognized type code
	b.PutUint(uint32(6+len(raw)), 4)  // declared size includes the 6 header bytes
	b.PutBytes(raw)

	b.PutUint(uint32(Type6D), 2)
	b.PutUint(12+4+32, 4) // informational
	b.PutUint(0, 2)       // item format
	b.PutUint(1, 4)       // item count
	b.PutUint(5, 2)       // handle
	b.PutUint(0, 2)       // status: valid
	for _, v := range []float32{1, 0, 0, 0, 10, 20, 30, 0.25} {
		b.PutFloat32(v)
	}

	p, err := Decode(b.Bytes())
	require.NoError(t, err)
	require.Len(t, p.Components, 2)

	unknown := p.Components[0]
	assert.Equal(t, TypeNone, unknown.Type)
	assert.Equal(t, uint16(0x0777), unknown.RawType)
	assert.Equal(t, raw, unknown.Raw, "must consume exactly size-6 bytes")

	tool := p.Components[1]
	require.Equal(t, Type6D, tool.Type)
	require.Len(t, tool.Tools, 1)
	assert.Equal(t, uint16(5), tool.Tools[0].Handle)
	assert.False(t, tool.Tools[0].Missing())
	assert.InDelta(t, 10.0, tool.Tools[0].Pose.Tx, 1e-6)
}

func TestEmptyComponentConsumesOnlyHeader(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 2)               // version
	b.PutUint(1, 2)               // component count
	b.PutUint(uint32(Type3D), 2)  // type
	b.PutUint(12, 4)              // size
	b.PutUint(0, 2)               // item format
	b.PutUint(0, 4)               // item count

	p, err := Decode(b.Bytes())
	require.NoError(t, err)
	require.Len(t, p.Components, 1)
	assert.Equal(t, Type3D, p.Components[0].Type)
	assert.Empty(t, p.Components[0].ToolMarkers)
}

func TestMissingToolCarriesNoPoseBytes(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 2)
	b.PutUint(1, 2)
	b.PutUint(uint32(Type6D), 2)
	b.PutUint(12+4, 4)
	b.PutUint(0, 2)
	b.PutUint(1, 4)
	b.PutUint(9, 2)                // handle
	b.PutUint(transformMissing, 2) // status: missing

	p, err := Decode(b.Bytes())
	require.NoError(t, err)
	require.Len(t, p.Components[0].Tools, 1)
	tool := p.Components[0].Tools[0]
	assert.True(t, tool.Missing())
	assert.True(t, tool.Pose.Missing)
}

func TestTruncatedPayloadSurfacesUnderrun(t *testing.T) {
	t.Parallel()

	var b wire.Builder
	b.PutUint(1, 2)
	b.PutUint(1, 2)
	b.PutUint(uint32(Type6D), 2)
	b.PutUint(12+32, 4)
	b.PutUint(0, 2)
	b.PutUint(1, 4)
	b.PutUint(5, 2)
	b.PutUint(0, 2)
	b.PutFloat32(1.0) // pose truncated after the first float

	_, err := Decode(b.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrUnderrun)
}
