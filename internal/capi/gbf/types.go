// Package gbf implements the General Binary Format: the recursive,
// self-describing payload format carried by the newer binary replies. A
// payload holds data components, each holding typed items; frame items nest
// a further payload, making the format self-similar at two levels.
package gbf

import "github.com/banshee-data/capitrack/internal/pose"

// ComponentType is the component discriminator. The set is fixed by the
// protocol; unrecognized codes decode into an Unknown component.
type ComponentType uint16

const (
	TypeNone       ComponentType = 0x0000
	TypeFrame      ComponentType = 0x0001
	Type6D         ComponentType = 0x0002
	Type3D         ComponentType = 0x0003
	Type1D         ComponentType = 0x0004
	Type3DError    ComponentType = 0x0009
	TypeImage      ComponentType = 0x000A
	TypeAlert      ComponentType = 0x0012
)

func (t ComponentType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeFrame:
		return "frame"
	case Type6D:
		return "6d"
	case Type3D:
		return "3d"
	case Type1D:
		return "1d"
	case Type3DError:
		return "3d-error"
	case TypeImage:
		return "image"
	case TypeAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// Status3D is the per-marker status byte.
type Status3D uint8

const (
	MarkerOK              Status3D = 0x00
	MarkerMissing         Status3D = 0x01
	MarkerOffAngle        Status3D = 0x02
	MarkerBadFit          Status3D = 0x03
	MarkerOutOfVolume     Status3D = 0x04
	MarkerOOVUsedIn6D     Status3D = 0x05
	MarkerPossiblePhantom Status3D = 0x06
	MarkerSaturated       Status3D = 0x07
	MarkerSaturatedOOV    Status3D = 0x08
	MarkerStray           Status3D = 0xFF
)

func (s Status3D) String() string {
	switch s {
	case MarkerOK:
		return "OKAY"
	case MarkerMissing:
		return "MISSING"
	case MarkerOffAngle:
		return "OFF ANGLE"
	case MarkerBadFit:
		return "BAD FIT"
	case MarkerOutOfVolume:
		return "OUT OF VOLUME"
	case MarkerOOVUsedIn6D:
		return "OOV USED"
	case MarkerPossiblePhantom:
		return "PHANTOM"
	case MarkerSaturated:
		return "SATURATED"
	case MarkerSaturatedOOV:
		return "SATURATED OOV"
	case MarkerStray:
		return "STRAY"
	default:
		return "UNKNOWN"
	}
}

// FrameKind is the frame-type byte carried by frame items and images.
type FrameKind uint8

const (
	FrameDummy FrameKind = iota
	FrameActiveWireless
	FramePassive
	FrameActive
	FrameLaser
	FrameIlluminated
	FrameBackground
	FrameMagnetic
)

// AlertKind classifies a system alert component item.
type AlertKind uint8

const (
	AlertFault AlertKind = iota
	AlertAlert
	AlertEvent
)

func (k AlertKind) String() string {
	switch k {
	case AlertFault:
		return "fault"
	case AlertAlert:
		return "alert"
	case AlertEvent:
		return "event"
	default:
		return "unknown"
	}
}

// transformMissing is the 6D status bit meaning no pose data follows.
const transformMissing = 0x0100

// StrayHandle is the pseudo port handle under which unattributed markers
// are reported.
const StrayHandle = 0xFFFF

// Payload is a decoded General Binary payload.
type Payload struct {
	Version    uint16
	Components []DataComponent
}

// DataComponent is one component of a payload. Exactly one of the item
// slices is populated, selected by Type; an unrecognized component carries
// its raw code and skipped bytes instead.
type DataComponent struct {
	Type       ComponentType
	Size       uint32
	ItemFormat uint16

	Frames       []FrameItem
	Tools        []Tool6D
	ToolMarkers  []ToolMarkers
	ToolButtons  []ToolButtons
	MarkerErrors []ToolMarkerErrors
	Images       []Image
	Alerts       []Alert

	// Unknown component capture: RawType holds the unrecognized code and
	// Raw the bytes skipped to stay synchronized with the stream.
	RawType uint16
	Raw     []byte
}

// FrameItem is one sampled tracking instant. Its payload nests a complete
// General Binary payload.
type FrameItem struct {
	Kind        FrameKind
	Index       uint8
	Status      uint16
	Number      uint32
	Seconds     uint32
	Nanoseconds uint32
	Payload     Payload
}

// Tool6D is a tracked tool's pose sample.
type Tool6D struct {
	Handle uint16
	Status uint16
	Pose   pose.Pose
}

// Missing reports whether the transform-missing status bit is set.
func (t Tool6D) Missing() bool { return t.Status&transformMissing != 0 }

// Marker3D is one marker observation.
type Marker3D struct {
	Status   Status3D
	Index    uint16
	Position pose.Position
}

// ToolMarkers groups the marker observations of one tool. The stray pseudo
// handle groups markers not attributed to any tool.
type ToolMarkers struct {
	Handle  uint16
	Markers []Marker3D
}

// ToolButtons carries the button states of one tool.
type ToolButtons struct {
	Handle  uint16
	Buttons []uint8
}

// MarkerError is the fit error of one marker.
type MarkerError struct {
	Index uint16
	Error float64
}

// ToolMarkerErrors groups the marker fit errors of one tool.
type ToolMarkerErrors struct {
	Handle uint16
	Errors []MarkerError
}

// Image item sub-formats.
const (
	ImageRaw  = 0
	ImagePGM  = 1
	ImageTIFF = 2
	ImageJPEG = 3
)

// Image is one captured sensor image.
type Image struct {
	ItemType            uint8
	Sensor              uint8
	Kind                FrameKind
	FrameIndex          uint8
	FrameNumber         uint32
	TriggerThreshold    float64
	BackgroundThreshold float64
	Exposure            uint16
	Stride              uint8
	Depth               uint8 // bits per pixel
	X, Y                uint16
	Width, Height       uint16
	Metadata            string
	Pixels              []byte
}

// Alert is one system fault, alert or event.
type Alert struct {
	Kind AlertKind
	Code uint16
}
