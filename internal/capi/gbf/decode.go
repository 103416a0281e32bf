package gbf

import (
	"fmt"
	"strings"

	"github.com/banshee-data/capitrack/internal/pose"
	"github.com/banshee-data/capitrack/internal/wire"
)

// componentHeaderBytes is the portion of a component's declared size that
// has already been consumed once the type and size fields are read.
const componentHeaderBytes = 6

// Decode parses a General Binary payload from the byte slice.
func Decode(data []byte) (Payload, error) {
	c := wire.NewCursor(data)
	p, err := decodePayload(c)
	if err != nil {
		return Payload{}, err
	}
	return p, nil
}

func decodePayload(c *wire.Cursor) (Payload, error) {
	var p Payload
	version, err := c.Uint(2)
	if err != nil {
		return p, fmt.Errorf("payload version: %w", err)
	}
	count, err := c.Uint(2)
	if err != nil {
		return p, fmt.Errorf("payload component count: %w", err)
	}
	p.Version = uint16(version)
	for i := uint32(0); i < count; i++ {
		comp, err := decodeComponent(c)
		if err != nil {
			return p, fmt.Errorf("component %d: %w", i, err)
		}
		p.Components = append(p.Components, comp)
	}
	return p, nil
}

func decodeComponent(c *wire.Cursor) (DataComponent, error) {
	var comp DataComponent

	rawType, err := c.Uint(2)
	if err != nil {
		return comp, err
	}
	size, err := c.Uint(4)
	if err != nil {
		return comp, err
	}
	comp.Size = size

	comp.Type = ComponentType(rawType)
	switch comp.Type {
	case TypeFrame, Type6D, Type3D, Type1D, Type3DError, TypeImage, TypeAlert:
	default:
		// devices emit components this client does not understand; skip
		// exactly the declared remainder to stay synchronized
		if size < componentHeaderBytes {
			return comp, fmt.Errorf("unknown component 0x%04X declares size %d", rawType, size)
		}
		raw, err := c.Bytes(int(size) - componentHeaderBytes)
		if err != nil {
			return comp, fmt.Errorf("skipping unknown component 0x%04X: %w", rawType, err)
		}
		comp.Type = TypeNone
		comp.RawType = uint16(rawType)
		comp.Raw = append([]byte(nil), raw...)
		return comp, nil
	}

	itemFormat, err := c.Uint(2)
	if err != nil {
		return comp, err
	}
	itemCount, err := c.Uint(4)
	if err != nil {
		return comp, err
	}
	comp.ItemFormat = uint16(itemFormat)

	for i := uint32(0); i < itemCount; i++ {
		switch comp.Type {
		case TypeFrame:
			item, err := decodeFrameItem(c)
			if err != nil {
				return comp, fmt.Errorf("frame item %d: %w", i, err)
			}
			comp.Frames = append(comp.Frames, item)
		case Type6D:
			item, err := decodeTool6D(c)
			if err != nil {
				return comp, fmt.Errorf("6d item %d: %w", i, err)
			}
			comp.Tools = append(comp.Tools, item)
		case Type3D:
			item, err := decodeToolMarkers(c)
			if err != nil {
				return comp, fmt.Errorf("3d item %d: %w", i, err)
			}
			comp.ToolMarkers = append(comp.ToolMarkers, item)
		case Type1D:
			item, err := decodeToolButtons(c)
			if err != nil {
				return comp, fmt.Errorf("1d item %d: %w", i, err)
			}
			comp.ToolButtons = append(comp.ToolButtons, item)
		case Type3DError:
			item, err := decodeToolMarkerErrors(c)
			if err != nil {
				return comp, fmt.Errorf("3d-error item %d: %w", i, err)
			}
			comp.MarkerErrors = append(comp.MarkerErrors, item)
		case TypeImage:
			item, err := decodeImage(c)
			if err != nil {
				return comp, fmt.Errorf("image item %d: %w", i, err)
			}
			comp.Images = append(comp.Images, item)
		case TypeAlert:
			item, err := decodeAlert(c)
			if err != nil {
				return comp, fmt.Errorf("alert item %d: %w", i, err)
			}
			comp.Alerts = append(comp.Alerts, item)
		}
	}
	return comp, nil
}

func decodeFrameItem(c *wire.Cursor) (FrameItem, error) {
	var item FrameItem
	kind, err := c.Uint(1)
	if err != nil {
		return item, err
	}
	index, err := c.Uint(1)
	if err != nil {
		return item, err
	}
	status, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	number, err := c.Uint(4)
	if err != nil {
		return item, err
	}
	secs, err := c.Uint(4)
	if err != nil {
		return item, err
	}
	nanos, err := c.Uint(4)
	if err != nil {
		return item, err
	}
	item.Kind = FrameKind(kind)
	item.Index = uint8(index)
	item.Status = uint16(status)
	item.Number = number
	item.Seconds = secs
	item.Nanoseconds = nanos

	// frame data is itself a complete payload
	payload, err := decodePayload(c)
	if err != nil {
		return item, err
	}
	item.Payload = payload
	return item, nil
}

func decodeTool6D(c *wire.Cursor) (Tool6D, error) {
	var item Tool6D
	handle, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	status, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	item.Handle = uint16(handle)
	item.Status = uint16(status)

	if item.Missing() {
		item.Pose = pose.MissingPose()
		return item, nil
	}
	var vals [8]float64
	for i := range vals {
		f, err := c.Float32()
		if err != nil {
			return item, err
		}
		vals[i] = float64(f)
	}
	item.Pose = pose.Pose{
		Q0: vals[0], Qx: vals[1], Qy: vals[2], Qz: vals[3],
		Tx: vals[4], Ty: vals[5], Tz: vals[6],
		Err: vals[7],
	}
	return item, nil
}

func decodeToolMarkers(c *wire.Cursor) (ToolMarkers, error) {
	var item ToolMarkers
	handle, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	count, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	item.Handle = uint16(handle)
	for i := uint32(0); i < count; i++ {
		m, err := decodeMarker3D(c)
		if err != nil {
			return item, err
		}
		item.Markers = append(item.Markers, m)
	}
	return item, nil
}

func decodeMarker3D(c *wire.Cursor) (Marker3D, error) {
	var m Marker3D
	status, err := c.Uint(1)
	if err != nil {
		return m, err
	}
	if err := c.Skip(1); err != nil { // reserved
		return m, err
	}
	index, err := c.Uint(2)
	if err != nil {
		return m, err
	}
	m.Status = Status3D(status)
	m.Index = uint16(index)

	// position bytes are only on the wire when the marker was located
	if m.Status == MarkerMissing {
		m.Position = pose.MissingPosition()
		return m, nil
	}
	x, err := c.Float32()
	if err != nil {
		return m, err
	}
	y, err := c.Float32()
	if err != nil {
		return m, err
	}
	z, err := c.Float32()
	if err != nil {
		return m, err
	}
	m.Position = pose.Position{X: float64(x), Y: float64(y), Z: float64(z)}
	return m, nil
}

func decodeToolButtons(c *wire.Cursor) (ToolButtons, error) {
	var item ToolButtons
	handle, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	count, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	item.Handle = uint16(handle)
	for i := uint32(0); i < count; i++ {
		b, err := c.Uint(1)
		if err != nil {
			return item, err
		}
		item.Buttons = append(item.Buttons, uint8(b))
	}
	return item, nil
}

func decodeToolMarkerErrors(c *wire.Cursor) (ToolMarkerErrors, error) {
	var item ToolMarkerErrors
	handle, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	count, err := c.Uint(2)
	if err != nil {
		return item, err
	}
	item.Handle = uint16(handle)
	for i := uint32(0); i < count; i++ {
		index, err := c.Uint(2)
		if err != nil {
			return item, err
		}
		errVal, err := c.Float32()
		if err != nil {
			return item, err
		}
		item.Errors = append(item.Errors, MarkerError{Index: uint16(index), Error: float64(errVal)})
	}
	return item, nil
}

func decodeAlert(c *wire.Cursor) (Alert, error) {
	var a Alert
	kind, err := c.Uint(1)
	if err != nil {
		return a, err
	}
	if err := c.Skip(1); err != nil { // reserved
		return a, err
	}
	code, err := c.Uint(2)
	if err != nil {
		return a, err
	}
	a.Kind = AlertKind(kind)
	a.Code = uint16(code)
	return a, nil
}

func decodeImage(c *wire.Cursor) (Image, error) {
	var img Image

	itemType, err := c.Uint(1)
	if err != nil {
		return img, err
	}
	sensor, err := c.Uint(1)
	if err != nil {
		return img, err
	}
	kind, err := c.Uint(1)
	if err != nil {
		return img, err
	}
	frameIndex, err := c.Uint(1)
	if err != nil {
		return img, err
	}
	frameNumber, err := c.Uint(4)
	if err != nil {
		return img, err
	}
	trigger, err := c.Float32()
	if err != nil {
		return img, err
	}
	background, err := c.Float32()
	if err != nil {
		return img, err
	}
	exposure, err := c.Uint(2)
	if err != nil {
		return img, err
	}
	stride, err := c.Uint(1)
	if err != nil {
		return img, err
	}
	depth, err := c.Uint(1)
	if err != nil {
		return img, err
	}
	x, err := c.Uint(2)
	if err != nil {
		return img, err
	}
	y, err := c.Uint(2)
	if err != nil {
		return img, err
	}
	width, err := c.Uint(2)
	if err != nil {
		return img, err
	}
	height, err := c.Uint(2)
	if err != nil {
		return img, err
	}
	metaLen, err := c.Uint(4)
	if err != nil {
		return img, err
	}
	meta, err := c.Chars(int(metaLen))
	if err != nil {
		return img, err
	}

	img = Image{
		ItemType:            uint8(itemType),
		Sensor:              uint8(sensor),
		Kind:                FrameKind(kind),
		FrameIndex:          uint8(frameIndex),
		FrameNumber:         frameNumber,
		TriggerThreshold:    float64(trigger),
		BackgroundThreshold: float64(background),
		Exposure:            uint16(exposure),
		Stride:              uint8(stride),
		Depth:               uint8(depth),
		X:                   uint16(x),
		Y:                   uint16(y),
		Width:               uint16(width),
		Height:              uint16(height),
		Metadata:            meta,
	}

	area := int(img.Width) * int(img.Height)
	switch img.ItemType {
	case ImageRaw:
		size := area
		if img.Depth > 8 {
			size = area * 2
		} else if img.Depth > 0 {
			size = area * int(img.Depth) / 8
		}
		pixels, err := c.Bytes(size)
		if err != nil {
			return img, err
		}
		img.Pixels = append([]byte(nil), pixels...)
	case ImagePGM:
		// PGM: magic line, then text lines through the max-value line,
		// then 2 bytes per pixel
		var sb strings.Builder
		header, err := c.Line()
		if err != nil {
			return img, err
		}
		sb.WriteString(header)
		for {
			line, err := c.Line()
			if err != nil {
				return img, err
			}
			sb.WriteString(line)
			if strings.HasSuffix(line, "  65535\n") {
				break
			}
		}
		pixels, err := c.Bytes(area * 2)
		if err != nil {
			return img, err
		}
		img.Pixels = append([]byte(sb.String()), pixels...)
	default:
		// TIFF/JPEG payloads are not structurally decoded
	}
	return img, nil
}
