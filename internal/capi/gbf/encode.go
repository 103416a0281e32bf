package gbf

import (
	"fmt"

	"github.com/banshee-data/capitrack/internal/wire"
)

// Encode serializes a payload back to its wire form. Component size fields
// are recomputed; the encoder is the inverse of Decode for every component
// variant and backs the round-trip tests and device simulators.
func Encode(p Payload) ([]byte, error) {
	var b wire.Builder
	if err := encodePayload(&b, p); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func encodePayload(b *wire.Builder, p Payload) error {
	b.PutUint(uint32(p.Version), 2)
	b.PutUint(uint32(len(p.Components)), 2)
	for i, comp := range p.Components {
		if err := encodeComponent(b, comp); err != nil {
			return fmt.Errorf("component %d: %w", i, err)
		}
	}
	return nil
}

func encodeComponent(b *wire.Builder, comp DataComponent) error {
	if comp.Type == TypeNone {
		b.PutUint(uint32(comp.RawType), 2)
		b.PutUint(uint32(len(comp.Raw))+componentHeaderBytes, 4)
		b.PutBytes(comp.Raw)
		return nil
	}

	var items wire.Builder
	var count int
	switch comp.Type {
	case TypeFrame:
		count = len(comp.Frames)
		for _, item := range comp.Frames {
			if err := encodeFrameItem(&items, item); err != nil {
				return err
			}
		}
	case Type6D:
		count = len(comp.Tools)
		for _, item := range comp.Tools {
			encodeTool6D(&items, item)
		}
	case Type3D:
		count = len(comp.ToolMarkers)
		for _, item := range comp.ToolMarkers {
			encodeToolMarkers(&items, item)
		}
	case Type1D:
		count = len(comp.ToolButtons)
		for _, item := range comp.ToolButtons {
			encodeToolButtons(&items, item)
		}
	case Type3DError:
		count = len(comp.MarkerErrors)
		for _, item := range comp.MarkerErrors {
			encodeToolMarkerErrors(&items, item)
		}
	case TypeImage:
		count = len(comp.Images)
		for _, item := range comp.Images {
			if err := encodeImage(&items, item); err != nil {
				return err
			}
		}
	case TypeAlert:
		count = len(comp.Alerts)
		for _, item := range comp.Alerts {
			items.PutUint(uint32(item.Kind), 1)
			items.PutUint(0, 1)
			items.PutUint(uint32(item.Code), 2)
		}
	default:
		return fmt.Errorf("cannot encode component type 0x%04X", uint16(comp.Type))
	}

	// type(2) + size(4) + format(2) + count(4) + items
	b.PutUint(uint32(comp.Type), 2)
	b.PutUint(uint32(12+items.Len()), 4)
	b.PutUint(uint32(comp.ItemFormat), 2)
	b.PutUint(uint32(count), 4)
	b.PutBytes(items.Bytes())
	return nil
}

func encodeFrameItem(b *wire.Builder, item FrameItem) error {
	b.PutUint(uint32(item.Kind), 1)
	b.PutUint(uint32(item.Index), 1)
	b.PutUint(uint32(item.Status), 2)
	b.PutUint(item.Number, 4)
	b.PutUint(item.Seconds, 4)
	b.PutUint(item.Nanoseconds, 4)
	return encodePayload(b, item.Payload)
}

func encodeTool6D(b *wire.Builder, item Tool6D) {
	b.PutUint(uint32(item.Handle), 2)
	b.PutUint(uint32(item.Status), 2)
	if item.Missing() {
		return
	}
	p := item.Pose
	for _, v := range []float64{p.Q0, p.Qx, p.Qy, p.Qz, p.Tx, p.Ty, p.Tz, p.Err} {
		b.PutFloat32(float32(v))
	}
}

func encodeToolMarkers(b *wire.Builder, item ToolMarkers) {
	b.PutUint(uint32(item.Handle), 2)
	b.PutUint(uint32(len(item.Markers)), 2)
	for _, m := range item.Markers {
		b.PutUint(uint32(m.Status), 1)
		b.PutUint(0, 1)
		b.PutUint(uint32(m.Index), 2)
		if m.Status == MarkerMissing {
			continue
		}
		b.PutFloat32(float32(m.Position.X))
		b.PutFloat32(float32(m.Position.Y))
		b.PutFloat32(float32(m.Position.Z))
	}
}

func encodeToolButtons(b *wire.Builder, item ToolButtons) {
	b.PutUint(uint32(item.Handle), 2)
	b.PutUint(uint32(len(item.Buttons)), 2)
	for _, btn := range item.Buttons {
		b.PutUint(uint32(btn), 1)
	}
}

func encodeToolMarkerErrors(b *wire.Builder, item ToolMarkerErrors) {
	b.PutUint(uint32(item.Handle), 2)
	b.PutUint(uint32(len(item.Errors)), 2)
	for _, e := range item.Errors {
		b.PutUint(uint32(e.Index), 2)
		b.PutFloat32(float32(e.Error))
	}
}

func encodeImage(b *wire.Builder, img Image) error {
	if img.ItemType != ImageRaw {
		return fmt.Errorf("cannot encode image sub-format %d", img.ItemType)
	}
	b.PutUint(uint32(img.ItemType), 1)
	b.PutUint(uint32(img.Sensor), 1)
	b.PutUint(uint32(img.Kind), 1)
	b.PutUint(uint32(img.FrameIndex), 1)
	b.PutUint(img.FrameNumber, 4)
	b.PutFloat32(float32(img.TriggerThreshold))
	b.PutFloat32(float32(img.BackgroundThreshold))
	b.PutUint(uint32(img.Exposure), 2)
	b.PutUint(uint32(img.Stride), 1)
	b.PutUint(uint32(img.Depth), 1)
	b.PutUint(uint32(img.X), 2)
	b.PutUint(uint32(img.Y), 2)
	b.PutUint(uint32(img.Width), 2)
	b.PutUint(uint32(img.Height), 2)
	b.PutUint(uint32(len(img.Metadata)), 4)
	b.PutString(img.Metadata)
	b.PutBytes(img.Pixels)
	return nil
}
