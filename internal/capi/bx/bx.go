// Package bx decodes the fixed-layout binary tracking replies produced by
// older measurement systems. The layout is driven entirely by the option
// bitmask echoed back from the request, so the caller must pass the same
// options it asked for.
package bx

import (
	"fmt"

	"github.com/banshee-data/capitrack/internal/pose"
	"github.com/banshee-data/capitrack/internal/wire"
)

// Option bits select which sections appear in a reply, in this order.
type Options uint16

const (
	OptTransform     Options = 0x0001
	OptToolInfo      Options = 0x0002
	OptSingleStray   Options = 0x0004
	OptToolMarkers   Options = 0x0008
	OptPassiveStrays Options = 0x0800
	OptPhantoms      Options = 0x1000
)

// HandleStatus is the per-handle state byte.
type HandleStatus uint8

const (
	HandleValid    HandleStatus = 0x01
	HandleMissing  HandleStatus = 0x02
	HandleDisabled HandleStatus = 0x04
)

// MarkerOutOfVolume flags a marker seen outside the characterized volume.
const MarkerOutOfVolume = 0x08

// Handle holds everything reported for one port handle.
type Handle struct {
	ID     uint8
	Status HandleStatus

	Pose        pose.Pose
	PortStatus  uint32
	FrameNumber uint32

	// ToolInfo carries the marker condition byte followed by twenty 4-bit
	// marker codes, one per marker slot.
	ToolInfo []uint8

	SingleStrayStatus uint8
	SingleStray       pose.Position

	Markers          []pose.Position
	MarkerOutOfVolume []bool
}

// StrayMarkers is the system-wide passive stray section.
type StrayMarkers struct {
	Positions   []pose.Position
	OutOfVolume []bool
	Phantom     []bool
}

// Frame is one decoded reply body.
type Frame struct {
	Handles      []Handle
	Strays       StrayMarkers
	SystemStatus uint16
}

// Decode parses a reply payload requested with the given options.
func Decode(data []byte, opts Options) (Frame, error) {
	c := wire.NewCursor(data)
	var f Frame

	count, err := c.Uint(1)
	if err != nil {
		return f, fmt.Errorf("handle count: %w", err)
	}
	for i := 0; i < int(count); i++ {
		h, err := decodeHandle(c, opts)
		if err != nil {
			return f, fmt.Errorf("handle %d: %w", i, err)
		}
		f.Handles = append(f.Handles, h)
	}

	if opts&OptPassiveStrays != 0 {
		f.Strays, err = decodeStrays(c, opts)
		if err != nil {
			return f, fmt.Errorf("passive strays: %w", err)
		}
	}

	status, err := c.Uint(2)
	if err != nil {
		return f, fmt.Errorf("system status: %w", err)
	}
	f.SystemStatus = uint16(status)
	return f, nil
}

func decodeHandle(c *wire.Cursor, opts Options) (Handle, error) {
	var h Handle

	id, err := c.Uint(1)
	if err != nil {
		return h, err
	}
	status, err := c.Uint(1)
	if err != nil {
		return h, err
	}
	h.ID = uint8(id)
	h.Status = HandleStatus(status)

	// Disabled handles carry no further data at all.
	if h.Status == HandleDisabled {
		return h, nil
	}

	if opts&OptTransform != 0 {
		if h.Status == HandleMissing {
			h.Pose = pose.MissingPose()
		} else {
			if h.Pose, err = readPose(c); err != nil {
				return h, err
			}
		}
		ps, err := c.Uint(4)
		if err != nil {
			return h, err
		}
		fn, err := c.Uint(4)
		if err != nil {
			return h, err
		}
		h.PortStatus = ps
		h.FrameNumber = fn
	}

	if opts&OptToolInfo != 0 {
		if h.ToolInfo, err = readToolInfo(c); err != nil {
			return h, err
		}
	}

	if opts&OptSingleStray != 0 {
		ss, err := c.Uint(1)
		if err != nil {
			return h, err
		}
		h.SingleStrayStatus = uint8(ss)
		h.SingleStray = pose.MissingPosition()
		if h.SingleStrayStatus&uint8(HandleValid) != 0 {
			if h.SingleStray, err = readPosition(c); err != nil {
				return h, err
			}
		}
	}

	if opts&OptToolMarkers != 0 {
		n, err := c.Uint(1)
		if err != nil {
			return h, err
		}
		oov, err := readBitset(c, int(n))
		if err != nil {
			return h, err
		}
		h.MarkerOutOfVolume = oov
		for j := 0; j < int(n); j++ {
			p, err := readPosition(c)
			if err != nil {
				return h, err
			}
			h.Markers = append(h.Markers, p)
		}
	}

	return h, nil
}

func decodeStrays(c *wire.Cursor, opts Options) (StrayMarkers, error) {
	var s StrayMarkers

	count, err := c.Uint(1)
	if err != nil {
		return s, err
	}
	n := int(count)

	if s.OutOfVolume, err = readBitset(c, n); err != nil {
		return s, err
	}

	if opts&OptPhantoms != 0 {
		// One nibble per marker, low nibble first. A non-zero nibble marks
		// a phantom reconstruction.
		raw, err := c.Bytes((n + 1) / 2)
		if err != nil {
			return s, err
		}
		s.Phantom = make([]bool, n)
		for j := 0; j < n; j++ {
			nib := raw[j/2] >> (4 * uint(j%2)) & 0x0F
			s.Phantom[j] = nib != 0
		}
	}

	for j := 0; j < n; j++ {
		p, err := readPosition(c)
		if err != nil {
			return s, err
		}
		s.Positions = append(s.Positions, p)
	}
	return s, nil
}

// readToolInfo reads the marker condition byte and ten packed code bytes,
// expanding each to two 4-bit codes, low nibble first.
func readToolInfo(c *wire.Cursor) ([]uint8, error) {
	cond, err := c.Uint(1)
	if err != nil {
		return nil, err
	}
	packed, err := c.Bytes(10)
	if err != nil {
		return nil, err
	}
	out := make([]uint8, 0, 1+2*len(packed))
	out = append(out, uint8(cond))
	for _, b := range packed {
		out = append(out, b&0x0F, b>>4)
	}
	return out, nil
}

func readBitset(c *wire.Cursor, n int) ([]bool, error) {
	raw, err := c.Bytes((n + 7) / 8)
	if err != nil {
		return nil, err
	}
	out := make([]bool, n)
	for j := 0; j < n; j++ {
		out[j] = raw[j/8]>>(uint(j)%8)&1 != 0
	}
	return out, nil
}

func readPosition(c *wire.Cursor) (pose.Position, error) {
	var p pose.Position
	for _, dst := range []*float64{&p.X, &p.Y, &p.Z} {
		v, err := c.Float32()
		if err != nil {
			return p, err
		}
		*dst = float64(v)
	}
	return p, nil
}

func readPose(c *wire.Cursor) (pose.Pose, error) {
	var p pose.Pose
	for _, dst := range []*float64{&p.Q0, &p.Qx, &p.Qy, &p.Qz, &p.Tx, &p.Ty, &p.Tz, &p.Err} {
		v, err := c.Float32()
		if err != nil {
			return p, err
		}
		*dst = float64(v)
	}
	return p, nil
}
