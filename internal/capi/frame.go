package capi

import (
	"errors"
	"fmt"

	"github.com/banshee-data/capitrack/internal/transport"
)

// Reply start sequences, little-endian on the wire.
const (
	binStartSeq    = 0xA5C4 // standard binary reply
	binStartSeqExt = 0xA5C8 // extended binary reply
	streamStartSeq = 0xB5D4 // stream wrapper preceding a pushed binary reply
)

const asciiTerminator = '\r'

// maxFrameBytes bounds a single accumulation. A frame that grows past this
// without terminating is garbage on the line; it is discarded with a
// FramingError and accumulation restarts.
const maxFrameBytes = 1 << 20

// FrameKind discriminates the three reply framings.
type FrameKind int

const (
	FrameASCII FrameKind = iota
	FrameBinary
	FrameBinaryExtended
)

func (k FrameKind) String() string {
	switch k {
	case FrameASCII:
		return "ascii"
	case FrameBinary:
		return "binary"
	case FrameBinaryExtended:
		return "binary-extended"
	default:
		return "unknown"
	}
}

// Frame is one complete reply as delimited on the byte stream. For ASCII
// frames Payload holds everything up to and including the CR; for binary
// frames it holds the declared-length payload with the start sequence,
// length and checksums stripped into the remaining fields.
type Frame struct {
	Kind    FrameKind
	Payload []byte

	// Binary framing metadata. Checksums are captured always and verified
	// only under an enforcing decoder; devices are known to emit spurious
	// bytes, so robustness wins over strict validation by default.
	HeaderCRC uint16
	DataCRC   uint16

	// StreamID is the identifier carried by the stream wrapper that
	// announced this frame, empty for request/response replies.
	StreamID string
}

// ASCIIBody returns the payload of an ASCII frame with the trailing
// four-hex-digit CRC and CR stripped, and the CRC value it carried.
func (f *Frame) ASCIIBody() (body string, crc string) {
	p := f.Payload
	if n := len(p); n > 0 && p[n-1] == asciiTerminator {
		p = p[:n-1]
	}
	if len(p) >= 4 {
		return string(p[:len(p)-4]), string(p[len(p)-4:])
	}
	return string(p), ""
}

// FrameReader accumulates bytes from a Connection and classifies them into
// complete frames. A reader owns no goroutines; Next blocks until a frame
// completes, the idle connection times out, or the transport fails.
type FrameReader struct {
	conn transport.Connection
}

// NewFrameReader returns a reader over conn.
func NewFrameReader(conn transport.Connection) *FrameReader {
	return &FrameReader{conn: conn}
}

// Next reads one complete frame. A timeout before the first byte arrives is
// surfaced as transport.ErrTimeout ("no data yet"); a timeout mid-frame is
// retried so an in-progress reply is never abandoned.
func (r *FrameReader) Next() (*Frame, error) {
	var (
		buf      []byte
		streamID string
		wrapped  bool
	)
	for {
		// a consumed stream wrapper leaves the buffer empty but the
		// announced frame is still in flight, so that gap is mid-frame too
		b, err := r.readByte(len(buf) > 0 || wrapped)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if len(buf) < 2 {
			continue
		}

		if buf[len(buf)-1] == asciiTerminator {
			f := &Frame{Kind: FrameASCII, Payload: buf, StreamID: streamID}
			return f, nil
		}

		switch uint16(buf[0]) | uint16(buf[1])<<8 {
		case binStartSeq:
			f, err := r.readStandardBinary()
			if err != nil {
				return nil, err
			}
			f.StreamID = streamID
			return f, nil
		case binStartSeqExt:
			f, err := r.readExtendedBinary()
			if err != nil {
				return nil, err
			}
			f.StreamID = streamID
			return f, nil
		case streamStartSeq:
			// the wrapper only announces that a binary frame follows;
			// capture its ID and restart accumulation
			id, err := r.readStreamWrapper()
			if err != nil {
				return nil, err
			}
			streamID = id
			wrapped = true
			buf = buf[:0]
		default:
			// neither terminator nor start sequence yet; keep
			// accumulating, this may be the head of an ASCII reply
			if len(buf) > maxFrameBytes {
				head := buf[:8:8]
				return nil, &FramingError{Reason: "frame exceeded maximum size without terminating", Head: head}
			}
		}
	}
}

// readStandardBinary reads the remainder of a 0xA5C4 frame: u16 length,
// u16 header checksum, payload, u16 data checksum.
func (r *FrameReader) readStandardBinary() (*Frame, error) {
	hdr, err := r.readExact(4)
	if err != nil {
		return nil, err
	}
	length := int(uint16(hdr[0]) | uint16(hdr[1])<<8)
	headerCRC := uint16(hdr[2]) | uint16(hdr[3])<<8

	payload, err := r.readExact(length)
	if err != nil {
		return nil, err
	}
	trailer, err := r.readExact(2)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Kind:      FrameBinary,
		Payload:   payload,
		HeaderCRC: headerCRC,
		DataCRC:   uint16(trailer[0]) | uint16(trailer[1])<<8,
	}, nil
}

// readExtendedBinary reads the remainder of a 0xA5C8 frame: u32 length then
// payload, no trailing checksum.
func (r *FrameReader) readExtendedBinary() (*Frame, error) {
	hdr, err := r.readExact(4)
	if err != nil {
		return nil, err
	}
	length := int(uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24)
	if length > maxFrameBytes {
		return nil, &FramingError{Reason: fmt.Sprintf("extended frame declares %d bytes", length)}
	}
	payload, err := r.readExact(length)
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: FrameBinaryExtended, Payload: payload}, nil
}

// readStreamWrapper reads the remainder of a 0xB5D4 wrapper: u16 ID length,
// ID bytes, u16 header checksum.
func (r *FrameReader) readStreamWrapper() (string, error) {
	hdr, err := r.readExact(2)
	if err != nil {
		return "", err
	}
	idLen := int(uint16(hdr[0]) | uint16(hdr[1])<<8)
	if idLen > 256 {
		return "", &FramingError{Reason: fmt.Sprintf("stream wrapper declares %d-byte id", idLen)}
	}
	id, err := r.readExact(idLen)
	if err != nil {
		return "", err
	}
	if _, err := r.readExact(2); err != nil { // wrapper header checksum
		return "", err
	}
	return string(id), nil
}

// readByte reads a single byte. When midFrame, timeouts are retried so a
// reply in progress is never abandoned; when idle they propagate as
// "no data yet".
func (r *FrameReader) readByte(midFrame bool) (byte, error) {
	for {
		data, err := r.conn.Recv(1)
		if err != nil {
			if midFrame && errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return 0, err
		}
		if len(data) > 0 {
			return data[0], nil
		}
	}
}

// readExact reads exactly n bytes, retrying timeouts: once a frame header
// has been seen the rest of the frame is always in flight.
func (r *FrameReader) readExact(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		data, err := r.conn.Recv(n - len(out))
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}
