package capi

import (
	"fmt"
	"strings"
)

// Commands are ASCII lines terminated with a carriage return. Binary
// arguments (port handles, reply-option bitmasks, SROM pages) are encoded as
// fixed-width uppercase hex inside the command text, even when the reply
// will be binary.

// FormatCommand terminates cmd for the wire.
func FormatCommand(cmd string) []byte {
	return append([]byte(cmd), '\r')
}

// HexByte encodes v as two uppercase hex characters.
func HexByte(v uint8) string { return fmt.Sprintf("%02X", v) }

// HexUint16 encodes v as four uppercase hex characters.
func HexUint16(v uint16) string { return fmt.Sprintf("%04X", v) }

// ParseHex decodes up to 8 hex characters into an unsigned value. It
// mirrors the device's literal hex-ASCII argument encoding; any non-hex
// character makes the whole field invalid.
func ParseHex(s string) (uint32, error) {
	if len(s) == 0 || len(s) > 8 {
		return 0, fmt.Errorf("hex field %q: invalid length", s)
	}
	var v uint32
	for _, ch := range strings.ToUpper(s) {
		switch {
		case ch >= '0' && ch <= '9':
			v = v<<4 | uint32(ch-'0')
		case ch >= 'A' && ch <= 'F':
			v = v<<4 | uint32(ch-'A'+10)
		default:
			return 0, fmt.Errorf("hex field %q: invalid character %q", s, ch)
		}
	}
	return v, nil
}
