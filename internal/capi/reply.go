package capi

import (
	"fmt"
	"strings"
)

// Reply is the decoded outcome of one frame. Status is always populated;
// CRCOK reports whether the frame's checksums matched, whether or not the
// decoder enforces them.
type Reply struct {
	Status Status
	CRCOK  bool
}

// Decoder turns frames into replies. The zero value is the permissive
// decoder: checksums are captured and reported but mismatches do not fail
// the decode, matching observed device behaviour. Set EnforceCRC for strict
// verification.
type Decoder struct {
	EnforceCRC bool
}

// ascii extracts the body of an ASCII frame, verifies its CRC, and resolves
// a leading ERROR into a status. A non-empty returned body means the caller
// should continue command-specific parsing.
func (d Decoder) ascii(f *Frame, cmd string) (string, Reply, error) {
	body, crcHex := f.ASCIIBody()

	reply := Reply{Status: OK(), CRCOK: true}
	if crcHex != "" {
		want, err := ParseHex(crcHex)
		if err != nil || uint16(want) != CRC16([]byte(body)) {
			reply.CRCOK = false
		}
	}
	if d.EnforceCRC && !reply.CRCOK {
		return "", reply, &FramingError{Reason: fmt.Sprintf("%s: reply checksum mismatch", cmd)}
	}

	if strings.HasPrefix(body, "ERROR") && len(body) >= 7 {
		reply.Status = Error(body[5:7])
		return "", reply, nil
	}
	return body, reply, nil
}

// OKAY decodes a reply where OKAY is the only success shape.
func (d Decoder) OKAY(f *Frame, cmd string) (Reply, error) {
	body, reply, err := d.ascii(f, cmd)
	if err != nil || reply.Status.IsError() {
		return reply, err
	}
	if !strings.HasPrefix(body, "OKAY") {
		reply.Status = Status{Kind: StatusError, Message: fmt.Sprintf("unexpected reply %q", body)}
	}
	return reply, nil
}

// OKAYWarn decodes a reply where OKAY or WARNINGxx are the success shapes.
func (d Decoder) OKAYWarn(f *Frame, cmd string) (Reply, error) {
	body, reply, err := d.ascii(f, cmd)
	if err != nil || reply.Status.IsError() {
		return reply, err
	}
	switch {
	case strings.HasPrefix(body, "OKAY"):
	case strings.HasPrefix(body, "WARNING") && len(body) >= 9:
		reply.Status = Warning(body[7:9])
	default:
		reply.Status = Status{Kind: StatusError, Message: fmt.Sprintf("unexpected reply %q", body)}
	}
	return reply, nil
}

// Parameters decodes a GET or GETINFO reply: one "name=value" per line, no
// trailing LF after the last pair.
func (d Decoder) Parameters(f *Frame, cmd string) (map[string]string, Reply, error) {
	body, reply, err := d.ascii(f, cmd)
	if err != nil || reply.Status.IsError() {
		return nil, reply, err
	}
	params := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		name, value, found := strings.Cut(line, "=")
		if !found || name == "" {
			continue
		}
		params[name] = value
	}
	return params, reply, nil
}

// HandleSearchEntry is one allocated port handle reported by a handle
// search, with its raw 12-bit status field.
type HandleSearchEntry struct {
	Handle int
	Status uint32
}

// PHSR decodes a handle-search reply: a two-hex-digit count, then a
// two-hex-digit handle and three-hex-digit status per entry.
func (d Decoder) PHSR(f *Frame, cmd string) ([]HandleSearchEntry, Reply, error) {
	body, reply, err := d.ascii(f, cmd)
	if err != nil || reply.Status.IsError() {
		return nil, reply, err
	}
	count, err := ParseHex(substr(body, 0, 2))
	if err != nil {
		return nil, reply, fmt.Errorf("%s: handle count: %w", cmd, err)
	}
	entries := make([]HandleSearchEntry, 0, count)
	pos := 2
	for i := uint32(0); i < count; i++ {
		h, err := ParseHex(substr(body, pos, 2))
		if err != nil {
			return nil, reply, fmt.Errorf("%s: handle %d: %w", cmd, i, err)
		}
		st, err := ParseHex(substr(body, pos+2, 3))
		if err != nil {
			return nil, reply, fmt.Errorf("%s: handle %d status: %w", cmd, i, err)
		}
		entries = append(entries, HandleSearchEntry{Handle: int(h), Status: st})
		pos += 5
	}
	return entries, reply, nil
}

// PHRQ decodes a handle-request reply: the two-hex-digit allocated handle.
func (d Decoder) PHRQ(f *Frame, cmd string) (int, Reply, error) {
	body, reply, err := d.ascii(f, cmd)
	if err != nil || reply.Status.IsError() {
		return 0, reply, err
	}
	h, err := ParseHex(substr(body, 0, 2))
	if err != nil {
		return 0, reply, fmt.Errorf("%s: port handle: %w", cmd, err)
	}
	return int(h), reply, nil
}

// PHINF decodes a handle-info reply, returning the raw info text.
func (d Decoder) PHINF(f *Frame, cmd string) (string, Reply, error) {
	return d.rawASCII(f, cmd)
}

// RESET decodes the reply to a hard reset.
func (d Decoder) RESET(f *Frame) (Reply, error) {
	body, reply, err := d.ascii(f, "RESET")
	if err != nil || reply.Status.IsError() {
		return reply, err
	}
	if !strings.HasPrefix(body, "RESET") && !strings.HasPrefix(body, "OKAY") {
		reply.Status = Status{Kind: StatusError, Message: fmt.Sprintf("unexpected reset reply %q", body)}
	}
	return reply, nil
}

// BEEP decodes a beep reply: "1" beeped, "0" device busy beeping.
func (d Decoder) BEEP(f *Frame) (Reply, error) {
	body, reply, err := d.ascii(f, "BEEP")
	if err != nil || reply.Status.IsError() {
		return reply, err
	}
	switch {
	case strings.HasPrefix(body, "1"):
	case strings.HasPrefix(body, "0"):
		reply.Status = Status{Kind: StatusWarning, Message: "device busy beeping"}
	default:
		reply.Status = Status{Kind: StatusError, Message: fmt.Sprintf("unexpected beep reply %q", body)}
	}
	return reply, nil
}

// verTokens lists the line-ordered fields of a VER reply per option.
var verTokens = map[int][]string{
	0: {"fw_type", "serial_number", "char_date", "freeze_tag", "freeze_date", "copyright"},
	3: {"fw_type", "serial_number", "freeze_tag", "freeze_date", "copyright"},
	4: {"fw_type", "serial_number", "char_date", "freeze_tag", "freeze_date", "copyright"},
}

// VER decodes a version reply for options 0, 3, 4 or 5.
func (d Decoder) VER(f *Frame, option int) (map[string]string, Reply, error) {
	body, reply, err := d.ascii(f, "VER")
	if err != nil || reply.Status.IsError() {
		return nil, reply, err
	}
	info := make(map[string]string)
	if option == 5 {
		info["combined_firmware"] = substr(body, 0, 3)
		return info, reply, nil
	}
	tokens, ok := verTokens[option]
	if !ok {
		return nil, reply, &UseError{Op: "VER", Reason: fmt.Sprintf("invalid option %d", option)}
	}
	lines := strings.Split(body, "\n")
	for i, token := range tokens {
		if i < len(lines) {
			info[token] = lines[i]
		}
	}
	return info, reply, nil
}

// Binary validates the framing checksums of a binary reply. The payload
// itself is decoded by the component codecs.
func (d Decoder) Binary(f *Frame, cmd string) (Reply, error) {
	reply := Reply{Status: OK(), CRCOK: true}
	switch f.Kind {
	case FrameASCII:
		// the device answers binary commands with an ASCII ERROR line
		// when the command itself is rejected
		return d.OKAY(f, cmd)
	case FrameBinary:
		// the header checksum covers the start sequence and length, both
		// reconstructible from the stripped frame
		hdr := []byte{
			byte(binStartSeq & 0xFF), byte(binStartSeq >> 8),
			byte(len(f.Payload)), byte(len(f.Payload) >> 8),
		}
		reply.CRCOK = CRC16(hdr) == f.HeaderCRC && CRC16(f.Payload) == f.DataCRC
	case FrameBinaryExtended:
		// extended frames carry no checksums
	}
	if d.EnforceCRC && !reply.CRCOK {
		return reply, &FramingError{Reason: fmt.Sprintf("%s: framing checksum mismatch", cmd)}
	}
	return reply, nil
}

// GETLOG decodes a log-fetch reply: the binary payload is log text.
func (d Decoder) GETLOG(f *Frame) (string, Reply, error) {
	reply, err := d.Binary(f, "GETLOG")
	if err != nil || reply.Status.IsError() {
		return "", reply, err
	}
	return string(f.Payload), reply, nil
}

// rawASCII returns an ASCII body after status/CRC handling with no further
// structure imposed.
func (d Decoder) rawASCII(f *Frame, cmd string) (string, Reply, error) {
	return d.ascii(f, cmd)
}

// substr returns s[start:start+n], or everything that exists of it.
func substr(s string, start, n int) string {
	if start >= len(s) {
		return ""
	}
	end := start + n
	if end > len(s) {
		end = len(s)
	}
	return s[start:end]
}
