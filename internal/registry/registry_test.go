package registry

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/capitrack/internal/capi"
	"github.com/banshee-data/capitrack/internal/monitoring"
)

func init() { monitoring.Mute() }

// fakeCommander replies from a script keyed by command prefix and records
// everything sent.
type fakeCommander struct {
	t       *testing.T
	replies map[string][]string // command prefix -> bodies, popped in order
	sent    []string
}

func newFake(t *testing.T) *fakeCommander {
	return &fakeCommander{t: t, replies: make(map[string][]string)}
}

func (f *fakeCommander) on(prefix string, bodies ...string) {
	f.replies[prefix] = append(f.replies[prefix], bodies...)
}

func (f *fakeCommander) Execute(cmd string) (*capi.Frame, error) {
	f.sent = append(f.sent, cmd)
	for prefix, bodies := range f.replies {
		if strings.HasPrefix(cmd, prefix) && len(bodies) > 0 {
			f.replies[prefix] = bodies[1:]
			return asciiFrame(bodies[0]), nil
		}
	}
	f.t.Fatalf("unexpected command %q", cmd)
	return nil, nil
}

func asciiFrame(body string) *capi.Frame {
	crc := capi.HexUint16(capi.CRC16([]byte(body)))
	return &capi.Frame{Kind: capi.FrameASCII, Payload: []byte(body + crc + "\r")}
}

func TestProvisionPipeline(t *testing.T) {
	t.Parallel()

	fc := newFake(t)
	fc.on("PHSR 01", "021000112001") // two stale handles 10, 12
	fc.on("PHF", "OKAY", "OKAY")
	fc.on("PHSR 02", "010A002")       // one uninitialized handle 0A
	fc.on("PINIT", "OKAY")
	fc.on("PHSR 03", "010A004")       // same handle, now awaiting enable
	fc.on("PENA", "OKAY")

	r := New(capi.Decoder{})
	require.NoError(t, r.Provision(fc))

	assert.Equal(t, []string{
		"PHSR 01", "PHF 10", "PHF 12",
		"PHSR 02", "PINIT 0A",
		"PHSR 03", "PENA 0AD",
	}, fc.sent)

	devices := r.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, Device{ID: 0x0A, State: Enabled}, devices[0])
	assert.Equal(t, devices, r.Enabled())
}

func TestProvisionStopsOnDeviceError(t *testing.T) {
	t.Parallel()

	fc := newFake(t)
	fc.on("PHSR 01", "00")
	fc.on("PHSR 02", "010B002")
	fc.on("PINIT", "ERROR13")

	r := New(capi.Decoder{})
	err := r.Provision(fc)
	require.Error(t, err)

	var perr *capi.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "13", perr.Status.Code)
	assert.Empty(t, r.Devices())
}

func TestLoadWirelessWritesPaddedPages(t *testing.T) {
	t.Parallel()

	fc := newFake(t)
	fc.on("PHRQ", "0C")
	fc.on("PVWR", "OKAY", "OKAY")

	// 65 bytes: one full page plus one byte, so the second page is padded
	rom := make([]byte, 65)
	for i := range rom {
		rom[i] = byte(i + 1)
	}

	r := New(capi.Decoder{})
	handle, err := r.LoadWireless(fc, rom)
	require.NoError(t, err)
	assert.Equal(t, 0x0C, handle)

	require.Len(t, fc.sent, 3)
	assert.Equal(t, "PHRQ *********1****", fc.sent[0])
	assert.True(t, strings.HasPrefix(fc.sent[1], "PVWR 0C0000"))
	assert.Len(t, fc.sent[1], len("PVWR 0C0000")+128)

	second := fc.sent[2]
	assert.True(t, strings.HasPrefix(second, "PVWR 0C0040"))
	assert.True(t, strings.HasPrefix(second[len("PVWR 0C0040"):], "41"), "page starts with byte 65")
	assert.True(t, strings.HasSuffix(second, strings.Repeat("00", 63)), "remainder zero padded")

	devices := r.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, Device{ID: 0x0C, State: Occupied}, devices[0])
}

func TestLoadWirelessRejectsEmptyDefinition(t *testing.T) {
	t.Parallel()

	fc := newFake(t)
	fc.on("PHRQ", "0C")

	r := New(capi.Decoder{})
	_, err := r.LoadWireless(fc, nil)
	var uerr *capi.UseError
	require.ErrorAs(t, err, &uerr)
}

func TestLoadWiredFallsBackToHostDefinition(t *testing.T) {
	t.Parallel()

	fc := newFake(t)
	fc.on("PHSR 02", "020100202002")
	// handle 01 initializes from onboard memory; handle 02 has none
	fc.on("PINIT 01", "OKAY")
	fc.on("PINIT 02", "ERROR1E", "OKAY")
	fc.on("PVWR", "OKAY")

	rom := make([]byte, 16)
	r := New(capi.Decoder{})
	require.NoError(t, r.LoadWired(fc, map[int][]byte{2: rom}))

	assert.Equal(t, []string{
		"PHSR 02", "PINIT 01", "PINIT 02",
		fmt.Sprintf("PVWR 020000%s", strings.Repeat("00", 64)),
		"PINIT 02",
	}, fc.sent)

	devices := r.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, Initialized, devices[0].State)
	assert.Equal(t, Initialized, devices[1].State)
}

func TestLoadWiredUnrecoverableError(t *testing.T) {
	t.Parallel()

	fc := newFake(t)
	fc.on("PHSR 02", "0103002")
	fc.on("PINIT", "ERROR1E")

	// no host definition for handle 03
	r := New(capi.Decoder{})
	err := r.LoadWired(fc, nil)
	require.Error(t, err)

	var perr *capi.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "1E", perr.Status.Code)
}
