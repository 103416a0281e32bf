package tracker

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/capitrack/internal/capi"
	"github.com/banshee-data/capitrack/internal/capi/gbf"
	"github.com/banshee-data/capitrack/internal/monitoring"
	"github.com/banshee-data/capitrack/internal/pose"
	"github.com/banshee-data/capitrack/internal/transport"
	"github.com/banshee-data/capitrack/internal/wire"
)

func init() { monitoring.Mute() }

func asciiReply(body string) []byte {
	crc := capi.HexUint16(capi.CRC16([]byte(body)))
	return []byte(body + crc + "\r")
}

func binaryReply(payload []byte) []byte {
	var b wire.Builder
	b.PutUint(0xA5C4, 2)
	b.PutUint(uint32(len(payload)), 2)
	b.PutUint(uint32(capi.CRC16(b.Bytes())), 2)
	b.PutBytes(payload)
	b.PutUint(uint32(capi.CRC16(payload)), 2)
	return b.Bytes()
}

// trackingPayload encodes one frame item carrying a 6D component for handle
// 0x0A whose Tx equals the frame number, so snapshot tests can correlate.
func trackingPayload(t *testing.T, n uint32, handles ...int) []byte {
	t.Helper()
	if len(handles) == 0 {
		handles = []int{0x0A}
	}
	tools := make([]gbf.Tool6D, 0, len(handles))
	for _, h := range handles {
		tools = append(tools, gbf.Tool6D{
			Handle: uint16(h),
			Pose:   pose.Pose{Q0: 1, Tx: float64(n)},
		})
	}
	inner := gbf.Payload{Version: 1, Components: []gbf.DataComponent{{Type: gbf.Type6D, Tools: tools}}}
	outer := gbf.Payload{Version: 1, Components: []gbf.DataComponent{{
		Type:   gbf.TypeFrame,
		Frames: []gbf.FrameItem{{Kind: gbf.FramePassive, Number: n, Payload: inner}},
	}}}
	data, err := gbf.Encode(outer)
	require.NoError(t, err)
	return data
}

// newDevice wires a mock connection to a scripted device with one passive
// tool on handle 0x0A. Frame numbers increment per fetch.
func newDevice(t *testing.T) (*transport.MockConnection, *atomic.Uint32) {
	t.Helper()
	conn := transport.NewMockConnection()
	var frameNo atomic.Uint32
	conn.Responder = func(sent []byte) []byte {
		cmd := strings.TrimSuffix(string(sent), "\r")
		switch {
		case cmd == "PHSR 01":
			return asciiReply("00")
		case cmd == "PHSR 02":
			return asciiReply("010A002")
		case cmd == "PHSR 03":
			return asciiReply("010A004")
		case strings.HasPrefix(cmd, "INIT"),
			strings.HasPrefix(cmd, "PINIT"),
			strings.HasPrefix(cmd, "PENA"),
			strings.HasPrefix(cmd, "PHF"),
			strings.HasPrefix(cmd, "TSTART"),
			strings.HasPrefix(cmd, "TSTOP"),
			strings.HasPrefix(cmd, "STREAM"):
			return asciiReply("OKAY")
		case strings.HasPrefix(cmd, "USTREAM"):
			return nil
		case strings.HasPrefix(cmd, "BX2"):
			return binaryReply(trackingPayload(t, frameNo.Add(1)))
		case strings.HasPrefix(cmd, "BEEP"):
			return asciiReply("1")
		case strings.HasPrefix(cmd, "GET "):
			return asciiReply("Param.X=12")
		}
		return asciiReply("ERROR01")
	}
	return conn, &frameNo
}

func newTestSession(t *testing.T, conn transport.Connection) *Session {
	t.Helper()
	s, err := NewSession(Options{Conn: conn, CommandTimeout: time.Second})
	require.NoError(t, err)
	return s
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	conn.ConnectErrs = []error{
		errors.New("port busy"),
		errors.New("port busy"),
		nil,
	}
	s := newTestSession(t, conn)

	require.NoError(t, s.Connect())
	assert.Equal(t, Connected, s.State())
	assert.NoError(t, s.Err())
}

func TestConnectExhaustsRetries(t *testing.T) {
	t.Parallel()

	conn := transport.NewMockConnection()
	boom := errors.New("no route")
	conn.ConnectErrs = []error{boom, boom, boom}
	s := newTestSession(t, conn)

	err := s.Connect()
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Idle, s.State())
}

func TestInitializeRequiresConnected(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)

	var uerr *capi.UseError
	require.ErrorAs(t, s.Initialize(), &uerr)
}

func TestInitializeProvisionsTools(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())

	assert.Equal(t, Initialized, s.State())
	snap := s.Snapshot()
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, 0x0A, snap.Tools[0].Handle)
	assert.True(t, snap.Tools[0].Pose.Missing)

	sent := conn.SentCommands()
	assert.Contains(t, sent, "INIT ")
	assert.Contains(t, sent, "PINIT 0A")
	assert.Contains(t, sent, "PENA 0AD")
}

func TestTrackingLifecycle(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.Frame > 0 && !snap.Tools[0].Pose.Missing
	}, 2*time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	assert.InDelta(t, float64(snap.Frame), snap.Tools[0].Pose.Tx, 1e-6)

	require.NoError(t, s.StopTracking())
	assert.False(t, s.Tracking())
	assert.Contains(t, conn.SentCommands(), "TSTOP ")

	// stopping again is a no-op
	require.NoError(t, s.StopTracking())
}

func TestStartTrackingGates(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())

	var uerr *capi.UseError
	require.ErrorAs(t, s.StartTracking(), &uerr)

	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())
	defer s.StopTracking()

	require.ErrorAs(t, s.StartTracking(), &uerr)
}

func TestStartRecordingGates(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	sink := &captureSink{}

	var uerr *capi.UseError
	require.ErrorAs(t, s.StartRecording(sink), &uerr, "recording requires tracking")

	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.ErrorAs(t, s.StartRecording(sink), &uerr)
}

func TestRecordingFeedsSink(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())
	defer s.StopTracking()

	sink := &captureSink{}
	require.NoError(t, s.StartRecording(sink))
	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.StopRecording())
	assert.True(t, sink.ended())
	assert.Len(t, sink.began, 1)
}

func TestConcurrentStopTracking(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())

	// a sink whose final flush takes long enough for a second stop to
	// slip in between the tracking check and the poll-loop shutdown
	require.NoError(t, s.StartRecording(&slowEndSink{delay: 100 * time.Millisecond}))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 30 * time.Millisecond)
			assert.NoError(t, s.StopTracking())
		}()
	}
	wg.Wait()
	assert.False(t, s.Tracking())
}

type slowEndSink struct {
	delay time.Duration
}

func (s *slowEndSink) Begin([]Tool) error { return nil }

func (s *slowEndSink) Record(Snapshot) error { return nil }

func (s *slowEndSink) End() error {
	time.Sleep(s.delay)
	return nil
}

func TestDisconnectStopsTracking(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())

	require.NoError(t, s.Disconnect())
	assert.Equal(t, Idle, s.State())
	assert.False(t, s.Tracking())
	assert.False(t, conn.Connected())
	assert.Contains(t, conn.SentCommands(), "TSTOP ")
}

func TestExecuteRefusedWhileStreaming(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())
	defer s.StopTracking()

	require.NoError(t, s.StartStreaming())
	_, err := s.Execute("GET Param.X")
	var uerr *capi.UseError
	require.ErrorAs(t, err, &uerr)

	require.NoError(t, s.StopStreaming())
	assert.Contains(t, conn.SentCommands(), "USTREAM BX2 --6d=tools --3d=all")
}

func TestMarkerErrorsIndexToolMarkers(t *testing.T) {
	t.Parallel()

	s, err := NewSession(Options{Conn: transport.NewMockConnection()})
	require.NoError(t, err)
	snap := s.fromComponents(gbf.Payload{Components: []gbf.DataComponent{
		{Type: gbf.Type6D, Tools: []gbf.Tool6D{{Handle: 0x0A}}},
		{Type: gbf.Type3DError, MarkerErrors: []gbf.ToolMarkerErrors{{
			Handle: 0x0A,
			Errors: []gbf.MarkerError{{Index: 2, Error: 0.5}, {Index: 0, Error: 0.25}},
		}}},
	}})

	require.Len(t, snap.Tools, 1)
	assert.Equal(t, []float64{0.25, 0, 0.5}, snap.Tools[0].MarkerErrors)
}

func TestStreamingRefusedOnLegacyProfile(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s, err := NewSession(Options{
		Conn:    conn,
		Profile: ProfileLegacy,
	})
	require.NoError(t, err)
	var uerr *capi.UseError
	require.ErrorAs(t, s.StartStreaming(), &uerr)
}

func TestStreamingConsumesPushedFrames(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())
	defer s.StopTracking()
	require.NoError(t, s.StartStreaming())

	// pushed frames arrive without a request
	conn.QueueReply(binaryReply(trackingPayload(t, 500)))
	conn.QueueReply(binaryReply(trackingPayload(t, 501)))

	require.Eventually(t, func() bool { return s.Snapshot().Frame >= 501 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.StopStreaming())
}

func TestPauseSkipsFetching(t *testing.T) {
	t.Parallel()

	conn, frameNo := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())
	defer s.StopTracking()

	require.Eventually(t, func() bool { return frameNo.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Pause())

	// drain the fetch already in flight, then the counter must hold still
	time.Sleep(100 * time.Millisecond)
	before := frameNo.Load()
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, frameNo.Load(), before+1)

	require.NoError(t, s.Unpause())
	require.Eventually(t, func() bool { return frameNo.Load() > before+1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPollFailurePublishesError(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	inner := conn.Responder
	var failing atomic.Bool
	conn.Responder = func(sent []byte) []byte {
		if failing.Load() && strings.HasPrefix(string(sent), "BX2") {
			return asciiReply("ERROR0C")
		}
		return inner(sent)
	}

	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())

	var mu sync.Mutex
	var events []Event
	s.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	require.NoError(t, s.StartTracking())
	defer s.StopTracking()

	// the device starts rejecting fetches
	failing.Store(true)

	require.Eventually(t, func() bool { return s.Err() != nil }, 2*time.Second, 5*time.Millisecond)

	var perr *capi.ProtocolError
	require.ErrorAs(t, s.Err(), &perr)
	assert.Equal(t, "0C", perr.Status.Code)

	mu.Lock()
	defer mu.Unlock()
	var sawError bool
	for _, e := range events {
		if e.Kind == EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

// Snapshot readers must never observe a half-applied update: every tool in
// one snapshot was written by the same frame.
func TestSnapshotConsistencyUnderLoad(t *testing.T) {
	t.Parallel()

	conn := transport.NewMockConnection()
	var frameNo atomic.Uint32
	conn.Responder = func(sent []byte) []byte {
		cmd := strings.TrimSuffix(string(sent), "\r")
		switch {
		case cmd == "PHSR 01":
			return asciiReply("00")
		case cmd == "PHSR 02":
			return asciiReply("020100202002")
		case cmd == "PHSR 03":
			return asciiReply("020100402004")
		case strings.HasPrefix(cmd, "BX2"):
			return binaryReply(trackingPayload(t, frameNo.Add(1), 1, 2))
		}
		return asciiReply("OKAY")
	}

	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.StartTracking())
	defer s.StopTracking()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				if len(snap.Tools) != 2 {
					t.Errorf("snapshot with %d tools", len(snap.Tools))
					return
				}
				if snap.Tools[0].Pose.Missing != snap.Tools[1].Pose.Missing {
					t.Error("tools from different frames in one snapshot")
					return
				}
				if !snap.Tools[0].Pose.Missing && snap.Tools[0].Pose.Tx != snap.Tools[1].Pose.Tx {
					t.Errorf("mixed frame data: %v vs %v", snap.Tools[0].Pose.Tx, snap.Tools[1].Pose.Tx)
					return
				}
			}
		}()
	}

	require.Eventually(t, func() bool { return frameNo.Load() > 50 }, 5*time.Second, 5*time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestFetchesParameters(t *testing.T) {
	t.Parallel()

	conn, _ := newDevice(t)
	s := newTestSession(t, conn)
	require.NoError(t, s.Connect())

	params, err := s.GetParameters("Param.X")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Param.X": "12"}, params)
}

type captureSink struct {
	mu    sync.Mutex
	began [][]Tool
	snaps []Snapshot
	done  bool
}

func (c *captureSink) Begin(tools []Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.began = append(c.began, tools)
	return nil
}

func (c *captureSink) Record(snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
	return nil
}

func (c *captureSink) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func (c *captureSink) ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
