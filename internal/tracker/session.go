package tracker

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/capitrack/internal/capi"
	"github.com/banshee-data/capitrack/internal/monitoring"
	"github.com/banshee-data/capitrack/internal/registry"
	"github.com/banshee-data/capitrack/internal/transport"
)

// Session owns one device connection and its state machine. All methods are
// safe for concurrent use; command exchanges are serialized on an internal
// lock so at most one command is in flight.
type Session struct {
	opts   Options
	conn   transport.Connection
	reader *capi.FrameReader
	dec    capi.Decoder
	reg    *registry.Registry

	// commMu serializes every request/response exchange on the
	// connection. While streaming, the poll loop holds it per fetch and
	// foreground commands are refused instead of queued.
	commMu sync.Mutex

	mu        sync.Mutex
	state     State
	tracking  bool
	streaming bool
	paused    bool
	recording bool
	lastErr   error
	sink      Sink

	snapMu sync.RWMutex
	snap   Snapshot

	listenMu  sync.Mutex
	listeners map[string]func(Event)
	watchers  map[string]func(Snapshot)

	stop chan struct{}
	done chan struct{}
}

// NewSession builds a session over opts.Conn. The connection is not opened
// until Connect.
func NewSession(opts Options) (*Session, error) {
	if opts.Conn == nil {
		return nil, &capi.UseError{Op: "session", Reason: "no connection configured"}
	}
	opts.Normalize()
	return &Session{
		opts:      opts,
		conn:      opts.Conn,
		reader:    capi.NewFrameReader(opts.Conn),
		dec:       opts.Decoder,
		reg:       registry.New(opts.Decoder),
		listeners: make(map[string]func(Event)),
		watchers:  make(map[string]func(Snapshot)),
	}, nil
}

// State reports the connection stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tracking reports whether the poll loop is running.
func (s *Session) Tracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracking
}

// Streaming reports whether the device is pushing frames.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Recording reports whether a sink is being fed.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Err returns the last error captured by the poll loop, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Registry exposes the port-handle registry for provisioning beyond what
// Initialize does, such as loading wireless tool definitions.
func (s *Session) Registry() *registry.Registry { return s.reg }

// Snapshot returns a deep copy of the latest tracking state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap.clone()
}

// Subscribe registers a lifecycle event listener and returns its
// registration ID.
func (s *Session) Subscribe(fn func(Event)) string {
	id := listenerID()
	s.listenMu.Lock()
	s.listeners[id] = fn
	s.listenMu.Unlock()
	return id
}

// Unsubscribe removes a listener registered with Subscribe.
func (s *Session) Unsubscribe(id string) {
	s.listenMu.Lock()
	delete(s.listeners, id)
	s.listenMu.Unlock()
}

// Watch registers a data listener invoked with a snapshot copy after every
// successfully decoded frame.
func (s *Session) Watch(fn func(Snapshot)) string {
	id := listenerID()
	s.listenMu.Lock()
	s.watchers[id] = fn
	s.listenMu.Unlock()
	return id
}

// Unwatch removes a listener registered with Watch.
func (s *Session) Unwatch(id string) {
	s.listenMu.Lock()
	delete(s.watchers, id)
	s.listenMu.Unlock()
}

func listenerID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Session) publish(e Event) {
	s.listenMu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (s *Session) publishData(snap Snapshot) {
	s.listenMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.listenMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Connect opens the connection, retrying transport failures up to the
// configured attempt count.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return &capi.UseError{Op: "connect", Reason: "already connected"}
	}
	s.mu.Unlock()

	s.publish(Event{Kind: EventConnecting, Message: s.conn.String()})
	var err error
	for attempt := 1; attempt <= s.opts.ConnectAttempts; attempt++ {
		if err = s.conn.Connect(); err == nil {
			break
		}
		monitoring.Log().Warn().Err(err).Int("attempt", attempt).
			Str("target", s.conn.String()).Msg("connect failed")
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.conn.String(), err)
	}

	s.mu.Lock()
	s.state = Connected
	s.lastErr = nil
	s.mu.Unlock()
	s.publish(Event{Kind: EventConnected, Message: s.conn.String()})
	return nil
}

// Initialize sends the system init command and provisions every allocated
// port handle. On any failure the session stays Connected.
func (s *Session) Initialize() error {
	if st := s.State(); st != Connected {
		return &capi.UseError{Op: "initialize", Reason: fmt.Sprintf("requires connected state, session is %s", st)}
	}

	if err := s.command("INIT ", s.dec.OKAYWarn); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if len(s.opts.WiredDefinitions) > 0 {
		if err := s.reg.LoadWired(commander{s}, s.opts.WiredDefinitions); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}
	if err := s.reg.Provision(commander{s}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// one snapshot entry per enabled handle, poses missing until the
	// first frame arrives
	tools := make([]Tool, 0)
	for _, d := range s.reg.Enabled() {
		tools = append(tools, newTool(d.ID))
	}
	s.snapMu.Lock()
	s.snap = Snapshot{Tools: tools, Time: time.Now()}
	s.snapMu.Unlock()

	s.mu.Lock()
	s.state = Initialized
	s.mu.Unlock()
	s.publish(Event{Kind: EventInitialized, Message: fmt.Sprintf("%d tools enabled", len(tools))})
	return nil
}

// StartTracking sends the tracking start command and launches the poll
// loop.
func (s *Session) StartTracking() error {
	s.mu.Lock()
	if s.state != Initialized {
		st := s.state
		s.mu.Unlock()
		return &capi.UseError{Op: "start tracking", Reason: fmt.Sprintf("requires initialized state, session is %s", st)}
	}
	if s.tracking {
		s.mu.Unlock()
		return &capi.UseError{Op: "start tracking", Reason: "already tracking"}
	}
	s.mu.Unlock()

	if err := s.command("TSTART ", s.dec.OKAYWarn); err != nil {
		return fmt.Errorf("start tracking: %w", err)
	}

	s.mu.Lock()
	s.tracking = true
	s.paused = false
	s.lastErr = nil
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.poll()
	s.publish(Event{Kind: EventTrackingStarted})
	return nil
}

// Pause suspends frame fetching without stopping the poll loop.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracking {
		return &capi.UseError{Op: "pause", Reason: "not tracking"}
	}
	s.paused = true
	return nil
}

// Unpause resumes frame fetching.
func (s *Session) Unpause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracking {
		return &capi.UseError{Op: "unpause", Reason: "not tracking"}
	}
	s.paused = false
	return nil
}

// StartStreaming asks the device to push frames continuously. The poll loop
// switches from request/response fetching to consuming pushed frames, and
// foreground commands are refused until StopStreaming.
func (s *Session) StartStreaming() error {
	if s.opts.Profile == ProfileLegacy {
		return &capi.UseError{Op: "start streaming", Reason: "not supported by legacy-protocol devices"}
	}
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		return &capi.UseError{Op: "start streaming", Reason: "not tracking"}
	}
	if s.streaming {
		s.mu.Unlock()
		return &capi.UseError{Op: "start streaming", Reason: "already streaming"}
	}
	s.mu.Unlock()

	if err := s.command("STREAM "+s.opts.FetchCommand, s.dec.OKAYWarn); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	s.mu.Lock()
	s.streaming = true
	s.mu.Unlock()
	s.publish(Event{Kind: EventStreamingStarted})
	return nil
}

// StopStreaming asks the device to stop pushing frames. The stop command is
// sent without waiting for its reply, which may arrive interleaved with
// already-queued pushed frames; the poll loop discards it.
func (s *Session) StopStreaming() error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return &capi.UseError{Op: "stop streaming", Reason: "not streaming"}
	}
	s.mu.Unlock()

	s.commMu.Lock()
	err := s.conn.Send(capi.FormatCommand("USTREAM " + s.opts.FetchCommand))
	s.commMu.Unlock()
	if err != nil {
		return fmt.Errorf("stop streaming: %w", err)
	}
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	s.publish(Event{Kind: EventStreamingStopped})
	return nil
}

// StartRecording begins feeding snapshots to sink on every decoded frame.
// Requires active tracking and at least one tool.
func (s *Session) StartRecording(sink Sink) error {
	if sink == nil {
		return &capi.UseError{Op: "start recording", Reason: "no sink"}
	}
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		return &capi.UseError{Op: "start recording", Reason: "not tracking"}
	}
	if s.recording {
		s.mu.Unlock()
		return &capi.UseError{Op: "start recording", Reason: "already recording"}
	}
	s.mu.Unlock()

	snap := s.Snapshot()
	if len(snap.Tools) == 0 {
		return &capi.UseError{Op: "start recording", Reason: "no tools tracked"}
	}
	if err := sink.Begin(snap.Tools); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}

	s.mu.Lock()
	s.sink = sink
	s.recording = true
	s.mu.Unlock()
	s.publish(Event{Kind: EventRecordingStarted})
	return nil
}

// StopRecording closes out the sink. Safe to call when not recording.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return nil
	}
	sink := s.sink
	s.recording = false
	s.sink = nil
	s.mu.Unlock()

	err := sink.End()
	s.publish(Event{Kind: EventRecordingStopped})
	return err
}

// StopTracking stops recording and streaming, joins the poll loop, then
// sends the device stop command. Calling it while not tracking is a no-op.
func (s *Session) StopTracking() error {
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		return nil
	}
	streaming := s.streaming
	s.mu.Unlock()

	if err := s.StopRecording(); err != nil {
		monitoring.Log().Warn().Err(err).Msg("closing recording sink")
	}
	if streaming {
		if err := s.StopStreaming(); err != nil {
			monitoring.Log().Warn().Err(err).Msg("stopping stream")
		}
	}

	// re-check under the lock: a concurrent stop may have won while the
	// sink was flushing above, and the stop channel closes exactly once
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		return nil
	}
	s.tracking = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	close(stop)
	<-done

	if err := s.command("TSTOP ", s.dec.OKAYWarn); err != nil {
		return fmt.Errorf("stop tracking: %w", err)
	}
	s.publish(Event{Kind: EventTrackingStopped})
	return nil
}

// Disconnect stops tracking if active, closes the connection and returns
// the session to Idle.
func (s *Session) Disconnect() error {
	if err := s.StopTracking(); err != nil {
		monitoring.Log().Warn().Err(err).Msg("stopping tracking on disconnect")
	}
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return nil
	}
	s.state = Idle
	s.mu.Unlock()

	err := s.conn.Close()
	s.publish(Event{Kind: EventDisconnected})
	return err
}

// Reset issues a hard reset, via the serial break when the transport
// supports one, and re-initializes if the session was initialized.
func (s *Session) Reset() error {
	if st := s.State(); st == Idle {
		return &capi.UseError{Op: "reset", Reason: "not connected"}
	}
	wasInitialized := s.State() == Initialized

	if err := s.StopTracking(); err != nil {
		monitoring.Log().Warn().Err(err).Msg("stopping tracking before reset")
	}

	s.commMu.Lock()
	var err error
	if br, ok := s.conn.(transport.Breaker); ok {
		err = br.Break()
	} else {
		err = s.conn.Send(capi.FormatCommand("RESET 0"))
	}
	var f *capi.Frame
	if err == nil {
		f, err = s.awaitReply()
	}
	s.commMu.Unlock()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	reply, err := s.dec.RESET(f)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if reply.Status.IsError() {
		return &capi.ProtocolError{Command: "RESET", Status: reply.Status}
	}

	s.reg.Clear()
	s.snapMu.Lock()
	s.snap = Snapshot{}
	s.snapMu.Unlock()
	s.mu.Lock()
	s.state = Connected
	s.mu.Unlock()
	s.publish(Event{Kind: EventReset})

	if wasInitialized {
		return s.Initialize()
	}
	return nil
}

// Beep sounds the device beeper n times (1..9).
func (s *Session) Beep(n int) error {
	if n < 1 || n > 9 {
		return &capi.UseError{Op: "beep", Reason: "count must be 1..9"}
	}
	f, err := s.Execute(fmt.Sprintf("BEEP %d", n))
	if err != nil {
		return err
	}
	reply, err := s.dec.BEEP(f)
	if err != nil {
		return err
	}
	if reply.Status.IsError() {
		return &capi.ProtocolError{Command: "BEEP", Status: reply.Status}
	}
	return nil
}

// GetParameters fetches one or more device parameters. Names may use the
// device's wildcard syntax.
func (s *Session) GetParameters(name string) (map[string]string, error) {
	cmd := "GET " + name
	f, err := s.Execute(cmd)
	if err != nil {
		return nil, err
	}
	params, reply, err := s.dec.Parameters(f, cmd)
	if err != nil {
		return nil, err
	}
	if reply.Status.IsError() {
		return nil, &capi.ProtocolError{Command: cmd, Status: reply.Status}
	}
	return params, nil
}

// SetParameter writes one device parameter.
func (s *Session) SetParameter(name, value string) error {
	cmd := fmt.Sprintf("SET %s=%s", name, value)
	return s.command(cmd, s.dec.OKAYWarn)
}

// Version fetches device version information for the given VER option.
func (s *Session) Version(option int) (map[string]string, error) {
	f, err := s.Execute(fmt.Sprintf("VER %d", option))
	if err != nil {
		return nil, err
	}
	info, reply, err := s.dec.VER(f, option)
	if err != nil {
		return nil, err
	}
	if reply.Status.IsError() {
		return nil, &capi.ProtocolError{Command: "VER", Status: reply.Status}
	}
	return info, nil
}

// Execute sends one command and returns the raw reply frame. Refused while
// streaming, since the stream owns the read side of the connection.
func (s *Session) Execute(cmd string) (*capi.Frame, error) {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	if s.streaming {
		s.mu.Unlock()
		return nil, &capi.UseError{Op: cmd, Reason: "commands unavailable while streaming"}
	}
	s.mu.Unlock()
	return s.exchange(cmd)
}

// command runs Execute and folds the reply through decode, surfacing device
// errors as ProtocolError.
func (s *Session) command(cmd string, decode func(*capi.Frame, string) (capi.Reply, error)) error {
	f, err := s.Execute(cmd)
	if err != nil {
		return err
	}
	reply, err := decode(f, cmd)
	if err != nil {
		return err
	}
	if reply.Status.IsError() {
		return &capi.ProtocolError{Command: cmd, Status: reply.Status}
	}
	if reply.Status.IsWarning() {
		monitoring.Log().Warn().Str("command", cmd).Str("status", reply.Status.String()).
			Msg("device warning")
	}
	return nil
}

// exchange performs one raw request/response under the communication lock.
func (s *Session) exchange(cmd string) (*capi.Frame, error) {
	s.commMu.Lock()
	defer s.commMu.Unlock()
	if err := s.conn.Send(capi.FormatCommand(cmd)); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	f, err := s.awaitReply()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return f, nil
}

// awaitReply reads the next frame, retrying idle timeouts until the command
// timeout elapses. Callers hold commMu.
func (s *Session) awaitReply() (*capi.Frame, error) {
	deadline := time.Now().Add(s.opts.CommandTimeout)
	for {
		f, err := s.reader.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, transport.ErrTimeout) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no reply within %s: %w", s.opts.CommandTimeout, transport.ErrTimeout)
		}
	}
}

// commander adapts the session's exchange for registry provisioning, which
// runs before tracking starts and so never races the poll loop.
type commander struct{ s *Session }

func (c commander) Execute(cmd string) (*capi.Frame, error) { return c.s.exchange(cmd) }
