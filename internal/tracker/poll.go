package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/capitrack/internal/capi"
	"github.com/banshee-data/capitrack/internal/capi/bx"
	"github.com/banshee-data/capitrack/internal/capi/gbf"
	"github.com/banshee-data/capitrack/internal/monitoring"
	"github.com/banshee-data/capitrack/internal/pose"
	"github.com/banshee-data/capitrack/internal/transport"
)

func newTool(handle int) Tool {
	return Tool{Handle: handle, Pose: pose.MissingPose()}
}

// poll is the background frame loop. It is the only snapshot writer.
// Failures are captured as the session error and published, never
// propagated; the loop keeps running until stopped.
func (s *Session) poll() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.mu.Lock()
		paused, streaming := s.paused, s.streaming
		s.mu.Unlock()
		if paused {
			time.Sleep(s.opts.PollRestDelay)
			continue
		}

		var (
			f   *capi.Frame
			err error
		)
		if streaming {
			f, err = s.nextStreamed()
		} else {
			f, err = s.exchange(s.opts.FetchCommand)
		}
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err == nil {
			err = s.apply(f)
		}
		if err != nil {
			s.fail(err)
			time.Sleep(s.opts.PollRestDelay)
		}
	}
}

// nextStreamed reads one pushed frame. The communication lock is still
// taken per read so a stop-stream command cannot interleave with a frame in
// progress.
func (s *Session) nextStreamed() (*capi.Frame, error) {
	s.commMu.Lock()
	defer s.commMu.Unlock()
	return s.reader.Next()
}

// fail records a poll failure and publishes it.
func (s *Session) fail(err error) {
	monitoring.Log().Error().Err(err).Msg("poll loop failure")
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.publish(Event{Kind: EventError, Message: err.Error()})
}

// apply decodes one tracking frame and replaces the snapshot.
func (s *Session) apply(f *capi.Frame) error {
	if f.Kind == capi.FrameASCII {
		// an ASCII frame during tracking is either a rejected fetch or a
		// late stop-stream acknowledgement; decode for the error, discard
		// the rest
		reply, err := s.dec.OKAYWarn(f, s.opts.FetchCommand)
		if err != nil {
			return err
		}
		if reply.Status.IsError() {
			return &capi.ProtocolError{Command: s.opts.FetchCommand, Status: reply.Status}
		}
		return nil
	}

	reply, err := s.dec.Binary(f, s.opts.FetchCommand)
	if err != nil {
		return err
	}
	if reply.Status.IsError() {
		return &capi.ProtocolError{Command: s.opts.FetchCommand, Status: reply.Status}
	}

	var next Snapshot
	if s.opts.Profile == ProfileLegacy {
		frame, err := bx.Decode(f.Payload, s.opts.LegacyOptions)
		if err != nil {
			return fmt.Errorf("decode legacy frame: %w", err)
		}
		next = s.fromLegacy(frame)
	} else {
		payload, err := gbf.Decode(f.Payload)
		if err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		next = s.fromComponents(payload)
	}
	next.Time = time.Now()

	s.snapMu.Lock()
	s.snap = next
	s.snapMu.Unlock()

	s.mu.Lock()
	recording, sink := s.recording, s.sink
	s.mu.Unlock()
	if recording && sink != nil {
		if err := sink.Record(next.clone()); err != nil {
			return fmt.Errorf("record frame: %w", err)
		}
	}
	s.publishData(next.clone())
	return nil
}

// fromComponents maps a decoded component tree onto a snapshot. Tools the
// frame does not mention stay present with missing poses so consumers see a
// stable tool list.
func (s *Session) fromComponents(p gbf.Payload) Snapshot {
	next := s.carryTools()
	s.applyComponents(&next, p)
	return next
}

func (s *Session) applyComponents(next *Snapshot, p gbf.Payload) {
	for _, comp := range p.Components {
		switch comp.Type {
		case gbf.TypeFrame:
			for _, item := range comp.Frames {
				if item.Number > next.Frame {
					next.Frame = item.Number
				}
				s.applyComponents(next, item.Payload)
			}
		case gbf.Type6D:
			for _, t := range comp.Tools {
				tool := findTool(next, int(t.Handle))
				tool.Pose = t.Pose
				tool.Status = uint32(t.Status)
				tool.FrameNumber = next.Frame
			}
		case gbf.Type3D:
			for _, tm := range comp.ToolMarkers {
				positions := make([]pose.Position, 0, len(tm.Markers))
				for _, m := range tm.Markers {
					positions = append(positions, m.Position)
				}
				if tm.Handle == gbf.StrayHandle {
					next.Strays = append(next.Strays, positions...)
					continue
				}
				findTool(next, int(tm.Handle)).Markers = positions
			}
		case gbf.Type3DError:
			for _, me := range comp.MarkerErrors {
				tool := findTool(next, int(me.Handle))
				errs := make([]float64, 0, len(me.Errors))
				for _, e := range me.Errors {
					for int(e.Index) >= len(errs) {
						errs = append(errs, 0)
					}
					errs[e.Index] = e.Error
				}
				tool.MarkerErrors = errs
			}
		case gbf.TypeAlert:
			for _, a := range comp.Alerts {
				monitoring.Log().Warn().Str("kind", a.Kind.String()).
					Uint16("code", a.Code).Msg("device alert")
			}
		}
	}
}

// fromLegacy maps a legacy option-bitmask frame onto a snapshot.
func (s *Session) fromLegacy(f bx.Frame) Snapshot {
	next := s.carryTools()
	for _, h := range f.Handles {
		if h.Status == bx.HandleDisabled {
			continue
		}
		tool := findTool(&next, int(h.ID))
		tool.Pose = h.Pose
		tool.Status = h.PortStatus
		tool.FrameNumber = h.FrameNumber
		if h.FrameNumber > next.Frame {
			next.Frame = h.FrameNumber
		}
		if len(h.Markers) > 0 {
			tool.Markers = append([]pose.Position(nil), h.Markers...)
		}
	}
	next.Strays = append([]pose.Position(nil), f.Strays.Positions...)
	next.SystemStatus = f.SystemStatus
	return next
}

// carryTools starts a fresh snapshot containing every known tool with a
// missing pose and no markers.
func (s *Session) carryTools() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	next := Snapshot{Frame: s.snap.Frame, Tools: make([]Tool, 0, len(s.snap.Tools))}
	for _, t := range s.snap.Tools {
		next.Tools = append(next.Tools, newTool(t.Handle))
	}
	return next
}

// findTool returns the snapshot entry for handle, adding one for handles
// the device reports that initialization never saw.
func findTool(snap *Snapshot, handle int) *Tool {
	for i := range snap.Tools {
		if snap.Tools[i].Handle == handle {
			return &snap.Tools[i]
		}
	}
	snap.Tools = append(snap.Tools, newTool(handle))
	return &snap.Tools[len(snap.Tools)-1]
}
