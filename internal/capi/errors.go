package capi

import "fmt"

// UseError reports an operation invoked in the wrong session state, such as
// starting a recording before tracking has started.
type UseError struct {
	Op     string
	Reason string
}

func (e *UseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// FramingError reports a malformed or oversized reply frame. It is fatal for
// that read attempt but not for the session.
type FramingError struct {
	Reason string
	Head   []byte // first bytes of the discarded accumulation, for diagnostics
}

func (e *FramingError) Error() string {
	if len(e.Head) == 0 {
		return fmt.Sprintf("framing: %s", e.Reason)
	}
	return fmt.Sprintf("framing: %s (head % X)", e.Reason, e.Head)
}

// ProtocolError reports an explicit ERROR status returned by the device. It
// is a recoverable result, not a transport fault; the command that produced
// it is preserved for context.
type ProtocolError struct {
	Command string
	Status  Status
}

func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Status)
}
