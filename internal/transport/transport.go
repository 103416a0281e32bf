// Package transport provides the connection layer between the protocol
// engine and a tracking device. Devices are reachable over a serial port or
// a TCP socket; both expose the same Connection interface so the engine does
// not care which transport carries the bytes.
package transport

import (
	"errors"
	"fmt"
)

// ErrTimeout reports that a read returned no data within the transport's
// read timeout. The frame reader treats this as "no data yet" when idle and
// retries transparently when mid-frame.
var ErrTimeout = errors.New("transport: read timed out")

// ErrNotConnected reports an operation on a closed connection.
var ErrNotConnected = errors.New("transport: not connected")

// Connection is a bidirectional byte stream to a tracking device.
type Connection interface {
	// Connect opens the connection. Calling Connect on an open connection
	// is a no-op.
	Connect() error
	// Connected reports whether the connection is open.
	Connected() bool
	// Send writes data to the device.
	Send(data []byte) error
	// Recv reads up to max bytes. A read that produces no data within the
	// transport's timeout returns ErrTimeout.
	Recv(max int) ([]byte, error)
	// Close closes the connection. Closing a closed connection is a no-op.
	Close() error

	fmt.Stringer
}

// Breaker is implemented by connections that can assert a hardware line
// break, used to hard-reset serial-attached devices.
type Breaker interface {
	Break() error
}
