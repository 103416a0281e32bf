package transport

import (
	"sync"
)

// MockConnection is a scripted Connection for tests. Replies are queued as
// byte runs and served to Recv in order; when the queue is empty Recv
// reports ErrTimeout, matching a quiet device. A Responder can be installed
// to answer sent commands, which is how session-level tests script a device.
type MockConnection struct {
	mu        sync.Mutex
	connected bool
	pending   []byte
	sent      [][]byte

	// Responder, when set, is called with each payload passed to Send and
	// its return value is appended to the pending reply bytes.
	Responder func(sent []byte) []byte

	// ConnectErrs is popped on each Connect call, letting tests script
	// transient connect failures.
	ConnectErrs []error
}

// NewMockConnection returns a disconnected mock.
func NewMockConnection() *MockConnection {
	return &MockConnection{}
}

func (m *MockConnection) String() string { return "mock" }

func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ConnectErrs) > 0 {
		err := m.ConnectErrs[0]
		m.ConnectErrs = m.ConnectErrs[1:]
		if err != nil {
			return err
		}
	}
	m.connected = true
	return nil
}

func (m *MockConnection) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockConnection) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.sent = append(m.sent, cp)
	if m.Responder != nil {
		m.pending = append(m.pending, m.Responder(cp)...)
	}
	return nil
}

func (m *MockConnection) Recv(max int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	if len(m.pending) == 0 {
		return nil, ErrTimeout
	}
	n := max
	if n > len(m.pending) {
		n = len(m.pending)
	}
	out := make([]byte, n)
	copy(out, m.pending[:n])
	m.pending = m.pending[n:]
	return out, nil
}

// QueueReply appends bytes to be served by subsequent Recv calls.
func (m *MockConnection) QueueReply(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, data...)
}

// Sent returns copies of every payload passed to Send, in order.
func (m *MockConnection) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentCommands returns the sent payloads as strings with the trailing CR
// stripped, which is the shape session tests assert against.
func (m *MockConnection) SentCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		cmd := string(s)
		if len(cmd) > 0 && cmd[len(cmd)-1] == '\r' {
			cmd = cmd[:len(cmd)-1]
		}
		out = append(out, cmd)
	}
	return out
}
