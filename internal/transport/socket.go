package transport

import (
	"fmt"
	"net"
	"time"
)

const (
	dialTimeout        = 5 * time.Second
	defaultReadTimeout = 250 * time.Millisecond
)

// Socket is a Connection over TCP. Reads use a short deadline so the poll
// loop can observe a stop request between frames.
type Socket struct {
	host        string
	port        int
	readTimeout time.Duration
	conn        net.Conn
}

// NewSocket returns an unopened TCP connection to host:port.
func NewSocket(host string, port int) *Socket {
	return &Socket{host: host, port: port, readTimeout: defaultReadTimeout}
}

func (s *Socket) String() string {
	return net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
}

// Connect dials the device once. Bounded retries belong to the session,
// which owns the attempt budget.
func (s *Socket) Connect() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", s.String(), dialTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.String(), err)
	}
	s.conn = conn
	return nil
}

func (s *Socket) Connected() bool { return s.conn != nil }

func (s *Socket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Socket) Send(data []byte) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", s.String(), err)
	}
	return nil
}

func (s *Socket) Recv(max int) ([]byte, error) {
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, max)
	n, err := s.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read %s: %w", s.String(), err)
	}
	return buf[:n], nil
}

// UDPListener receives datagrams pushed by a device, used for discovery and
// for streamed data published to a known port. It satisfies Connection; Send
// is not supported.
type UDPListener struct {
	port int
	conn *net.UDPConn
}

// NewUDPListener returns an unopened listener bound to the given local port.
func NewUDPListener(port int) *UDPListener {
	return &UDPListener{port: port}
}

func (u *UDPListener) String() string { return fmt.Sprintf("udp:%d", u.port) }

func (u *UDPListener) Connect() error {
	if u.conn != nil {
		return nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: u.port})
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", u.port, err)
	}
	u.conn = conn
	return nil
}

func (u *UDPListener) Connected() bool { return u.conn != nil }

// Addr returns the bound local address, nil before Connect. With port 0 the
// kernel picks the port, which tests rely on.
func (u *UDPListener) Addr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDPListener) Close() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *UDPListener) Send([]byte) error {
	return fmt.Errorf("%s: send not supported on a UDP listener", u.String())
}

func (u *UDPListener) Recv(max int) ([]byte, error) {
	if u.conn == nil {
		return nil, ErrNotConnected
	}
	// discovery traffic is sparse; a longer timeout than TCP streaming
	if err := u.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		return nil, err
	}
	buf := make([]byte, max)
	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read %s: %w", u.String(), err)
	}
	return buf[:n], nil
}
