package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialOptions describes the serial connection parameters used when opening
// a port. Zero values fall back to the device defaults (9600 8N1).
type SerialOptions struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`

	// ReadTimeout bounds each Recv call. Defaults to 250ms.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Normalize validates the options and applies defaults for unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	switch opts.Parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 250 * time.Millisecond
	}
	return opts, nil
}

// Mode converts the options into the serial.Mode required by go.bug.st/serial.
func (o SerialOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.StopBits(opts.StopBits),
	}
	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Serial is a Connection over a serial port. On connect it asserts a line
// break and drains the device's reset banner, matching the power-on handshake
// the hardware expects.
type Serial struct {
	path string
	opts SerialOptions
	port serial.Port
}

// NewSerial returns an unopened serial connection for the port at path.
func NewSerial(path string, opts SerialOptions) *Serial {
	return &Serial{path: path, opts: opts}
}

func (s *Serial) String() string { return s.path }

func (s *Serial) Connect() error {
	if s.port != nil {
		return nil
	}
	opts, err := s.opts.Normalize()
	if err != nil {
		return err
	}
	mode, err := opts.Mode()
	if err != nil {
		return err
	}
	port, err := serial.Open(s.path, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", s.path, err)
	}
	s.port = port
	s.opts = opts

	// hard-reset the device and swallow its reset banner
	if err := s.Break(); err != nil {
		s.Close()
		return err
	}
	s.port.Read(make([]byte, 64))
	return nil
}

func (s *Serial) Connected() bool { return s.port != nil }

func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) Send(data []byte) error {
	if s.port == nil {
		return ErrNotConnected
	}
	n, err := s.port.Write(data)
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if n != len(data) {
		return fmt.Errorf("write %s: short write (%d of %d bytes)", s.path, n, len(data))
	}
	return nil
}

func (s *Serial) Recv(max int) ([]byte, error) {
	if s.port == nil {
		return nil, ErrNotConnected
	}
	buf := make([]byte, max)
	n, err := s.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if n == 0 {
		// go.bug.st/serial reports a read timeout as a zero-length read
		return nil, ErrTimeout
	}
	return buf[:n], nil
}

// Break asserts the serial break line for 250ms.
func (s *Serial) Break() error {
	if s.port == nil {
		return ErrNotConnected
	}
	if err := s.port.Break(250 * time.Millisecond); err != nil {
		return fmt.Errorf("serial break %s: %w", s.path, err)
	}
	return nil
}
