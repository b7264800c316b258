package stream

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// SerialConfig mirrors the fields the teacher parses out of its
// "port:baud:bits:parity:stopbits" path string in OpenSerial, as an
// explicit struct instead of a colon-delimited path a caller has to
// format correctly.
type SerialConfig struct {
	Port     string
	Baud     int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultSerialConfig returns the teacher's OpenSerial defaults
// (9600-8-N-1).
func DefaultSerialConfig(port string) SerialConfig {
	return SerialConfig{
		Port:     port,
		Baud:     9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// SerialStream is a Stream backed by a physical or virtual serial port,
// grounded on the teacher's SerialComm/OpenSerial/ReadSerial/WriteSerial/
// StateSerial, now wired to go.bug.st/serial instead of the teacher's
// OS-conditional cgo serial binding.
type SerialStream struct {
	mu   sync.Mutex
	port serial.Port
	err  error
}

// OpenSerial opens a serial port, the teacher's OpenSerial.
func OpenSerial(cfg SerialConfig) (*SerialStream, error) {
	if _, err := validBaud(cfg.Baud); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("stream: open serial %s: %w", cfg.Port, err)
	}
	return &SerialStream{port: p}, nil
}

// validBaud checks the rate against the teacher's supported bitrate table
// (OpenSerial's sort.SearchInts against a fixed 300..921600 ladder).
func validBaud(baud int) (int, error) {
	rates := []int{300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}
	for _, r := range rates {
		if r == baud {
			return baud, nil
		}
	}
	return 0, fmt.Errorf("stream: bitrate error (%d)", baud)
}

func (s *SerialStream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.port.Read(buf)
	s.err = err
	return n, err
}

func (s *SerialStream) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.port.Write(buf)
	s.err = err
	return n, err
}

func (s *SerialStream) Close() error {
	return s.port.Close()
}

// State mirrors the teacher's StateSerial: -1 on the last I/O error's
// presence, 2 (connected) otherwise.
func (s *SerialStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return StateError
	}
	return StateConnected
}

func (s *SerialStream) StatEx() string {
	st := s.State()
	if st == StateClosed {
		return "serial:\n  state   = 0\n"
	}
	return fmt.Sprintf("serial:\n  state   = %d\n", st)
}
