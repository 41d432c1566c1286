package cardio

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// Port is the byte transport under a Session. The real implementation wraps
// an RS-232 device; tests inject an in-memory fake.
type Port interface {
	// Open (re)establishes the link. Called again after a fault.
	Open() error
	// Read blocks until at least one byte is available or the link fails.
	Read(p []byte) (int, error)
	// Write sends the whole buffer or fails.
	Write(p []byte) (int, error)
	Close() error
}

// SerialPort adapts a go.bug.st/serial device to Port. The Cardio2e panel
// talks 9600 8N1.
type SerialPort struct {
	name string
	mode *serial.Mode

	mu   sync.Mutex
	port serial.Port
}

// NewSerialPort prepares a serial Port; the device is not touched until Open.
func NewSerialPort(name string, baudRate int) *SerialPort {
	return &SerialPort{
		name: name,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
}

func (s *SerialPort) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	port, err := serial.Open(s.name, s.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.name, err)
	}
	s.port = port
	return nil
}

func (s *SerialPort) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, fmt.Errorf("serial port %s not open", s.name)
	}
	return s.port, nil
}

func (s *SerialPort) Read(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (s *SerialPort) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Write(p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, fmt.Errorf("short write to %s: %d of %d bytes", s.name, n, len(p))
	}
	return n, nil
}

func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
