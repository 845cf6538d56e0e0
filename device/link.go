package device

import (
	"sync"
	"time"

	"go.bug.st/serial"
)

// Link is the byte transport beneath the controller. It is deliberately
// small so tests can substitute a scripted in-memory implementation.
//
// Receive reads exactly n bytes or fails; a deadline that expires with a
// partial read returns ErrTimeout and the partial bytes are discarded.
type Link interface {
	// Send writes the full payload to the device.
	Send(payload []byte) error
	// Receive reads exactly n bytes within the timeout.
	Receive(n int, timeout time.Duration) ([]byte, error)
	// Clear discards any buffered unread bytes in both directions.
	Clear() error
	// Close releases the transport. Subsequent calls fail with ErrClosed.
	Close() error
}

// SerialLink is the production Link over a serial port.
type SerialLink struct {
	mu     sync.Mutex
	port   serial.Port
	closed bool
}

var _ Link = (*SerialLink)(nil)

// OpenSerial opens the named serial port at the given baud rate.
func OpenSerial(portName string, baud int) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, NewLinkError("open", err)
	}
	return &SerialLink{port: port}, nil
}

// Send writes the full payload to the port.
func (l *SerialLink) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return NewLinkError("write", ErrClosed)
	}

	for written := 0; written < len(payload); {
		n, err := l.port.Write(payload[written:])
		if err != nil {
			return NewLinkError("write", err)
		}
		written += n
	}
	return nil
}

// Receive reads exactly n bytes, waiting up to the timeout for all of
// them to arrive. On timeout any partial bytes are discarded and
// ErrTimeout is returned; the caller must never see a short frame.
func (l *SerialLink) Receive(n int, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, NewLinkError("read", ErrClosed)
	}

	buf := make([]byte, n)
	deadline := time.Now().Add(timeout)
	for got := 0; got < n; {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, NewLinkError("read", ErrTimeout)
		}
		if err := l.port.SetReadTimeout(remaining); err != nil {
			return nil, NewLinkError("read", err)
		}

		r, err := l.port.Read(buf[got:])
		if err != nil {
			return nil, NewLinkError("read", err)
		}
		if r == 0 {
			// Timeout expired inside the driver.
			return nil, NewLinkError("read", ErrTimeout)
		}
		got += r
	}
	return buf, nil
}

// Clear discards pending bytes in both driver buffers. Used before every
// command exchange so stale replies cannot be mistaken for fresh ones.
func (l *SerialLink) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return NewLinkError("clear", ErrClosed)
	}
	if err := l.port.ResetInputBuffer(); err != nil {
		return NewLinkError("clear", err)
	}
	if err := l.port.ResetOutputBuffer(); err != nil {
		return NewLinkError("clear", err)
	}
	return nil
}

// Close releases the port. Safe to call more than once.
func (l *SerialLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.port.Close(); err != nil {
		return NewLinkError("close", err)
	}
	return nil
}
