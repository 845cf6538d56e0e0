package device

import (
	"sync"
	"time"
)

// stubReply is one scripted Receive outcome.
type stubReply struct {
	data []byte
	err  error
}

// StubLink is an in-memory Link for tests. Replies are scripted in the
// exact order the controller will read them; each Receive consumes one.
// Sent payloads and Clear calls are recorded for assertion.
type StubLink struct {
	mu      sync.Mutex
	replies []stubReply

	// Sent records every payload written, in order.
	Sent [][]byte
	// Clears counts buffer-clear calls.
	Clears int
	// Closed reports whether Close was called.
	Closed bool
	// SendErr, when set, fails every Send.
	SendErr error
}

var _ Link = (*StubLink)(nil)

// NewStubLink creates an empty scripted link.
func NewStubLink() *StubLink {
	return &StubLink{}
}

// QueueReply scripts a successful Receive returning data.
func (s *StubLink) QueueReply(data ...byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, stubReply{data: data})
}

// QueueTimeout scripts a Receive that times out.
func (s *StubLink) QueueTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, stubReply{err: NewLinkError("read", ErrTimeout)})
}

// QueueErr scripts a Receive failing with err.
func (s *StubLink) QueueErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, stubReply{err: err})
}

// Send records the payload.
func (s *StubLink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return NewLinkError("write", ErrClosed)
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.Sent = append(s.Sent, cp)
	return nil
}

// Receive pops the next scripted reply. Running out of script counts as
// a timeout, which matches a silent device.
func (s *StubLink) Receive(n int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return nil, NewLinkError("read", ErrClosed)
	}
	if len(s.replies) == 0 {
		return nil, NewLinkError("read", ErrTimeout)
	}

	reply := s.replies[0]
	s.replies = s.replies[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	if len(reply.data) != n {
		// A short scripted frame behaves like a partial read.
		return nil, NewLinkError("read", ErrTimeout)
	}
	return reply.data, nil
}

// Clear records the call. Scripted replies stay queued so tests control
// exactly what each read sees.
func (s *StubLink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return NewLinkError("clear", ErrClosed)
	}
	s.Clears++
	return nil
}

// Close marks the link closed.
func (s *StubLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Pending reports how many scripted replies remain unconsumed.
func (s *StubLink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}
