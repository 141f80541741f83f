package script

import (
	"bytes"
	"sync"
)

// Sink captures a process's combined output up to a byte cap and yields
// exactly one terminal outcome. Bytes past the cap are dropped at the
// boundary of each written chunk, never buffered.
type Sink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	cancelled bool
	settled   bool
	kill      func()
}

func NewSink(limit int) *Sink {
	return &Sink{limit: limit}
}

// Write implements io.Writer. It always reports the full chunk as
// consumed so the child never sees a short write.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.limit - s.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	s.buf.Write(chunk)
	return len(p), nil
}

// OnKill registers the function delivering the kill signal to the child.
func (s *Sink) OnKill(kill func()) {
	s.mu.Lock()
	s.kill = kill
	s.mu.Unlock()
}

// Cancel marks the pending outcome as timed out and kills the child.
// Once Resolve sealed the outcome, Cancel does nothing: a timer firing
// after a natural exit neither flips the status nor signals a process
// group that may already be recycled.
func (s *Sink) Cancel() {
	s.mu.Lock()
	if s.cancelled || s.settled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	kill := s.kill
	s.mu.Unlock()

	if kill != nil {
		kill()
	}
}

// Cancelled reports whether Cancel was requested.
func (s *Sink) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Resolve produces the terminal outcome once the process exited:
// TimedOut with the partial buffer when cancellation was requested,
// Succeeded with the full buffer otherwise. It seals the outcome,
// any Cancel arriving later is ignored.
func (s *Sink) Resolve() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settled = true
	out := append([]byte(nil), s.buf.Bytes()...)
	if s.cancelled {
		return Outcome{Status: StatusTimedOut, Output: out}
	}
	return Outcome{Status: StatusSucceeded, Output: out}
}
