package broker

import (
	"context"
	"fmt"
	"sync"
)

// SessionState is the broker lifecycle position.
type SessionState string

const (
	StateUninitialized SessionState = "UNINITIALIZED"
	StateInitialized   SessionState = "INITIALIZED"
	StateServing       SessionState = "SERVING"
	StateClosing       SessionState = "CLOSING"
	StateClosed        SessionState = "CLOSED"
)

// Session guards the protocol state machine and the in-flight scan bound.
// Before initialize every method but initialize is rejected; during
// shutdown new work is rejected while running scans drain.
type Session struct {
	mu       sync.Mutex
	state    SessionState
	client   Implementation
	inFlight int
	maxScans int
	drained  chan struct{}
	freed    chan struct{} // closed and replaced whenever a slot frees
}

func NewSession(maxScans int) *Session {
	if maxScans < 1 {
		maxScans = 1
	}
	return &Session{
		state:    StateUninitialized,
		maxScans: maxScans,
		drained:  make(chan struct{}),
		freed:    make(chan struct{}),
	}
}

// State returns the current lifecycle position.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize performs the handshake transition. A second initialize is an
// invalid request.
func (s *Session) Initialize(client Implementation) *Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return &Error{Code: CodeInvalidRequest, Message: "session already initialized"}
	}
	s.state = StateInitialized
	s.client = client
	return nil
}

// Serve moves an initialized session into normal operation. The client's
// initialized notification triggers it.
func (s *Session) Serve() {
	s.mu.Lock()
	if s.state == StateInitialized {
		s.state = StateServing
	}
	s.mu.Unlock()
}

// CheckReady gates non-handshake methods.
func (s *Session) CheckReady() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninitialized:
		return &Error{Code: CodeNotInitialized, Message: "initialize required before other methods"}
	case StateClosing, StateClosed:
		return &Error{Code: CodeShuttingDown, Message: "broker is shutting down"}
	default:
		return nil
	}
}

// AcquireScan admits one tools/call under the parallel bound.
func (s *Session) AcquireScan() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninitialized:
		return &Error{Code: CodeNotInitialized, Message: "initialize required before other methods"}
	case StateClosing, StateClosed:
		return &Error{Code: CodeShuttingDown, Message: "broker is shutting down"}
	}
	if s.inFlight >= s.maxScans {
		return &Error{
			Code:    CodeBusy,
			Message: fmt.Sprintf("scan capacity exhausted (%d in flight)", s.inFlight),
		}
	}
	s.inFlight++
	return nil
}

// AwaitScan admits one tools/call, waiting for a free slot instead of
// rejecting. It returns once a slot is held, shutdown begins, or ctx ends.
func (s *Session) AwaitScan(ctx context.Context) *Error {
	for {
		s.mu.Lock()
		switch s.state {
		case StateUninitialized:
			s.mu.Unlock()
			return &Error{Code: CodeNotInitialized, Message: "initialize required before other methods"}
		case StateClosing, StateClosed:
			s.mu.Unlock()
			return &Error{Code: CodeShuttingDown, Message: "broker is shutting down"}
		}
		if s.inFlight < s.maxScans {
			s.inFlight++
			s.mu.Unlock()
			return nil
		}
		wait := s.freed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return &Error{Code: CodeInternalError, Message: "request canceled while queued"}
		}
	}
}

// ReleaseScan completes an admitted tools/call and wakes queued waiters.
func (s *Session) ReleaseScan() {
	s.mu.Lock()
	s.inFlight--
	if s.inFlight == 0 && s.state == StateClosing {
		close(s.drained)
	}
	close(s.freed)
	s.freed = make(chan struct{})
	s.mu.Unlock()
}

// BeginShutdown moves to CLOSING and returns a channel that closes once all
// in-flight scans have drained.
func (s *Session) BeginShutdown() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return s.drained
	}
	s.state = StateClosing
	if s.inFlight == 0 {
		close(s.drained)
	}
	// Queued waiters re-check state and bail out.
	close(s.freed)
	s.freed = make(chan struct{})
	return s.drained
}

// Close finishes the lifecycle.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// InFlight reports the number of admitted scans.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
