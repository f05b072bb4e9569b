package network

// ReceivePhase is the position of the frame read state machine.
type ReceivePhase int

const (
	// PhaseIdle means no read is outstanding; the next tick may begin a frame.
	PhaseIdle ReceivePhase = iota
	// PhaseReceiving means a frame is partially accumulated.
	PhaseReceiving
)

func (p ReceivePhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// FrameState tracks accumulation of one fixed-size frame across any number of
// partial reads. accumulated never exceeds target.
type FrameState struct {
	inProgress  bool
	accumulated int
	target      int
}

// NewFrameState returns an idle state for frames of target bytes.
func NewFrameState(target int) FrameState {
	return FrameState{target: target}
}

// Begin starts a new frame at offset zero.
func (s *FrameState) Begin() {
	s.inProgress = true
	s.accumulated = 0
}

// Next returns the buffer window the next read must fill.
func (s *FrameState) Next() (offset, length int) {
	return s.accumulated, s.target - s.accumulated
}

// Advance records n freshly read bytes and reports whether the frame is now
// complete. Reaching or passing target completes the frame; bytes past the
// target are treated as boundary slack and not carried over. On completion
// the state returns to idle with zero bytes accumulated. Non-positive n and
// calls outside a frame are ignored.
func (s *FrameState) Advance(n int) bool {
	if !s.inProgress || n <= 0 {
		return false
	}
	if s.accumulated+n >= s.target {
		s.accumulated = 0
		s.inProgress = false
		return true
	}
	s.accumulated += n
	return false
}

// Abort drops a partially received frame.
func (s *FrameState) Abort() {
	s.inProgress = false
	s.accumulated = 0
}

// InProgress reports whether a frame is being accumulated.
func (s *FrameState) InProgress() bool { return s.inProgress }

// Accumulated returns the bytes gathered for the current frame.
func (s *FrameState) Accumulated() int { return s.accumulated }

// Target returns the frame size.
func (s *FrameState) Target() int { return s.target }

// Phase maps the state onto the read state machine.
func (s *FrameState) Phase() ReceivePhase {
	if s.inProgress {
		return PhaseReceiving
	}
	return PhaseIdle
}
