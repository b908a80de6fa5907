package session

import (
	"errors"
	"fmt"
	"time"
)

// State is the conversation phase of a Session.
type State int

const (
	StateInitializing State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cause says why a transition is requested. Interrupts and degradations may
// take short-circuit edges that a normal transition may not.
type Cause int

const (
	CauseNormal Cause = iota
	CauseInterrupt
	CauseDegrade
)

func (c Cause) String() string {
	switch c {
	case CauseInterrupt:
		return "interrupt"
	case CauseDegrade:
		return "degrade"
	default:
		return "normal"
	}
}

var (
	// ErrIllegalTransition is returned for an edge outside the state table.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrStaleEpoch is returned when a transition names an epoch that an interrupt has already superseded.
	ErrStaleEpoch = errors.New("stale epoch")
)

var normalEdges = map[State]State{
	StateInitializing: StateSpeaking,
	StateListening:    StateProcessing,
	StateProcessing:   StateSpeaking,
	StateSpeaking:     StateListening,
}

// CanTransition reports whether from→to is a legal edge for cause.
func CanTransition(from, to State, cause Cause) bool {
	switch cause {
	case CauseInterrupt:
		return to == StateListening
	case CauseDegrade:
		return to == StateListening && from != StateListening
	default:
		next, ok := normalEdges[from]
		return ok && next == to
	}
}

// Snapshot is a point-in-time view of a Session, handed to observers.
type Snapshot struct {
	SessionID    string
	ConnectionID string
	InterviewID  string
	SampleRate   int
	StartedAt    time.Time
	State        State
	Epoch        uint64
	Seq          uint64 // increases with every snapshot of a session
	Cause        Cause
}
