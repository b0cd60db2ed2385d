package conversation

import (
	"fmt"
	"time"
)

// Phase is where the conversation loop currently is.
type Phase int32

const (
	Idle Phase = iota
	Listening
	Processing
	Speaking
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// PhaseChange describes one transition.
type PhaseChange struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
}

var validTransitions = map[Phase][]Phase{
	Idle:       {Listening},
	Listening:  {Processing, Idle},
	Processing: {Speaking, Listening, Idle},
	Speaking:   {Listening, Idle},
}

func transitionValid(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid phase transition attempt.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid phase transition from " + e.From.String() + " to " + e.To.String()
}
