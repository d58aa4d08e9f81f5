package peerlock

import "fmt"

// csState is the peer's position relative to the distributed critical
// section. It is a small finite state machine with the following transitions:
//
// Idle   → Wanted  (local request for the resource)
// Wanted → Held    (grant received from every active peer)
// Wanted → Idle    (request aborted: no quorum, cancellation, stop)
// Held   → Idle    (voluntary release, access deadline, or stop)
type csState string

const (
	// csIdle means the peer is outside the critical section and not trying
	// to enter it.
	csIdle csState = "idle"
	// csWanted means the peer has an outstanding request and is collecting
	// grants from the active peer set.
	csWanted csState = "wanted"
	// csHeld means the peer is inside the critical section.
	csHeld csState = "held"
)

var validTransitions = map[csState][]csState{
	csIdle: {
		csWanted,
	},
	csWanted: {
		csHeld,
		csIdle,
	},
	csHeld: {
		csIdle,
	},
}

func (s *csState) canTransitionTo(state csState) error {
	for _, target := range validTransitions[*s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *csState) transitionTo(state csState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
