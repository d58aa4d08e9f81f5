package peerlock

import (
	"time"

	"k8s.io/utils/clock"
)

// deadlineKind names the expectation a deadline guards. Only reply
// expectations exist today; heartbeats are unacknowledged, so silence there
// is caught by the liveness sweep instead.
type deadlineKind string

const deadlineReply deadlineKind = "awaiting-reply"

type deadlineKey struct {
	peer string
	kind deadlineKind
}

// deadlineEntry is one armed deadline. The generation number distinguishes
// this arming from any earlier arming of the same key, so a stale expiry
// callback cannot claim a deadline armed after it fired.
type deadlineEntry struct {
	timer clock.Timer
	gen   uint64
}

// deadlineSet attaches a deadline to every outstanding per-peer expectation.
// Arming replaces any previous deadline for the same (peer, kind); expiry
// hands the key and its generation back to the callback exactly once, and a
// deadline that was disarmed before its callback ran is never reported.
//
// deadlineSet is not self-locking; arm, disarm and take are called under the
// owning Peer's lock. Expiry callbacks are invoked on a fresh goroutine, so
// they can take that lock themselves, and must call take with their
// generation to claim the expiry before acting on it.
type deadlineSet struct {
	clk    clock.WithTickerAndDelayedExecution
	gen    uint64
	timers map[deadlineKey]deadlineEntry
}

func newDeadlineSet(clk clock.WithTickerAndDelayedExecution) *deadlineSet {
	return &deadlineSet{
		clk:    clk,
		timers: make(map[deadlineKey]deadlineEntry),
	}
}

// arm schedules onExpiry to run after d unless the deadline is disarmed
// first. The callback runs on its own goroutine; clock implementations may
// invoke AfterFunc callbacks while holding internal locks, so no clock or
// peer state is touched inline.
func (s *deadlineSet) arm(peer string, kind deadlineKind, d time.Duration, onExpiry func(peer string, kind deadlineKind, gen uint64)) {
	s.disarm(peer, kind)
	s.gen++
	gen := s.gen
	s.timers[deadlineKey{peer, kind}] = deadlineEntry{
		timer: s.clk.AfterFunc(d, func() {
			go onExpiry(peer, kind, gen)
		}),
		gen: gen,
	}
}

// disarm cancels the deadline for (peer, kind), reporting whether one was
// armed.
func (s *deadlineSet) disarm(peer string, kind deadlineKind) bool {
	key := deadlineKey{peer, kind}
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// take claims an expiry: it reports whether the arming that produced gen is
// still in force and removes it. An expiry callback whose take returns false
// lost a race with disarm, or with a disarm-then-rearm of the same key, and
// must do nothing either way.
func (s *deadlineSet) take(peer string, kind deadlineKind, gen uint64) bool {
	key := deadlineKey{peer, kind}
	e, ok := s.timers[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.timers, key)
	return true
}

// disarmPeer cancels every deadline armed against peer.
func (s *deadlineSet) disarmPeer(peer string) {
	for key, e := range s.timers {
		if key.peer == peer {
			e.timer.Stop()
			delete(s.timers, key)
		}
	}
}

// disarmKind cancels every deadline of the given kind.
func (s *deadlineSet) disarmKind(kind deadlineKind) {
	for key, e := range s.timers {
		if key.kind == kind {
			e.timer.Stop()
			delete(s.timers, key)
		}
	}
}

func (s *deadlineSet) stopAll() {
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
}
