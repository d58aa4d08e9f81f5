package peerlock

import "github.com/pkg/errors"

// ErrNoQuorum is returned by Acquire when the active peer set is empty of
// peers that could still grant access: either no peer was believed alive at
// request time, or every remaining peer failed while the request was
// pending. The condition is local and retryable.
var ErrNoQuorum = errors.New("no active peers remain to form a quorum")

// ErrNotIdle is returned by Acquire while a previous acquisition is still
// pending or held. A peer has at most one outstanding request.
var ErrNotIdle = errors.New("peer is not idle")

// ErrNotHeld is returned by Release when the peer does not hold the critical
// section, typically because the access deadline already forced an exit.
var ErrNotHeld = errors.New("peer does not hold the critical section")

// ErrStopped is returned from a pending Acquire when Stop is called.
var ErrStopped = errors.New("peer stopped")

// ErrNotStarted is returned by Acquire before Start has completed.
var ErrNotStarted = errors.New("peer not started")
