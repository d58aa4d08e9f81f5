package peerlock

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acquireLone drives a lonePeer through a full grant by playing the replies
// of its three silent neighbours.
func acquireLone(t *testing.T, a *Peer) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Acquire(testCtx(t)) }()
	awaitState(t, a, csWanted)
	a.ReceiveReply("PeerB", 10)
	a.ReceiveReply("PeerC", 11)
	a.ReceiveReply("PeerD", 12)
	require.NoError(t, <-done)
	require.Equal(t, csHeld, stateOf(a))
}

// A holder that overstays the access deadline is evicted; a later Release
// reports that the section is already gone.
func TestForcedReleaseOnDeadline(t *testing.T) {
	a, _, fc := lonePeer(t, WithMaxAccessDuration(5*time.Second))
	acquireLone(t, a)

	fc.Step(5 * time.Second)

	awaitState(t, a, csIdle)
	require.Equal(t, ErrNotHeld, a.Release())
}

// A forced release flushes the deferred queue exactly like a voluntary one.
func TestForcedReleaseFlushesDeferred(t *testing.T) {
	a, net, fc := lonePeer(t, WithMaxAccessDuration(5*time.Second))
	acquireLone(t, a)

	a.ReceiveRequest("PeerD", 100)
	awaitSent(t, net, memEndpoint("PeerD"), KindDefer, 1)

	fc.Step(5 * time.Second)

	awaitState(t, a, csIdle)
	awaitSent(t, net, memEndpoint("PeerD"), KindReply, 1)
}

// A voluntary release before the deadline stops the access timer; the stale
// deadline must not fire into a later occupancy.
func TestStaleAccessDeadlineIgnored(t *testing.T) {
	a, _, fc := lonePeer(t, WithMaxAccessDuration(5*time.Second))

	acquireLone(t, a)
	require.NoError(t, a.Release())

	// Second occupancy starts a fresh deadline.
	acquireLone(t, a)
	fc.Step(4 * time.Second)
	assert.Equal(t, csHeld, stateOf(a))

	fc.Step(time.Second)
	awaitState(t, a, csIdle)
}

func TestHoldContextCancelledOnRelease(t *testing.T) {
	a, _, _ := lonePeer(t)
	acquireLone(t, a)

	ctx := a.HoldContext()
	select {
	case <-ctx.Done():
		t.Fatal("hold context cancelled while still held")
	default:
	}

	require.NoError(t, a.Release())
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hold context not cancelled on release")
	}
}

func TestHoldContextWhenNotHeld(t *testing.T) {
	a, _, _ := lonePeer(t)

	select {
	case <-a.HoldContext().Done():
	default:
		t.Fatal("idle peer returned a live hold context")
	}
}

func TestReleaseWhenIdle(t *testing.T) {
	a, _, _ := lonePeer(t)
	require.Equal(t, ErrNotHeld, a.Release())
}

func TestExclusiveRunsWhileHeld(t *testing.T) {
	a, _, _ := lonePeer(t)

	done := make(chan error, 1)
	ran := make(chan struct{})
	go func() {
		done <- a.Exclusive(testCtx(t), func(ctx context.Context) error {
			close(ran)
			if stateOf(a) != csHeld {
				return errors.New("fn ran outside the critical section")
			}
			return nil
		})
	}()

	awaitState(t, a, csWanted)
	a.ReceiveReply("PeerB", 10)
	a.ReceiveReply("PeerC", 11)
	a.ReceiveReply("PeerD", 12)

	<-ran
	require.NoError(t, <-done)
	assert.Equal(t, csIdle, stateOf(a))
}

func TestExclusivePropagatesFnError(t *testing.T) {
	a, _, _ := lonePeer(t)

	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- a.Exclusive(testCtx(t), func(context.Context) error { return boom })
	}()

	awaitState(t, a, csWanted)
	a.ReceiveReply("PeerB", 10)
	a.ReceiveReply("PeerC", 11)
	a.ReceiveReply("PeerD", 12)

	require.Equal(t, boom, <-done)
	assert.Equal(t, csIdle, stateOf(a))
}

// When the deadline evicts the holder mid-fn, fn sees its context cancelled
// and Exclusive does not treat the lost section as an error of its own.
func TestExclusiveSurvivesForcedRelease(t *testing.T) {
	a, _, fc := lonePeer(t, WithMaxAccessDuration(5*time.Second))

	done := make(chan error, 1)
	entered := make(chan struct{})
	go func() {
		done <- a.Exclusive(testCtx(t), func(ctx context.Context) error {
			close(entered)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Second):
				return errors.New("never evicted")
			}
		})
	}()

	awaitState(t, a, csWanted)
	a.ReceiveReply("PeerB", 10)
	a.ReceiveReply("PeerC", 11)
	a.ReceiveReply("PeerD", 12)
	<-entered

	fc.Step(5 * time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, csIdle, stateOf(a))
}
