package peerlock

import "context"

// enterLocked admits this peer to the critical section: quorum is in, the
// state becomes Held, the occupancy deadline is armed and the waiting
// Acquire call is released. The hold sequence ties the access timer to this
// particular occupancy so a stale timer from an earlier one cannot fire into
// a later hold.
func (p *Peer) enterLocked() {
	p.mustTransitionLocked(csHeld)
	p.pending = nil
	p.deadlines.disarmKind(deadlineReply)
	p.holdSeq++
	seq := p.holdSeq
	p.holdCtx, p.holdCancel = context.WithCancel(context.Background())
	p.accessTimer = p.clk.AfterFunc(p.maxAccessDuration, func() {
		go p.onAccessDeadline(seq)
	})
	p.l.Info("entered critical section", "ts", p.reqTS, "deadline", p.maxAccessDuration)
	p.waitC <- nil
}

// onAccessDeadline forcibly releases the critical section when the holder
// overstays the maximum access duration. From the protocol's point of view
// this is indistinguishable from a voluntary release.
func (p *Peer) onAccessDeadline(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != csHeld || p.holdSeq != seq {
		return
	}
	p.l.Warn("access deadline expired, forcing release")
	p.exitLocked("deadline")
}

// Release voluntarily exits the critical section, granting every deferred
// request. It returns ErrNotHeld when the peer no longer holds the section,
// which after a successful Acquire means the access deadline got there
// first.
func (p *Peer) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != csHeld {
		return ErrNotHeld
	}
	p.exitLocked("voluntary")
	return nil
}

func (p *Peer) exitLocked(reason string) {
	if p.accessTimer != nil {
		p.accessTimer.Stop()
		p.accessTimer = nil
	}
	if p.holdCancel != nil {
		p.holdCancel()
		p.holdCancel = nil
	}
	p.mustTransitionLocked(csIdle)
	p.l.Info("exited critical section", "reason", reason)
	p.flushDeferredLocked()
}

// HoldContext returns a context that is cancelled when the current occupancy
// ends, voluntarily or by deadline. It is only meaningful between a
// successful Acquire and the matching exit; at any other time it returns an
// already-cancelled context.
func (p *Peer) HoldContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != csHeld || p.holdCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return p.holdCtx
}

// Exclusive runs fn inside the distributed critical section. The context
// passed to fn is cancelled when the occupancy ends, so fn can observe a
// forced release; the release itself does not wait for fn to finish, the
// occupancy bound is the process-level guarantee.
func (p *Peer) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	err := fn(p.HoldContext())
	if relErr := p.Release(); relErr != nil && relErr != ErrNotHeld {
		// ErrNotHeld just means the deadline released us mid-fn.
		return relErr
	}
	return err
}
