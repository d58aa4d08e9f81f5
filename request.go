package peerlock

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Acquire requests entry to the distributed critical section and blocks
// until every currently active peer has granted it, the active set shrinks
// below usefulness (ErrNoQuorum), or ctx is done. On success the peer is in
// the Held state and the caller must Release it; a grant that races a
// cancellation is kept, so a nil return always means the caller owns the
// section.
//
// Only remote-call handling blocks on the internal lock while Acquire waits;
// incoming requests and heartbeats remain fully responsive.
func (p *Peer) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.state != csIdle {
		p.mu.Unlock()
		return ErrNotIdle
	}
	recipients := p.view.snapshot()
	if len(recipients) == 0 {
		p.mu.Unlock()
		return ErrNoQuorum
	}

	p.mustTransitionLocked(csWanted)
	ts := p.lam.tick()
	p.reqTS = ts
	p.pending = make(map[string]struct{}, len(recipients))
	p.waitC = make(chan error, 1)
	waitC := p.waitC
	for _, rp := range recipients {
		p.pending[rp.name] = struct{}{}
		p.deadlines.arm(rp.name, deadlineReply, p.replyTimeout, p.onReplyDeadline)
	}
	p.l.Info("requesting critical section", "ts", ts, "awaiting", len(recipients))
	p.mu.Unlock()

	// Unicast the request to every recipient concurrently. A peer that
	// cannot be reached at all is marked failed right away rather than
	// waiting out its reply deadline.
	g, gctx := errgroup.WithContext(ctx)
	for _, rp := range recipients {
		rp := rp
		g.Go(func() error {
			if err := p.send(gctx, rp.endpoint, KindRequest, ts); err != nil {
				p.l.Warn("request undeliverable", "to", rp.name, "err", err)
				p.peerFailed(rp.name, "unreachable")
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case err := <-waitC:
		return err
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case err := <-waitC:
			// Decided while we were cancelling; honor the outcome.
			p.mu.Unlock()
			return err
		default:
		}
		p.abortWaitLocked()
		p.mu.Unlock()
		return ctx.Err()
	}
}

// ReceiveRequest handles a critical-section request from another peer. The
// request itself is proof the sender is alive: its lastSeen is refreshed
// before the grant-or-defer decision, and (policy permitting) a sender that
// had been declared failed is re-admitted to the active set.
func (p *Peer) ReceiveRequest(sender string, seq uint64) {
	p.mu.Lock()
	p.lam.observe(seq)
	rp := p.view.lookup(sender)
	if rp == nil && p.readmitOnRequest {
		if rp = p.view.readmit(sender, p.clk.Now()); rp != nil {
			p.l.Info("re-admitted peer on request", "name", sender)
		}
	}
	if rp == nil {
		p.l.Debug("request from inactive peer ignored", "name", sender)
		p.mu.Unlock()
		return
	}
	rp.lastSeen = p.clk.Now()

	incoming := Timestamp{Seq: seq, Name: sender}
	deferIt := p.state == csHeld || (p.state == csWanted && p.reqTS.Less(incoming))
	answer := KindReply
	if deferIt {
		p.deferred = append(p.deferred, incoming)
		answer = KindDefer
	}
	ts := p.lam.tick()
	endpoint := rp.endpoint
	p.l.Debug("request decided", "from", sender, "incoming", incoming, "answer", answer, "state", p.state)
	p.mu.Unlock()

	p.sendAnswerAsync(sender, endpoint, answer, ts)
}

// ReceiveReply handles a grant for this peer's pending request.
func (p *Peer) ReceiveReply(sender string, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lam.observe(seq)
	if rp := p.view.lookup(sender); rp != nil {
		rp.lastSeen = p.clk.Now()
	}
	if p.state != csWanted {
		return
	}
	if _, awaited := p.pending[sender]; !awaited {
		return
	}
	delete(p.pending, sender)
	p.deadlines.disarm(sender, deadlineReply)
	p.l.Debug("grant received", "from", sender, "awaiting", len(p.pending))
	p.recheckQuorumLocked()
}

// ReceiveDefer handles a deferral notice: the sender queued our request
// instead of granting it. The notice proves the sender is alive, so its
// reply deadline is disarmed; should the sender die before flushing its
// queue, the liveness sweep removes it and the quorum recount takes over.
func (p *Peer) ReceiveDefer(sender string, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lam.observe(seq)
	if rp := p.view.lookup(sender); rp != nil {
		rp.lastSeen = p.clk.Now()
	}
	if p.state != csWanted {
		return
	}
	if _, awaited := p.pending[sender]; awaited {
		p.deadlines.disarm(sender, deadlineReply)
		p.l.Debug("request deferred by peer", "by", sender)
	}
}

// onReplyDeadline fires when a peer missed its reply deadline. Losing the
// race against a concurrent disarm, or against a disarm and a re-arm for a
// later request, is normal; take decides the winner by generation.
func (p *Peer) onReplyDeadline(peer string, kind deadlineKind, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.deadlines.take(peer, kind, gen) {
		return
	}
	p.l.Warn("reply deadline expired", "peer", peer)
	p.peerFailedLocked(peer, "reply timeout")
}

// peerFailed marks a peer failed from outside the lock.
func (p *Peer) peerFailed(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerFailedLocked(name, reason)
}

// peerFailedLocked removes a peer from the active set and unwinds every
// expectation held against it: armed deadlines, the pending-grant count and
// its entries in the deferred queue. Quorum is recounted afterwards, since
// the bar just lowered.
func (p *Peer) peerFailedLocked(name, reason string) {
	if p.view.lookup(name) == nil {
		return
	}
	p.view.remove(name)
	p.deadlines.disarmPeer(name)
	delete(p.pending, name)
	kept := p.deferred[:0]
	for _, rec := range p.deferred {
		if rec.Name != name {
			kept = append(kept, rec)
		}
	}
	p.deferred = kept
	p.l.Info("peer removed from active set", "name", name, "reason", reason, "active", p.view.names())
	p.recheckQuorumLocked()
}

// recheckQuorumLocked decides a pending request after any change to the
// pending set or the active set. All currently active peers granting means
// entry; the active set emptying means there is no one left whose grant
// could be awaited, and the request aborts.
func (p *Peer) recheckQuorumLocked() {
	if p.state != csWanted {
		return
	}
	if p.view.len() == 0 {
		p.failWaitLocked(ErrNoQuorum)
		return
	}
	if len(p.pending) == 0 {
		p.enterLocked()
	}
}

// failWaitLocked aborts the pending request with err.
func (p *Peer) failWaitLocked(err error) {
	p.abortWaitLocked()
	p.waitC <- err
}

// abortWaitLocked returns the peer to Idle from Wanted. Requests deferred
// while this peer believed it had priority are granted now.
func (p *Peer) abortWaitLocked() {
	p.mustTransitionLocked(csIdle)
	p.pending = nil
	p.deadlines.disarmKind(deadlineReply)
	p.flushDeferredLocked()
}

// flushDeferredLocked grants every queued request, oldest first by the
// protocol's total order, and empties the queue.
func (p *Peer) flushDeferredLocked() {
	if len(p.deferred) == 0 {
		return
	}
	queue := p.deferred
	p.deferred = nil
	sort.Slice(queue, func(i, j int) bool { return queue[i].Less(queue[j]) })
	ts := p.lam.tick()
	p.l.Info("flushing deferred replies", "count", len(queue))
	for _, rec := range queue {
		rp := p.view.lookup(rec.Name)
		if rp == nil {
			continue
		}
		p.sendAnswerAsync(rp.name, rp.endpoint, KindReply, ts)
	}
}

func (p *Peer) mustTransitionLocked(state csState) {
	if err := p.state.transitionTo(state); err != nil {
		panic("BUG: " + err.Error())
	}
}
