package peerlock

import (
	"context"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// ReceiveHeartbeat records a liveness ping. Heartbeats from peers already
// declared failed are dropped; only a request can re-admit a removed peer.
func (p *Peer) ReceiveHeartbeat(sender string, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lam.observe(seq)
	rp := p.view.lookup(sender)
	if rp == nil {
		return
	}
	rp.lastSeen = p.clk.Now()
}

// heartbeatLoop pings every active peer once per period. A ping that cannot
// be delivered is only logged; the receiving side's sweep is what declares
// us dead, and our own sweep is what declares the unreachable peer dead.
// The ticker is created by Start before this goroutine is spawned so that a
// fake clock stepped right after Start returns already sees the waiter.
func (p *Peer) heartbeatLoop(ticker clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C():
			p.sendHeartbeats()
		}
	}
}

func (p *Peer) sendHeartbeats() {
	p.mu.Lock()
	recipients := p.view.snapshot()
	ts := p.lam.tick()
	p.mu.Unlock()

	var g errgroup.Group
	for _, rp := range recipients {
		rp := rp
		g.Go(func() error {
			if err := p.send(context.Background(), rp.endpoint, KindHeartbeat, ts); err != nil {
				p.l.Debug("heartbeat undeliverable", "to", rp.name, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sweepLoop runs the liveness sweep on the heartbeat period: any peer whose
// last interaction is older than the liveness window is declared failed.
func (p *Peer) sweepLoop(ticker clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C():
			now := p.clk.Now()
			p.mu.Lock()
			var silent []string
			for _, rp := range p.view.snapshot() {
				if now.Sub(rp.lastSeen) > p.livenessWindow {
					silent = append(silent, rp.name)
				}
			}
			for _, name := range silent {
				p.peerFailedLocked(name, "liveness window exceeded")
			}
			p.mu.Unlock()
		}
	}
}
