package peerlock

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Defaults for the protocol tunables. The liveness window is three heartbeat
// periods, tolerating two consecutive lost heartbeats before a peer is
// declared failed, and the reply timeout exceeds the maximum occupancy so a
// peer legitimately holding the resource is never mistaken for a dead one.
const (
	DefaultHeartbeatPeriod   = 2 * time.Second
	DefaultLivenessWindow    = 6 * time.Second
	DefaultReplyTimeout      = 8 * time.Second
	DefaultMaxAccessDuration = 5 * time.Second

	defaultResolveAttempts = 5
	defaultResolveBackoff  = 2 * time.Second
)

// Peer is one member of the fixed peer set. It owns the local protocol state
// and exposes the remote-callable surface other peers invoke through a
// transport server (see Handler).
//
// All mutable state below mu is a single critical region: remote-call
// handlers, the heartbeat sender, the liveness sweep and every deadline
// expiry serialize on it. This lock is internal plumbing and is distinct
// from the distributed critical section the protocol coordinates.
type Peer struct {
	name      string
	endpoint  string
	peerNames []string

	naming    Naming
	transport Transport

	heartbeatPeriod   time.Duration
	livenessWindow    time.Duration
	replyTimeout      time.Duration
	maxAccessDuration time.Duration
	readmitOnRequest  bool
	resolveAttempts   int
	resolveBackoff    time.Duration

	l   log15.Logger
	clk clock.WithTickerAndDelayedExecution

	mu        sync.Mutex
	state     csState
	lam       lamportClock
	view      *peerView
	deadlines *deadlineSet
	started   bool

	// request bookkeeping, meaningful while state == csWanted
	reqTS   Timestamp
	pending map[string]struct{}
	waitC   chan error

	// requests this peer has withheld a reply for, flushed on exit
	deferred []Timestamp

	// occupancy bookkeeping, meaningful while state == csHeld
	holdSeq     uint64
	holdCtx     context.Context
	holdCancel  context.CancelFunc
	accessTimer clock.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// Option is an option function for Peer.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(p *Peer)

// WithLogger configures the logger used for protocol events.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(p *Peer) {
		p.l = l
	}
}

// WithClock swaps the wall clock for timers, tickers and liveness
// bookkeeping. Intended for tests.
func WithClock(clk clock.WithTickerAndDelayedExecution) Option {
	return func(p *Peer) {
		p.clk = clk
	}
}

// WithHeartbeatPeriod sets how often liveness pings are sent and how often
// the sweep runs.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(p *Peer) {
		p.heartbeatPeriod = d
	}
}

// WithLivenessWindow sets how long a peer may stay silent before it is
// declared failed. It must exceed the heartbeat period.
func WithLivenessWindow(d time.Duration) Option {
	return func(p *Peer) {
		p.livenessWindow = d
	}
}

// WithReplyTimeout sets the per-peer deadline for answering a request.
func WithReplyTimeout(d time.Duration) Option {
	return func(p *Peer) {
		p.replyTimeout = d
	}
}

// WithMaxAccessDuration bounds critical-section occupancy. A holder that has
// not released by then is forcibly released.
func WithMaxAccessDuration(d time.Duration) Option {
	return func(p *Peer) {
		p.maxAccessDuration = d
	}
}

// WithReadmitOnRequest controls whether a request from a peer previously
// declared failed re-admits it to the active set. A request is itself proof
// of liveness, so re-admitting maximizes progress; disable it to hold the
// strict fail-stop line where a removed peer stays removed for the run.
func WithReadmitOnRequest(readmit bool) Option {
	return func(p *Peer) {
		p.readmitOnRequest = readmit
	}
}

// WithResolveRetry configures how many times Start retries resolving each
// peer name and the pause between attempts, covering peers that have not
// registered yet.
func WithResolveRetry(attempts int, backoff time.Duration) Option {
	return func(p *Peer) {
		p.resolveAttempts = attempts
		p.resolveBackoff = backoff
	}
}

// New constructs a peer named name, reachable at endpoint, that will contend
// with the given other peers. The naming collaborator locates them; the
// transport carries all protocol messages. Call Start before requesting
// access.
func New(name, endpoint string, peerNames []string, naming Naming, transport Transport, opts ...Option) (*Peer, error) {
	if name == "" {
		return nil, errors.New("peer name must not be empty")
	}
	for _, other := range peerNames {
		if other == name {
			return nil, errors.Errorf("peer %q lists itself as a peer", name)
		}
	}

	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	p := &Peer{
		name:      name,
		endpoint:  endpoint,
		peerNames: append([]string(nil), peerNames...),
		naming:    naming,
		transport: transport,

		heartbeatPeriod:   DefaultHeartbeatPeriod,
		livenessWindow:    DefaultLivenessWindow,
		replyTimeout:      DefaultReplyTimeout,
		maxAccessDuration: DefaultMaxAccessDuration,
		readmitOnRequest:  true,
		resolveAttempts:   defaultResolveAttempts,
		resolveBackoff:    defaultResolveBackoff,

		l:     noopLogger,
		clk:   clock.RealClock{},
		state: csIdle,
		lam:   lamportClock{name: name},
		view:  newPeerView(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.l = p.l.New("peer", name)
	p.deadlines = newDeadlineSet(p.clk)

	if p.livenessWindow <= p.heartbeatPeriod {
		return nil, errors.Errorf("liveness window %v must exceed heartbeat period %v", p.livenessWindow, p.heartbeatPeriod)
	}
	return p, nil
}

// Start registers this peer with the naming service, resolves every
// configured peer, and starts the heartbeat sender and liveness sweep.
// Resolution retries for a while, since the other processes may still be
// coming up; a naming service that stays unreachable is the one fatal
// startup condition.
func (p *Peer) Start(ctx context.Context) error {
	if err := p.naming.Register(p.name, p.endpoint); err != nil {
		return errors.Wrap(err, "register with naming service")
	}
	p.l.Info("registered with naming service", "endpoint", p.endpoint)

	for _, name := range p.peerNames {
		endpoint, err := p.resolveWithRetry(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "resolve peer %q", name)
		}
		p.mu.Lock()
		p.view.admit(name, endpoint, p.clk.Now())
		p.mu.Unlock()
		p.l.Info("resolved peer", "name", name, "endpoint", endpoint)
	}

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	go p.heartbeatLoop(p.clk.NewTicker(p.heartbeatPeriod))
	go p.sweepLoop(p.clk.NewTicker(p.heartbeatPeriod))
	return nil
}

func (p *Peer) resolveWithRetry(ctx context.Context, name string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.resolveAttempts; attempt++ {
		endpoint, err := p.naming.Resolve(name)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
		p.l.Debug("peer not resolvable yet", "name", name, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-p.done:
			return "", ErrStopped
		case <-p.clk.After(p.resolveBackoff):
		}
	}
	return "", lastErr
}

// Stop ends the background activity and releases anyone blocked on this
// peer: a pending Acquire observes ErrStopped, a held critical section is
// exited and its deferred replies flushed.
func (p *Peer) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.deadlines.stopAll()
		switch p.state {
		case csWanted:
			p.failWaitLocked(ErrStopped)
		case csHeld:
			p.exitLocked("stopping")
		}
		p.started = false
	})
}

// send delivers one message, constructed from a timestamp already ticked
// under the peer lock. It must not be called while holding the lock.
func (p *Peer) send(ctx context.Context, endpoint string, kind MessageKind, ts Timestamp) error {
	return p.transport.Send(ctx, endpoint, Message{Kind: kind, Sender: p.name, Seq: ts.Seq})
}

// sendAnswerAsync delivers a reply or deferral on its own goroutine. A send
// failure means the requester is unreachable and is treated like any other
// failure of that peer.
func (p *Peer) sendAnswerAsync(name, endpoint string, kind MessageKind, ts Timestamp) {
	go func() {
		if err := p.send(context.Background(), endpoint, kind, ts); err != nil {
			p.l.Warn("answer undeliverable", "kind", kind, "to", name, "err", err)
			p.peerFailed(name, "unreachable")
		}
	}()
}
