package peerlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

// memNaming is an in-process Naming for tests.
type memNaming struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemNaming() *memNaming {
	return &memNaming{entries: make(map[string]string)}
}

func (n *memNaming) Register(name, endpoint string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[name] = endpoint
	return nil
}

func (n *memNaming) Resolve(name string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	endpoint, ok := n.entries[name]
	if !ok {
		return "", ErrNameNotFound
	}
	return endpoint, nil
}

type sentMessage struct {
	to  string
	msg Message
}

// memNetwork connects in-process peers. Every send is recorded; endpoints
// without an attached handler swallow messages (a peer that exists in naming
// but was never started), and endpoints marked down reject them (an
// unreachable peer).
type memNetwork struct {
	mu       sync.Mutex
	handlers map[string]Handler
	down     map[string]bool
	log      []sentMessage
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
	}
}

func (n *memNetwork) attach(endpoint string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[endpoint] = h
}

func (n *memNetwork) setDown(endpoint string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[endpoint] = down
}

func (n *memNetwork) transport() Transport {
	return &memTransport{net: n}
}

// sent counts recorded messages of one kind addressed to endpoint.
func (n *memNetwork) sent(endpoint string, kind MessageKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.log {
		if s.to == endpoint && s.msg.Kind == kind {
			count++
		}
	}
	return count
}

type memTransport struct {
	net *memNetwork
}

func (t *memTransport) Send(ctx context.Context, endpoint string, msg Message) error {
	t.net.mu.Lock()
	if t.net.down[endpoint] {
		t.net.mu.Unlock()
		return errors.Errorf("endpoint %s unreachable", endpoint)
	}
	t.net.log = append(t.net.log, sentMessage{to: endpoint, msg: msg})
	h := t.net.handlers[endpoint]
	t.net.mu.Unlock()
	if h != nil {
		Dispatch(h, msg)
	}
	return nil
}

func memEndpoint(name string) string {
	return "mem/" + name
}

// startTestPeer builds and starts a peer on the shared in-memory network.
// Peers it should resolve must already be registered with naming.
func startTestPeer(t *testing.T, net *memNetwork, naming *memNaming, clk clock.WithTickerAndDelayedExecution, name string, peers []string, opts ...Option) *Peer {
	t.Helper()
	endpoint := memEndpoint(name)
	require.NoError(t, naming.Register(name, endpoint))
	allOpts := append([]Option{WithClock(clk), WithLogger(l)}, opts...)
	p, err := New(name, endpoint, peers, naming, net.transport(), allOpts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(testCtx(t)))
	net.attach(endpoint, p)
	t.Cleanup(p.Stop)
	return p
}

// quietLoops keeps the background heartbeat machinery out of the way in
// tests that drive timers by hand.
func quietLoops() []Option {
	return []Option{
		WithHeartbeatPeriod(time.Minute),
		WithLivenessWindow(time.Hour),
	}
}

func stateOf(p *Peer) csState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func activeNames(p *Peer) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view.names()
}
