package peerlock

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/peerlock/peerlock/internal/wire"
)

// DefaultDialTimeout bounds how long a send waits for a connection before
// declaring the peer unreachable.
const DefaultDialTimeout = 3 * time.Second

// TCPTransport carries protocol messages as single length-prefixed JSON
// frames over short-lived TCP connections, one dial per message. The
// messages are rare and tiny, so connection reuse buys nothing and
// per-message dialing doubles as a reachability probe.
type TCPTransport struct {
	DialTimeout time.Duration
}

// Send delivers msg to the peer listening at endpoint. A dial or write
// failure means the peer is unreachable.
func (t *TCPTransport) Send(ctx context.Context, endpoint string, msg Message) error {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return errors.Wrapf(err, "dial %s", endpoint)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := wire.WriteJSONFrame(conn, msg); err != nil {
		return errors.Wrapf(err, "send %s to %s", msg.Kind, endpoint)
	}
	return nil
}

// ServeTCP accepts connections on ln and dispatches each received message to
// h until ln is closed. Run it on its own goroutine; it is the listening
// half of TCPTransport.
func ServeTCP(ln net.Listener, h Handler, l log15.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				l.Info("transport listener closed")
				return nil
			}
			l.Error("accept failed", "err", err)
			continue
		}
		go func(conn net.Conn) {
			defer conn.Close()
			var msg Message
			if err := wire.ReadJSONFrame(conn, &msg); err != nil {
				l.Warn("dropping undecodable message", "from", conn.RemoteAddr(), "err", err)
				return
			}
			Dispatch(h, msg)
		}(conn)
	}
}
