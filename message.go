package peerlock

import "context"

// MessageKind discriminates the four calls a peer exposes remotely.
type MessageKind string

const (
	// KindRequest asks the receiver to grant entry to the critical section.
	// It is the only kind that expects an eventual answer, delivered as a
	// separate Reply (or Defer) call rather than a synchronous return.
	KindRequest MessageKind = "request"
	// KindReply grants a pending request.
	KindReply MessageKind = "reply"
	// KindDefer tells a requester its request was queued rather than
	// granted. It carries no protocol weight beyond proving the sender is
	// alive, which lets the requester cancel its reply deadline.
	KindDefer MessageKind = "defer"
	// KindHeartbeat is the periodic liveness ping.
	KindHeartbeat MessageKind = "heartbeat"
)

// Message is the unit exchanged between peers.
type Message struct {
	Kind   MessageKind `json:"kind"`
	Sender string      `json:"sender"`
	Seq    uint64      `json:"seq"`
}

// Transport delivers a message to the peer listening at endpoint. Sends are
// fire-and-forget at the protocol level; an error means the peer could not
// be reached at all and is treated the same as a timeout.
//
// Transport implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, endpoint string, msg Message) error
}

// Handler is the remote-callable surface of a peer, invoked by a transport
// server for each inbound message.
type Handler interface {
	ReceiveRequest(sender string, seq uint64)
	ReceiveReply(sender string, seq uint64)
	ReceiveDefer(sender string, seq uint64)
	ReceiveHeartbeat(sender string, seq uint64)
}

// Dispatch routes an inbound message to the matching Handler method.
// Unknown kinds are dropped.
func Dispatch(h Handler, msg Message) {
	switch msg.Kind {
	case KindRequest:
		h.ReceiveRequest(msg.Sender, msg.Seq)
	case KindReply:
		h.ReceiveReply(msg.Sender, msg.Seq)
	case KindDefer:
		h.ReceiveDefer(msg.Sender, msg.Seq)
	case KindHeartbeat:
		h.ReceiveHeartbeat(msg.Sender, msg.Seq)
	}
}
