package peerlock

import "fmt"

// Timestamp is a Lamport timestamp qualified by the name of the peer that
// produced it. Names are globally unique, so Less is a strict total order
// over requests even when sequence numbers collide.
type Timestamp struct {
	Seq  uint64
	Name string
}

// Less reports whether t is ordered before other: lower sequence number
// first, peer name breaking ties.
func (t Timestamp) Less(other Timestamp) bool {
	return t.Seq < other.Seq || (t.Seq == other.Seq && t.Name < other.Name)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d@%s", t.Seq, t.Name)
}

// lamportClock is the peer's logical clock. It is not self-locking; all
// access happens under the owning Peer's lock.
type lamportClock struct {
	name string
	seq  uint64
}

// tick increments the clock for an outbound message and returns the
// resulting timestamp.
func (c *lamportClock) tick() Timestamp {
	c.seq++
	return Timestamp{Seq: c.seq, Name: c.name}
}

// observe folds a received sequence number into the clock before the message
// is otherwise processed: local = max(local, received) + 1.
func (c *lamportClock) observe(seq uint64) {
	if seq > c.seq {
		c.seq = seq
	}
	c.seq++
}

// now returns the current timestamp without advancing the clock.
func (c *lamportClock) now() Timestamp {
	return Timestamp{Seq: c.seq, Name: c.name}
}
