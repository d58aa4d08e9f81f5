package peerlock

import "time"

// remotePeer is this process's view of one other peer: where to reach it and
// when it last proved it was alive. Identity is immutable once resolved;
// lastSeen is refreshed by every message received from the peer, not just
// heartbeats.
type remotePeer struct {
	name     string
	endpoint string
	lastSeen time.Time
}

// peerView is the local, mutable belief about which peers are currently
// active. Peers only ever leave the set (fail-stop, no resurrection), with a
// single sanctioned exception: a REQUEST from a removed peer proves it is
// alive and may re-admit it when the readmit policy allows. Removed peers
// keep their endpoint so readmission does not need the naming service again.
//
// peerView is not self-locking; all access happens under the owning Peer's
// lock.
type peerView struct {
	active  map[string]*remotePeer
	removed map[string]*remotePeer
}

func newPeerView() *peerView {
	return &peerView{
		active:  make(map[string]*remotePeer),
		removed: make(map[string]*remotePeer),
	}
}

// admit adds a freshly resolved peer to the active set.
func (v *peerView) admit(name, endpoint string, now time.Time) {
	v.active[name] = &remotePeer{name: name, endpoint: endpoint, lastSeen: now}
}

// lookup returns the active entry for name, or nil.
func (v *peerView) lookup(name string) *remotePeer {
	return v.active[name]
}

// remove moves a peer out of the active set.
func (v *peerView) remove(name string) {
	if rp, ok := v.active[name]; ok {
		delete(v.active, name)
		v.removed[name] = rp
	}
}

// readmit restores a previously removed peer to the active set and returns
// its entry. It returns nil for names this process has never known.
func (v *peerView) readmit(name string, now time.Time) *remotePeer {
	rp, ok := v.removed[name]
	if !ok {
		return nil
	}
	delete(v.removed, name)
	rp.lastSeen = now
	v.active[name] = rp
	return rp
}

func (v *peerView) len() int {
	return len(v.active)
}

// snapshot returns a copy of the active entries, safe to iterate after the
// peer lock is released.
func (v *peerView) snapshot() []*remotePeer {
	peers := make([]*remotePeer, 0, len(v.active))
	for _, rp := range v.active {
		peers = append(peers, rp)
	}
	return peers
}

func (v *peerView) names() []string {
	names := make([]string, 0, len(v.active))
	for name := range v.active {
		names = append(names, name)
	}
	return names
}
