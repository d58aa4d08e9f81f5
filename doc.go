// Package peerlock implements distributed mutual exclusion among a fixed set
// of peer processes contending for a single shared resource, using the
// Ricart-Agrawala algorithm over point-to-point remote calls.
//
// Each process runs one Peer. A Peer that wants the shared resource sends a
// Lamport-timestamped request to every peer it believes alive and waits for
// an explicit grant from each of them; a peer that is itself using the
// resource, or waiting with an older request, withholds its grant until it
// exits the critical section. Requests are totally ordered by (timestamp,
// peer name), so two peers can never both hold the resource.
//
// The classic algorithm assumes processes never fail. Peers here additionally
// exchange periodic heartbeats and attach deadlines to every awaited grant:
// a peer that stays silent longer than the liveness window, or that misses a
// reply deadline, is removed from the active set and no longer counted
// toward quorum. A peer that enters the critical section is also bounded by
// a maximum occupancy duration and is forcibly released when it expires, so
// a wedged holder cannot stall the others indefinitely.
//
// Peers locate each other through a Naming collaborator (see DirNaming for a
// shared-directory implementation) and exchange messages through a Transport
// (see TCPTransport). Both are deliberately small interfaces; how processes
// are started is entirely out of scope of this library.
package peerlock
