// Package wire frames protocol messages for stream transports.
//
// A frame is a 4-byte big-endian length followed by that many bytes of JSON.
// The prefix lets a reader pull exactly one message off a stream without a
// delimiter convention, and JSON keeps the payload inspectable; the protocol
// only ever moves three small fields, so compactness is not a concern.
package wire
