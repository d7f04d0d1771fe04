// Package transport provides the concrete channels buses exchange frames
// over: a broadcast hub and a point-to-point client over WebSocket, and an
// in-memory linked pair standing in for the parent channel between a frame
// and the context that hosts it.
//
// Transports move opaque bytes. Envelope parsing, validation and routing
// all belong to the bus.
package transport
