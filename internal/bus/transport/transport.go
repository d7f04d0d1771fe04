package transport

import (
	"context"
	"errors"

	"github.com/extmesh/extmesh/internal/locus"
)

// ErrClosed is returned when sending on a transport that has shut down.
var ErrClosed = errors.New("transport is closed")

// Handler consumes one raw inbound frame. Transports carry opaque bytes;
// envelope parsing belongs to the bus.
type Handler func(data []byte)

// Transport is one concrete channel between two contexts. A bus owns at
// most one transport per kind its locus permits.
type Transport interface {
	Kind() locus.Transport
	Send(ctx context.Context, data []byte) error
	OnMessage(h Handler)
	Close() error
}
