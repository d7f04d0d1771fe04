package transport

import (
	"context"
	"sync"

	"github.com/extmesh/extmesh/internal/locus"
)

// Pair is the parent-channel analog: two linked endpoints, each delivering
// what the other sends. A page script or provider frame holds one end; its
// immediate parent context holds the other.
type Pair struct {
	kind locus.Transport
	peer *Pair

	mu      sync.Mutex
	handler Handler
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
}

// NewPair creates two linked endpoints. The first is conventionally the
// child (kind parent: it talks to its parent), the second the parent's view
// of the child.
func NewPair(buffer int) (*Pair, *Pair) {
	if buffer <= 0 {
		buffer = 16
	}
	a := &Pair{kind: locus.TransportParent, inbox: make(chan []byte, buffer), done: make(chan struct{})}
	b := &Pair{kind: locus.TransportParent, inbox: make(chan []byte, buffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func (p *Pair) Kind() locus.Transport {
	return p.kind
}

// Send queues data for the peer endpoint.
func (p *Pair) Send(ctx context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.peer.inbox <- cp:
		return nil
	}
}

func (p *Pair) OnMessage(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Pair) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *Pair) pump() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.inbox:
			p.mu.Lock()
			h := p.handler
			p.mu.Unlock()
			if h != nil {
				h(data)
			}
		}
	}
}
