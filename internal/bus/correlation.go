package bus

import (
	"sync"
	"time"
)

// outcome is what a correlated reply resolves to.
type outcome struct {
	result any
	err    error
}

// pendingCall is one in-flight request awaiting its reply.
type pendingCall struct {
	ch    chan outcome
	timer *time.Timer
}

// correlator matches replies to waiting callers by request id. Each id
// resolves at most once; late or duplicate replies are dropped.
type correlator struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newCorrelator() *correlator {
	return &correlator{calls: make(map[string]*pendingCall)}
}

// add registers a resolver for id and arms its timeout. If the deadline
// fires before a reply lands, the caller receives expired and onExpire runs.
func (c *correlator) add(id string, budget time.Duration, expired outcome, onExpire func()) <-chan outcome {
	pc := &pendingCall{ch: make(chan outcome, 1)}
	pc.timer = time.AfterFunc(budget, func() {
		if taken := c.take(id); taken != nil {
			if onExpire != nil {
				onExpire()
			}
			taken.ch <- expired
		}
	})

	c.mu.Lock()
	c.calls[id] = pc
	c.mu.Unlock()
	return pc.ch
}

// resolve delivers a reply. Returns false when the id is unknown, already
// resolved, or timed out; the reply is discarded in that case.
func (c *correlator) resolve(id string, out outcome) bool {
	pc := c.take(id)
	if pc == nil {
		return false
	}
	pc.timer.Stop()
	pc.ch <- out
	return true
}

// take removes and returns the pending call for id, exactly once.
func (c *correlator) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.calls[id]
	if !ok {
		return nil
	}
	delete(c.calls, id)
	return pc
}

// drainAll resolves everything with the given outcome; used on Destroy.
func (c *correlator) drainAll(out outcome) {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, pc := range calls {
		pc.timer.Stop()
		pc.ch <- out
	}
}

// size reports in-flight requests.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
