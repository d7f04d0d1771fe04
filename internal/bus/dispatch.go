package bus

import (
	"context"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/extmesh/extmesh/internal/bus/transport"
	"github.com/extmesh/extmesh/internal/locus"
)

// onFrame handles one raw frame from a transport: validate the envelope,
// route replies to their waiting caller, service system events, and fan
// regular events out to local handlers, replying when a request id asks
// for one.
func (b *Bus) onFrame(from transport.Transport, data []byte) {
	if b.State() != StateReady {
		return
	}

	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		b.drop("malformed")
		return
	}
	if ok, reason := env.check(b.cfg.AppName); !ok {
		b.drop(reason)
		return
	}
	if b.metrics != nil {
		b.metrics.BusMessages.WithLabelValues(string(b.Locus()), env.EventName, "in").Inc()
	}

	args := b.decodeArgs(env.Args)

	switch env.EventName {
	case eventReply:
		b.onReply(env.RequestID, args)
		return
	case eventProxySubscribe:
		b.onProxy(from, args, +1)
		return
	case eventProxyUnsubscribe:
		b.onProxy(from, args, -1)
		return
	case eventTabID:
		b.onTabIDRequest(from, &env)
		return
	}

	if env.RequestID != "" {
		// Served off the pump: a forward can pend for its whole budget,
		// and frames arriving behind it on the same edge must not wait.
		go b.serveRequest(from, env, args)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
		defer cancel()
		b.dispatchLocal(ctx, env.EventName, args)
	}()
	b.relay(from, &env, data)
}

// serveRequest answers one correlated request: local handlers first, then
// the rest of the tree. Runs on its own goroutine so a slow remote never
// stalls the transport it arrived on.
func (b *Bus) serveRequest(from transport.Transport, env Envelope, args []any) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()

	result := b.dispatchLocal(ctx, env.EventName, args)
	// No local answer: forward the request through the rest of the tree,
	// never back the way it came. The topology is a tree, so excluding the
	// inbound edge is enough to prevent loops.
	if result == nil {
		if fwd, err := b.request(ctx, env.EventName, args, from); err == nil {
			result = fwd
		}
	}
	// Only an actual answer is sent back. An empty one would race out a
	// real answer from another peer; the caller's timeout covers the
	// nobody-answered case.
	if result != nil {
		b.reply(from, env.RequestID, result, nil)
	}
}

// dispatchLocal runs every registered handler concurrently and returns the
// first non-nil result in registration order. A panicking or erroring
// handler never suppresses another handler's answer.
func (b *Bus) dispatchLocal(ctx context.Context, event string, args []any) any {
	b.mu.Lock()
	regs := make([]registration, len(b.handlers[event]))
	copy(regs, b.handlers[event])
	b.mu.Unlock()

	if len(regs) == 0 {
		return nil
	}

	results := make([]any, len(regs))
	done := make(chan int, len(regs))
	for i, r := range regs {
		go func(i int, fn Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("Handler panicked",
						zap.String("event", event), zap.Any("panic", r))
					if b.metrics != nil {
						b.metrics.BusHandlerPanics.Inc()
					}
				}
				done <- i
			}()
			res, err := fn(ctx, args)
			if err != nil {
				b.log.Debug("Handler failed",
					zap.String("event", event), zap.Error(err))
				return
			}
			results[i] = res
		}(i, r.fn)
	}
	for range regs {
		<-done
	}
	for _, res := range results {
		if res != nil {
			return res
		}
	}
	return nil
}

// onReply settles the correlated call. Late and duplicate replies are
// dropped silently.
func (b *Bus) onReply(reqID string, args []any) {
	if reqID == "" {
		b.drop("reply_without_id")
		return
	}
	out := outcome{}
	if len(args) > 0 {
		out.result = args[0]
	}
	if len(args) > 1 && args[1] != nil {
		if err, ok := args[1].(error); ok {
			out.err = err
		}
	}
	if !b.calls.resolve(reqID, out) {
		b.drop("late_reply")
	}
}

// reply posts the correlated answer back on the transport the request
// arrived on.
func (b *Bus) reply(to transport.Transport, reqID string, result any, callErr error) {
	var errArg any
	if callErr != nil {
		errArg = callErr
	}
	env, err := b.newEnvelope(eventReply, []any{result, errArg}, reqID)
	if err != nil {
		b.log.Error("Failed to build reply", zap.Error(err))
		return
	}
	data, err := sonic.Marshal(env)
	if err != nil {
		b.log.Error("Failed to encode reply", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()
	if err := to.Send(ctx, data); err != nil {
		b.log.Warn("Reply send failed", zap.String("requestId", reqID), zap.Error(err))
	}
}

// onProxy adjusts the per-transport subscription refcount for an event.
// The transport joins the fan-out set on its first subscribe and leaves on
// its last unsubscribe.
func (b *Bus) onProxy(from transport.Transport, args []any, delta int) {
	if len(args) == 0 {
		b.drop("proxy_without_event")
		return
	}
	event, ok := args[0].(string)
	if !ok || event == "" {
		b.drop("proxy_without_event")
		return
	}

	b.mu.Lock()
	before := b.interestedLocked(event)
	refs := b.proxied[event]
	if refs == nil {
		refs = make(map[transport.Transport]int)
		b.proxied[event] = refs
	}
	refs[from] += delta
	if refs[from] <= 0 {
		delete(refs, from)
		if len(refs) == 0 {
			delete(b.proxied, event)
		}
	}
	after := b.interestedLocked(event)
	b.mu.Unlock()

	if b.metrics != nil {
		if delta > 0 {
			b.metrics.ProxySubs.Inc()
		} else {
			b.metrics.ProxySubs.Dec()
		}
	}

	// Interest chains: a router announces a downstream subscription to its
	// own upstream exactly once, on the 0→1 and 1→0 transitions.
	if b.shouldProxy(event) {
		switch {
		case !before && after:
			b.notifyProxy(eventProxySubscribe, event)
		case before && !after:
			b.notifyProxy(eventProxyUnsubscribe, event)
		}
	}
}

// onTabIDRequest answers a tab id query. Only contexts that already know
// their tab reply; a context still resolving its own stays silent so the
// asker's timeout fires instead of getting a wrong answer.
func (b *Bus) onTabIDRequest(from transport.Transport, env *Envelope) {
	if env.RequestID == "" {
		return
	}
	b.mu.Lock()
	known, tab := b.tabSet, b.tabID
	b.mu.Unlock()
	if !known && b.Locus() == locus.Orchestrator {
		known, tab = true, OrchestratorTabID
	}
	if !known {
		return
	}
	b.reply(from, env.RequestID, tab, nil)
}

// relay forwards an inbound fire-and-forget event to other transports that
// proxy-subscribed to it, never echoing back to the sender. A leaf has no
// proxied entries, so only routing contexts ever fan out here.
func (b *Bus) relay(from transport.Transport, env *Envelope, data []byte) {
	b.mu.Lock()
	var targets []transport.Transport
	for t := range b.proxied[env.EventName] {
		if t != from {
			targets = append(targets, t)
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
		if err := t.Send(ctx, data); err != nil {
			b.log.Debug("Relay send failed",
				zap.String("event", env.EventName), zap.Error(err))
		}
		cancel()
	}
}

// decodeArgs revives the encoded argument list. A malformed payload decays
// to a single remote error argument rather than failing delivery.
func (b *Bus) decodeArgs(raw []byte) []any {
	if len(raw) == 0 {
		return nil
	}
	decoded := b.codec.Decode(raw)
	if list, ok := decoded.([]any); ok {
		return list
	}
	return []any{decoded}
}

func (b *Bus) drop(reason string) {
	if b.metrics != nil {
		b.metrics.BusDropped.WithLabelValues(reason).Inc()
	}
	b.log.Debug("Dropped frame", zap.String("reason", reason))
}
