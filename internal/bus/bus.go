package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/extmesh/extmesh/internal/bus/transport"
	"github.com/extmesh/extmesh/internal/codec"
	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/infrastructure/monitoring"
	"github.com/extmesh/extmesh/internal/locus"
	"github.com/extmesh/extmesh/internal/shared/id"
)

// State is the bus lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDestroyed
)

// OrchestratorTabID is the sentinel TabID returns in the orchestrator
// context, where "which tab" has no meaning.
const OrchestratorTabID = -1

// Handler consumes one event dispatch. A nil result means "no answer";
// other handlers for the same event still get their chance.
type Handler func(ctx context.Context, args []any) (any, error)

// Subscription identifies one registered handler for removal.
type Subscription uint64

// Config holds the per-process bus settings.
type Config struct {
	AppName        string
	RequestTimeout time.Duration
	PollInterval   time.Duration
}

type registration struct {
	sub Subscription
	fn  Handler
}

// Bus is the per-context message hub: one instance per process, constructed
// once and injected wherever it is needed.
type Bus struct {
	cfg      Config
	detector *locus.Detector
	codec    *codec.Codec
	log      *logging.Logger
	metrics  *monitoring.Metrics
	gen      *id.Generator

	state atomic.Int32

	mu         sync.Mutex
	handlers   map[string][]registration
	nextSub    uint64
	transports map[locus.Transport]transport.Transport

	// proxied tracks, per event, which transports asked for upstream
	// delivery. Privileged side only.
	proxied map[string]map[transport.Transport]int

	calls *correlator

	tabID  int
	tabSet bool
}

// Option customizes a bus at construction.
type Option func(*Bus)

// WithTransport attaches a concrete channel. Illegal kinds for the detected
// locus are rejected at Init, not here.
func WithTransport(t transport.Transport) Option {
	return func(b *Bus) { b.transports[t.Kind()] = t }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithTabID pins the tab id for contexts spawned on behalf of one tab.
func WithTabID(tab int) Option {
	return func(b *Bus) {
		b.tabID = tab
		b.tabSet = true
	}
}

// New constructs a bus. Call Init before use.
func New(cfg Config, detector *locus.Detector, cdc *codec.Codec, log *logging.Logger, opts ...Option) *Bus {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	b := &Bus{
		cfg:        cfg,
		detector:   detector,
		codec:      cdc,
		log:        log.ForLocus(string(detector.Detect())),
		gen:        id.NewGenerator(),
		handlers:   make(map[string][]registration),
		transports: make(map[locus.Transport]transport.Transport),
		proxied:    make(map[string]map[transport.Transport]int),
		calls:      newCorrelator(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the lifecycle position.
func (b *Bus) State() State {
	return State(b.state.Load())
}

// Locus returns the detected context kind.
func (b *Bus) Locus() locus.Locus {
	return b.detector.Detect()
}

// Init runs the locus-specific setup routine. It is idempotent: calling it
// on a ready bus logs a warning and does nothing.
func (b *Bus) Init() error {
	switch State(b.state.Load()) {
	case StateDestroyed:
		return ErrDestroyed
	case StateReady, StateInitializing:
		b.log.Warn("Bus already initialized, ignoring")
		return nil
	}
	if !b.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		b.log.Warn("Bus already initialized, ignoring")
		return nil
	}

	legal := b.detector.AvailableTransports()
	legalSet := make(map[locus.Transport]bool, len(legal))
	for _, k := range legal {
		legalSet[k] = true
	}

	b.mu.Lock()
	for kind, t := range b.transports {
		if !legalSet[kind] {
			b.log.Warn("Transport not legal for this locus, detaching",
				zap.String("transport", string(kind)))
			delete(b.transports, kind)
			t.Close()
			continue
		}
		tr := t
		t.OnMessage(func(data []byte) { b.onFrame(tr, data) })
	}
	b.mu.Unlock()

	b.state.Store(int32(StateReady))
	b.log.Info("Bus ready",
		zap.String("app", b.cfg.AppName),
		zap.Int("transports", len(b.transports)))
	return nil
}

// On registers a local handler. In non-privileged contexts the first
// handler for an event sends exactly one proxy-subscribe notification
// upstream; further registrations for the same event send none.
func (b *Bus) On(event string, fn Handler) (Subscription, error) {
	if b.State() == StateDestroyed {
		return 0, ErrDestroyed
	}

	b.mu.Lock()
	b.nextSub++
	sub := Subscription(b.nextSub)
	first := !b.interestedLocked(event)
	b.handlers[event] = append(b.handlers[event], registration{sub: sub, fn: fn})
	b.mu.Unlock()

	if first && b.shouldProxy(event) {
		b.notifyProxy(eventProxySubscribe, event)
	}
	return sub, nil
}

// Off removes a handler. Removing the last handler for an event sends
// exactly one proxy-unsubscribe notification upstream.
func (b *Bus) Off(event string, sub Subscription) error {
	if b.State() == StateDestroyed {
		return ErrDestroyed
	}

	b.mu.Lock()
	regs := b.handlers[event]
	for i, r := range regs {
		if r.sub == sub {
			regs = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(b.handlers, event)
	} else {
		b.handlers[event] = regs
	}
	emptied := !b.interestedLocked(event)
	b.mu.Unlock()

	if emptied && b.shouldProxy(event) {
		b.notifyProxy(eventProxyUnsubscribe, event)
	}
	return nil
}

// HandlerCount reports local registrations for an event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}

// Call dispatches only to local handlers, never touching a transport.
func (b *Bus) Call(ctx context.Context, event string, args ...any) (any, error) {
	if b.State() != StateReady {
		return nil, b.stateErr()
	}
	return b.dispatchLocal(ctx, event, args), nil
}

// Send routes an event by locus. Page and frame contexts always post to
// their parent and wait for the correlated reply. Every other context races
// local dispatch against a remote send and returns the first non-empty
// result; if both come back empty the result is nil.
func (b *Bus) Send(ctx context.Context, event string, args ...any) (any, error) {
	if b.State() != StateReady {
		return nil, b.stateErr()
	}
	if b.metrics != nil {
		b.metrics.BusMessages.WithLabelValues(string(b.Locus()), event, "out").Inc()
	}

	loc := b.Locus()
	if loc == locus.PageScript || loc == locus.ProviderFrame {
		return b.request(ctx, event, args, nil)
	}

	remotes := b.remoteTargets(event, nil)
	if len(remotes) == 0 {
		return b.dispatchLocal(ctx, event, args), nil
	}

	results := make(chan outcome, 2)
	go func() {
		results <- outcome{result: b.dispatchLocal(ctx, event, args)}
	}()
	go func() {
		res, err := b.request(ctx, event, args, nil)
		results <- outcome{result: res, err: err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		out := <-results
		if out.result != nil {
			return out.result, nil
		}
		if out.err != nil && firstErr == nil {
			firstErr = out.err
		}
	}
	// Both attempts came back empty. A remote timeout alone is not an
	// error for the racing path: the local side simply had no answer
	// either, which callers see as nil.
	if firstErr != nil && !IsTimeout(firstErr) {
		return nil, firstErr
	}
	return nil, nil
}

// Poll invokes Send at a fixed interval until a non-nil result appears or
// the timeout elapses. Used for readiness handshakes.
func (b *Bus) Poll(ctx context.Context, event string, timeout time.Duration, args ...any) (any, error) {
	deadline := time.Now().Add(timeout)
	for {
		res, err := b.Send(ctx, event, args...)
		if err != nil && !IsTimeout(err) {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		if time.Now().After(deadline) {
			return nil, &TimeoutError{Event: event, Budget: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// TabID resolves which tab this context belongs to. The orchestrator gets a
// sentinel, popups read it off their URL, and everything else asks over the
// bus. Only a successful answer is memoized; a failed lookup leaves the tab
// unknown so the next call retries.
func (b *Bus) TabID(ctx context.Context) (int, error) {
	b.mu.Lock()
	if b.tabSet {
		tab := b.tabID
		b.mu.Unlock()
		return tab, nil
	}
	b.mu.Unlock()

	var tab int
	switch b.Locus() {
	case locus.Orchestrator:
		tab = OrchestratorTabID
	case locus.Popup:
		tab = tabFromURL(b.detector.Env().URL)
	default:
		res, err := b.Send(ctx, eventTabID)
		if err != nil {
			return 0, err
		}
		switch n := res.(type) {
		case float64:
			tab = int(n)
		case int:
			tab = n
		default:
			return 0, fmt.Errorf("bus: no tab id available")
		}
	}

	// Concurrent resolvers may race to here; the first write sticks.
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tabSet {
		b.tabID, b.tabSet = tab, true
	}
	return b.tabID, nil
}

// Destroy clears registrations, resolves every in-flight call with an
// error, closes transports and rejects all further operations.
func (b *Bus) Destroy() error {
	if !b.state.CompareAndSwap(int32(StateReady), int32(StateDestroyed)) &&
		!b.state.CompareAndSwap(int32(StateUninitialized), int32(StateDestroyed)) {
		if b.State() == StateDestroyed {
			return ErrDestroyed
		}
		b.state.Store(int32(StateDestroyed))
	}

	b.calls.drainAll(outcome{err: ErrDestroyed})

	b.mu.Lock()
	for kind, t := range b.transports {
		t.Close()
		delete(b.transports, kind)
	}
	b.handlers = make(map[string][]registration)
	b.proxied = make(map[string]map[transport.Transport]int)
	b.mu.Unlock()

	b.log.Info("Bus destroyed")
	return nil
}

// InFlight reports requests still awaiting replies.
func (b *Bus) InFlight() int {
	return b.calls.size()
}

func (b *Bus) stateErr() error {
	if b.State() == StateDestroyed {
		return ErrDestroyed
	}
	return ErrNotReady
}

// interestedLocked reports whether anything here wants event: a local
// handler or a downstream transport that proxy-subscribed through us.
// Callers hold b.mu.
func (b *Bus) interestedLocked(event string) bool {
	return len(b.handlers[event]) > 0 || len(b.proxied[event]) > 0
}

// shouldProxy reports whether subscriptions to event must be relayed to the
// nearest privileged neighbor.
func (b *Bus) shouldProxy(event string) bool {
	if isSystemEvent(event) {
		return false
	}
	return !locus.Privileged(b.Locus())
}

// notifyProxy sends one fire-and-forget proxy notification upstream.
func (b *Bus) notifyProxy(kind, event string) {
	env, err := b.newEnvelope(kind, []any{event}, "")
	if err != nil {
		b.log.Error("Failed to build proxy notification", zap.Error(err))
		return
	}
	data, err := sonic.Marshal(env)
	if err != nil {
		b.log.Error("Failed to encode proxy notification", zap.Error(err))
		return
	}

	t := b.upstream()
	if t == nil {
		b.log.Debug("No upstream transport for proxy notification",
			zap.String("event", event))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.Send(ctx, data); err != nil {
		b.log.Warn("Proxy notification failed",
			zap.String("event", event), zap.Error(err))
		return
	}
	if b.metrics != nil {
		if kind == eventProxySubscribe {
			b.metrics.ProxySubs.Inc()
		} else {
			b.metrics.ProxySubs.Dec()
		}
	}
}

// upstream picks the transport toward the nearest privileged neighbor. The
// parent channel counts only for the leaves that hang off one; for every
// other locus the parent side of a pair leads down to a child, not up.
func (b *Bus) upstream() transport.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	loc := b.Locus()
	for _, kind := range b.detector.AvailableTransports() {
		if kind == locus.TransportLoopback {
			continue
		}
		if kind == locus.TransportParent && loc != locus.PageScript && loc != locus.ProviderFrame {
			continue
		}
		if t, ok := b.transports[kind]; ok {
			return t
		}
	}
	return nil
}

// remoteTargets lists every transport a Send should fan out to: the regular
// remote channels plus any transports that proxy-subscribed to this event.
// exclude keeps a forwarded request off the edge it arrived on.
func (b *Bus) remoteTargets(event string, exclude transport.Transport) []transport.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []transport.Transport
	seen := make(map[transport.Transport]bool)
	if exclude != nil {
		seen[exclude] = true
	}
	for _, kind := range b.detector.AvailableTransports() {
		if kind == locus.TransportLoopback {
			continue
		}
		if t, ok := b.transports[kind]; ok && !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	for t := range b.proxied[event] {
		if !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	return out
}

// request sends a correlated envelope to the remote targets and waits for
// the first reply or the timeout.
func (b *Bus) request(ctx context.Context, event string, args []any, exclude transport.Transport) (any, error) {
	reqID := b.gen.NewRequestID().String()
	env, err := b.newEnvelope(event, args, reqID)
	if err != nil {
		return nil, err
	}
	data, err := sonic.Marshal(env)
	if err != nil {
		return nil, err
	}

	budget := b.cfg.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < budget {
			budget = until
		}
	}

	expired := outcome{err: &TimeoutError{Event: event, RequestID: reqID, Budget: budget}}
	ch := b.calls.add(reqID, budget, expired, func() {
		if b.metrics != nil {
			b.metrics.BusTimeouts.Inc()
		}
	})

	targets := b.remoteTargets(event, exclude)
	if len(targets) == 0 {
		b.calls.resolve(reqID, outcome{})
	}
	for _, t := range targets {
		if err := t.Send(ctx, data); err != nil {
			b.log.Debug("Transport send failed",
				zap.String("event", event), zap.Error(err))
		}
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		b.calls.take(reqID)
		return nil, ctx.Err()
	}
}

func (b *Bus) newEnvelope(event string, args []any, reqID string) (*Envelope, error) {
	encoded, err := b.codec.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("bus: failed to encode args for %q: %w", event, err)
	}
	return &Envelope{
		Marker:    true,
		AppName:   b.cfg.AppName,
		EventName: event,
		Args:      json.RawMessage(encoded),
		RequestID: reqID,
		Locus:     string(b.Locus()),
	}, nil
}

func tabFromURL(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return OrchestratorTabID
	}
	n, err := strconv.Atoi(u.Query().Get("tabId"))
	if err != nil {
		return OrchestratorTabID
	}
	return n
}
