// Package bus implements the cross-context message bus: a typed envelope
// protocol, handler registry with proxy-subscription refcounting, and
// request/reply correlation with timeouts.
//
// Every process constructs one Bus, attaches the transports its locus is
// allowed to use, and calls Init. Privileged contexts (orchestrator,
// offscreen, popup) act as routing points: leaves announce interest in an
// event with exactly one proxy-subscribe on the first local handler and
// exactly one proxy-unsubscribe after the last, and the privileged side
// fans matching events back out to subscribed transports.
package bus
