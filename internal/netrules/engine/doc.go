// Package engine abstracts the host facility that enforces network rules.
// Memory keeps rules in-process for tests and the dev foreground; HTTP
// drives a remote enforcement host with retries and a circuit breaker.
package engine
