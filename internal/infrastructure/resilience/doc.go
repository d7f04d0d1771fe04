// Package resilience provides a circuit breaker for flaky host APIs. The
// HTTP rule engine client wraps every install/remove call in one so a dead
// endpoint fails fast instead of stalling the observer path.
package resilience
