// Command orchestrator runs the privileged extmesh process: the hub end of
// the message bus, the just-in-time network-rule orchestrator, and the
// recovery coordinator, exposed over an HTTP/websocket endpoint.
package main
