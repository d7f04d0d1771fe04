// Package netrules manages just-in-time credential-injection rules. Rules
// exist only while a tab is actively talking to a provider: an observed
// request activates a scoped set, renewal keeps it alive, and a TTL sweep,
// tab close, or explicit deactivation withdraws it. The credential window
// stays as narrow as the traffic that needs it.
package netrules
