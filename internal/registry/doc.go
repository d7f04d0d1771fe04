// Package registry is the catalog of provider endpoint and header
// configuration. It answers "which provider owns this URL" and builds the
// scoped header-injection rule sets the rule orchestrator installs, keeping
// every per-provider detail out of the orchestrator itself.
//
// The catalog ships with built-in defaults and can be replaced by a YAML
// file at startup.
package registry
