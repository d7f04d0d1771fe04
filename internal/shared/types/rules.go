package types

import "time"

// HeaderOpKind says what a rule does to one request header.
type HeaderOpKind string

const (
	HeaderSet    HeaderOpKind = "set"
	HeaderRemove HeaderOpKind = "remove"
)

// HeaderOp is one header mutation carried by a rule.
type HeaderOp struct {
	Kind  HeaderOpKind `json:"kind"`
	Name  string       `json:"name"`
	Value string       `json:"value,omitempty"`
}

// RuleCondition scopes a rule to specific requests. TabID zero means the
// rule is not tab-scoped; installed rules always carry the owning tab.
type RuleCondition struct {
	URLPattern    string   `json:"url_pattern"`
	ResourceTypes []string `json:"resource_types,omitempty"`
	TabID         int      `json:"tab_id,omitempty"`
}

// NetworkRule is one request-modification rule as the host engine sees it.
// IDs are namespaced by provider and tab so concurrently active sets never
// collide.
type NetworkRule struct {
	ID        string        `json:"id"`
	Priority  int           `json:"priority"`
	Condition RuleCondition `json:"condition"`
	Actions   []HeaderOp    `json:"actions"`
}

// ActiveRuleSet tracks one installed (tab, provider) rule set. At most one
// exists per pair at any instant.
type ActiveRuleSet struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	TabID       int       `json:"tab_id"`
	RuleIDs     []string  `json:"rule_ids"`
	InstalledAt time.Time `json:"installed_at"`
}

// ObservedRequest is what the non-blocking observer reports about one
// outgoing request: just enough to decide whether to activate rules.
type ObservedRequest struct {
	URL   string `json:"url"`
	TabID int    `json:"tab_id"`
}
