package engine

import (
	"context"

	"github.com/extmesh/extmesh/internal/shared/types"
)

// RuleEngine is the host facility that actually enforces request rules.
// The orchestrator drives it but never assumes anything about how rules
// are applied; installs and removals are the whole contract.
type RuleEngine interface {
	// Install makes the given rules take effect. Installing a rule id that
	// already exists replaces it.
	Install(ctx context.Context, rules []types.NetworkRule) error
	// Remove withdraws rules by id. Unknown ids are not an error.
	Remove(ctx context.Context, ruleIDs []string) error
	// Installed lists the ids currently in effect. Used at boot to drop
	// leftovers from a previous incarnation.
	Installed(ctx context.Context) ([]string, error)
}
