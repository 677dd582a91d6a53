// internal/pipeline/policy.go
package pipeline

import (
	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/models"
)

// TransitionPolicy decides which stage pairs the server accepts.
type TransitionPolicy string

const (
	PolicyOpen   TransitionPolicy = config.PolicyOpen
	PolicyStrict TransitionPolicy = config.PolicyStrict
)

// Allow reports whether moving from one stage to another is permitted.
// Under the strict policy a closed application cannot flip between
// Accepted and Denied; every other pair is allowed under both policies.
func (p TransitionPolicy) Allow(from, to models.Stage) bool {
	if p != PolicyStrict {
		return true
	}
	return !(from.Terminal() && to.Terminal() && from != to)
}
