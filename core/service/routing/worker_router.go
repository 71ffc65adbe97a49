// Package routing assigns processing tiers and dispatches messages to them.
package routing

import "priority_server/core/domain"

// DefaultRestrictedOverride is the score at which a message still gets deep
// analysis after the user's budget is exhausted.
const DefaultRestrictedOverride = 90

// Router maps a score and budget state to a processing tier.
type Router struct {
	restrictedOverride int
}

func NewRouter(restrictedOverride int) *Router {
	if restrictedOverride <= 0 || restrictedOverride > domain.MaxScore {
		restrictedOverride = DefaultRestrictedOverride
	}
	return &Router{restrictedOverride: restrictedOverride}
}

// Route is a pure function of its inputs. Warning mode routes like normal mode.
func (r *Router) Route(score int, state domain.BudgetState, weights *domain.UserWeights) domain.Tier {
	if state.Mode == domain.BudgetRestricted {
		if score >= r.restrictedOverride {
			return domain.TierHigh
		}
		return domain.TierLow
	}
	high, medium := weights.Thresholds()
	return domain.TierForScore(score, high, medium)
}
