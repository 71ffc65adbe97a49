package out

import (
	"context"

	"priority_server/core/domain"
)

// BudgetMutation changes a budget state in place. Returning an error aborts the update.
type BudgetMutation func(state *domain.BudgetState) error

// BudgetStore persists per-user daily budget state.
// Update must apply fn atomically per (user, day); a lost optimistic race
// is reported as domain.ErrBudgetRace.
type BudgetStore interface {
	Load(ctx context.Context, userID, day string) (domain.BudgetState, bool, error)
	Update(ctx context.Context, userID, day string, fn BudgetMutation) (domain.BudgetState, error)
}
