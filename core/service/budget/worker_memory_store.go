package budget

import (
	"context"
	"sync"

	"priority_server/core/domain"
	"priority_server/core/port/out"
)

// MemoryStore keeps budget state in process. Only the current day is kept per user.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]domain.BudgetState
	locks  map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]domain.BudgetState),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *MemoryStore) Load(ctx context.Context, userID, day string) (domain.BudgetState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	if !ok || st.Day != day {
		return domain.BudgetState{}, false, nil
	}
	return st, true, nil
}

// Update serializes mutations per user.
func (s *MemoryStore) Update(ctx context.Context, userID, day string, fn out.BudgetMutation) (domain.BudgetState, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	st, ok := s.states[userID]
	s.mu.Unlock()
	if !ok || st.Day != day {
		st = domain.BudgetState{UserID: userID, Day: day}
	}

	if err := fn(&st); err != nil {
		return domain.BudgetState{}, err
	}

	s.mu.Lock()
	s.states[userID] = st
	s.mu.Unlock()
	return st, nil
}
