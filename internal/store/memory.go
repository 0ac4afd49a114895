package store

import (
	"context"
	"sort"
	"sync"

	"github.com/finboard/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]*model.Portfolio
	positions  map[string]map[string]*model.Position      // userID → positionID → position
	trades     map[string][]model.Trade                   // append order
	snapshots  map[string]map[string]*model.DailySnapshot // userID → date → snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]*model.Portfolio),
		positions:  make(map[string]map[string]*model.Position),
		trades:     make(map[string][]model.Trade),
		snapshots:  make(map[string]map[string]*model.DailySnapshot),
	}
}

func (s *MemoryStore) PutPortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *p
	s.portfolios[p.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPortfolioUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.portfolios))
	for uid := range s.portfolios {
		users = append(users, uid)
	}
	sort.Strings(users)
	return users, nil
}

// applyPatch mutates the balance under the caller's write lock, rejecting a
// resulting negative balance. Mirrors the conditional UPDATE the Postgres
// store runs.
func (s *MemoryStore) applyPatch(userID string, patch model.BalancePatch) error {
	p, ok := s.portfolios[userID]
	if !ok {
		return ErrNotFound
	}

	next := p.Balance(patch.Account).Add(patch.Delta)
	if next.IsNegative() {
		return ErrInsufficientFunds
	}

	if patch.Account == model.AccountFutures {
		p.FuturesBalance = next
	} else {
		p.SpotBalance = next
	}
	return nil
}

func (s *MemoryStore) CommitOpen(_ context.Context, userID string, patch model.BalancePatch, pos *model.Position, tr *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyPatch(userID, patch); err != nil {
		return err
	}

	if s.positions[userID] == nil {
		s.positions[userID] = make(map[string]*model.Position)
	}
	cp := *pos
	s.positions[userID][pos.ID] = &cp
	s.trades[userID] = append(s.trades[userID], *tr)
	return nil
}

func (s *MemoryStore) CommitClose(_ context.Context, userID string, patch model.BalancePatch, positionID string, tr *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[userID][positionID]; !ok {
		return ErrNotFound
	}
	if err := s.applyPatch(userID, patch); err != nil {
		return err
	}

	delete(s.positions[userID], positionID)
	s.trades[userID] = append(s.trades[userID], *tr)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[userID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions[userID]))
	for _, p := range s.positions[userID] {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
	return positions, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.trades[userID]
	trades := make([]model.Trade, 0, len(src))
	// Most recent first.
	for i := len(src) - 1; i >= 0; i-- {
		trades = append(trades, src[i])
	}
	return trades, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snap *model.DailySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshots[snap.UserID] == nil {
		s.snapshots[snap.UserID] = make(map[string]*model.DailySnapshot)
	}
	cp := *snap
	s.snapshots[snap.UserID][snap.Date] = &cp
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, userID string) ([]model.DailySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]model.DailySnapshot, 0, len(s.snapshots[userID]))
	for _, snap := range s.snapshots[userID] {
		snaps = append(snaps, *snap)
	}
	// Date keys are YYYY-MM-DD, so lexical order is chronological.
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Date < snaps[j].Date })
	return snaps, nil
}
