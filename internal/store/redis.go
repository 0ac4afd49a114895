package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finboard/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only the hot read paths
// (portfolio, open positions) are cached — the trade ledger and snapshots
// are read rarely enough to go straight to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutPortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.PutPortfolio(ctx, p); err != nil {
		return err
	}
	s.cachePortfolio(ctx, p)
	return nil
}

func (s *CachedStore) CommitOpen(ctx context.Context, userID string, patch model.BalancePatch, pos *model.Position, tr *model.Trade) error {
	if err := s.primary.CommitOpen(ctx, userID, patch, pos, tr); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	return nil
}

func (s *CachedStore) CommitClose(ctx context.Context, userID string, patch model.BalancePatch, positionID string, tr *model.Trade) error {
	if err := s.primary.CommitClose(ctx, userID, patch, positionID, tr); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cachePortfolio(ctx, p)
	return p, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPortfolioUsers(ctx context.Context) ([]string, error) {
	return s.primary.ListPortfolioUsers(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, id)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID)
}

func (s *CachedStore) UpsertSnapshot(ctx context.Context, snap *model.DailySnapshot) error {
	return s.primary.UpsertSnapshot(ctx, snap)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, userID string) ([]model.DailySnapshot, error) {
	return s.primary.ListSnapshots(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cachePortfolio(ctx context.Context, p *model.Portfolio) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioKey(p.UserID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateUser(ctx context.Context, userID string) {
	s.rdb.Del(ctx, portfolioKey(userID), positionsKey(userID))
}

func portfolioKey(uid string) string { return fmt.Sprintf("portfolio:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
