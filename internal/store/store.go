// Package store defines the persistence interface for the paper-trading
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/finboard/paper-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested document does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned when a balance patch would drive
	// the target balance negative. The whole commit is rolled back.
	ErrInsufficientFunds = errors.New("store: balance patch would go negative")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// CommitOpen and CommitClose apply their three effects (balance patch,
// position insert/delete, trade insert) as one atomic unit. The balance
// patch is a single conditional update keyed on the resulting balance
// staying non-negative, so two concurrent opens can never both spend the
// same funds.
type Store interface {
	// --- Portfolio (singleton per user) ---

	// PutPortfolio creates or replaces the user's portfolio document.
	PutPortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio retrieves the user's portfolio, or ErrNotFound.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// ListPortfolioUsers returns every user with a portfolio. Used by the
	// daily snapshot job.
	ListPortfolioUsers(ctx context.Context) ([]string, error)

	// --- Atomic open/close commits ---

	// CommitOpen atomically applies the balance patch, inserts the
	// position, and appends the opening trade.
	CommitOpen(ctx context.Context, userID string, patch model.BalancePatch, pos *model.Position, tr *model.Trade) error

	// CommitClose atomically applies the balance patch, deletes the
	// position, and appends the closing trade.
	CommitClose(ctx context.Context, userID string, patch model.BalancePatch, positionID string, tr *model.Trade) error

	// --- Positions ---

	// GetPosition retrieves one open position, or ErrNotFound.
	GetPosition(ctx context.Context, userID, id string) (*model.Position, error)

	// ListPositions returns the user's open positions, oldest first.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Immutable trade ledger ---

	// ListTrades returns the user's trades, most recent first. There is
	// deliberately no update or delete.
	ListTrades(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Daily snapshots ---

	// UpsertSnapshot writes the snapshot keyed by (user, date); a second
	// write for the same date overwrites the first.
	UpsertSnapshot(ctx context.Context, s *model.DailySnapshot) error

	// ListSnapshots returns the user's snapshots ordered by date.
	ListSnapshots(ctx context.Context, userID string) ([]model.DailySnapshot, error)
}
