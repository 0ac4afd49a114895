// Package model defines the core domain types shared across the paper-trading
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position direction.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Trade direction. A LONG opens with a BUY and closes with a SELL;
// a SHORT opens with a SELL and closes with a BUY.
const (
	TradeBuy  = "BUY"
	TradeSell = "SELL"
)

// Trading mode. SPOT positions carry leverage 1 by convention.
const (
	ModeSpot    = "SPOT"
	ModeFutures = "FUTURES"
)

// GuestUserID is the sentinel identity for unauthenticated sessions.
// Persistence is disabled for guests; portfolio creation is refused.
const GuestUserID = "guest"

// Account names the balance a position draws margin from.
type Account string

const (
	AccountSpot    Account = "spot"
	AccountFutures Account = "futures"
)

// AccountForMode returns the balance account a mode settles against.
func AccountForMode(mode string) Account {
	if mode == ModeFutures {
		return AccountFutures
	}
	return AccountSpot
}

// Portfolio holds a user's two cash balances and their immutable baseline.
// StartBalance is fixed at creation; SpotBalance and FuturesBalance are
// mutated only through balance patches applied inside open/close commits
// and must never go negative.
type Portfolio struct {
	UserID         string          `json:"user_id" db:"user_id"`
	SpotBalance    decimal.Decimal `json:"spot_balance" db:"spot_balance"`
	FuturesBalance decimal.Decimal `json:"futures_balance" db:"futures_balance"`
	InitialSpot    decimal.Decimal `json:"initial_spot" db:"initial_spot"`
	InitialFutures decimal.Decimal `json:"initial_futures" db:"initial_futures"`
	StartBalance   decimal.Decimal `json:"start_balance" db:"start_balance"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
}

// TotalValue is the sum of the two cash balances.
func (p *Portfolio) TotalValue() decimal.Decimal {
	return p.SpotBalance.Add(p.FuturesBalance)
}

// Balance returns the balance for the given account.
func (p *Portfolio) Balance(acct Account) decimal.Decimal {
	if acct == AccountFutures {
		return p.FuturesBalance
	}
	return p.SpotBalance
}

// BalancePatch is a signed delta against one balance account. Patches are
// produced only by the engine and applied by the store as a single
// conditional update that rejects a resulting negative balance.
type BalancePatch struct {
	Account Account
	Delta   decimal.Decimal
}

// Position is one open leveraged exposure. A position either exists (open)
// or has been deleted (closed); it is never mutated in place. The reserved
// margin, EntryPrice * Qty / Leverage, was deducted from the owning balance
// at open time and is returned (adjusted by PnL) at close.
type Position struct {
	ID         string           `json:"id" db:"id"`
	UserID     string           `json:"user_id" db:"user_id"`
	Symbol     string           `json:"symbol" db:"symbol"`
	Side       string           `json:"side" db:"side"` // LONG or SHORT
	Qty        decimal.Decimal  `json:"qty" db:"qty"`
	EntryPrice decimal.Decimal  `json:"entry_price" db:"entry_price"`
	Leverage   decimal.Decimal  `json:"leverage" db:"leverage"`
	Mode       string           `json:"mode" db:"mode"` // SPOT or FUTURES
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	OpenedAt   time.Time        `json:"opened_at" db:"opened_at"`
}

// Margin is the capital reserved against this position.
func (p *Position) Margin() decimal.Decimal {
	return p.EntryPrice.Mul(p.Qty).Div(p.Leverage)
}

// Trade is an immutable record of one open or close action. Once written,
// trades are never updated or deleted — the audit trail must remain
// reconstructable after every position is closed.
type Trade struct {
	ID         string           `json:"id" db:"id"`
	UserID     string           `json:"user_id" db:"user_id"`
	Symbol     string           `json:"symbol" db:"symbol"`
	Side       string           `json:"side" db:"side"` // BUY or SELL
	Qty        decimal.Decimal  `json:"qty" db:"qty"`
	Price      decimal.Decimal  `json:"price" db:"price"`
	Mode       string           `json:"mode" db:"mode"`
	Leverage   decimal.Decimal  `json:"leverage" db:"leverage"`
	PnL        *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`                 // closing trades only
	PositionID string           `json:"position_id,omitempty" db:"position_id"` // closing trades only
	ExecutedAt time.Time        `json:"executed_at" db:"executed_at"`
}

// DailySnapshot is one dated point of portfolio value, at most one per
// calendar date per user. Re-running the aggregator for the same date
// overwrites the prior row.
type DailySnapshot struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Date           string          `json:"date" db:"date"` // YYYY-MM-DD
	SpotBalance    decimal.Decimal `json:"spot_balance" db:"spot_balance"`
	FuturesBalance decimal.Decimal `json:"futures_balance" db:"futures_balance"`
	TotalValue     decimal.Decimal `json:"total_value" db:"total_value"`
	PnL            decimal.Decimal `json:"pnl" db:"pnl"`
}
