// Package engine implements the paper-trading simulation core: the
// portfolio ledger, the position lifecycle state machine, the immutable
// trade ledger, and their HTTP surface.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every open/close is committed through one atomic store transaction, so
// readers never observe a half-applied operation and two concurrent opens
// can never spend the same balance twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finboard/paper-engine/internal/margin"
	"github.com/finboard/paper-engine/internal/metrics"
	"github.com/finboard/paper-engine/internal/model"
	"github.com/finboard/paper-engine/internal/pricefeed"
	"github.com/finboard/paper-engine/internal/snapshot"
	"github.com/finboard/paper-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned when portfolio starting capital is
	// negative or sums to zero.
	ErrInvalidAmount = errors.New("engine: invalid amount")

	// ErrInsufficientBalance is returned when an order's margin exceeds
	// the owning balance. The request produces zero writes.
	ErrInsufficientBalance = errors.New("engine: insufficient balance")

	// ErrInsufficientPosition is reserved for partial closes, which this
	// design does not support — positions always close in full.
	ErrInsufficientPosition = errors.New("engine: insufficient position")

	// ErrUnknownPrice is returned when the feed has no price for the
	// symbol. Orders are never executed at an unknown price.
	ErrUnknownPrice = errors.New("engine: price unknown")

	// ErrGuestIdentity is returned when the guest identity attempts a
	// persisting operation. Surfaced as a prompt to authenticate.
	ErrGuestIdentity = errors.New("engine: guest identity cannot persist")
)

// Service owns the portfolio/position/trade state machine. All mutations
// flow through the store's atomic commits; the service itself holds no
// financial state.
type Service struct {
	store  store.Store
	prices pricefeed.Source
	snaps  *snapshot.Aggregator
	hub    *WSHub // optional hub for real-time broadcasts
}

// NewService creates the trading service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, prices pricefeed.Source, snaps *snapshot.Aggregator, hub *WSHub) *Service {
	return &Service{
		store:  st,
		prices: prices,
		snaps:  snaps,
		hub:    hub,
	}
}

// --- Portfolio ledger ---

// CreatePortfolio starts a fresh simulation for the user, replacing any
// prior portfolio. StartBalance is fixed here and never changes afterwards.
func (s *Service) CreatePortfolio(ctx context.Context, userID string, initialSpot, initialFutures decimal.Decimal) (*model.Portfolio, error) {
	if userID == model.GuestUserID {
		return nil, ErrGuestIdentity
	}
	if initialSpot.IsNegative() || initialFutures.IsNegative() {
		return nil, fmt.Errorf("%w: initial balances must be non-negative", ErrInvalidAmount)
	}
	start := initialSpot.Add(initialFutures)
	if start.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: starting capital must be positive", ErrInvalidAmount)
	}

	p := &model.Portfolio{
		UserID:         userID,
		SpotBalance:    initialSpot,
		FuturesBalance: initialFutures,
		InitialSpot:    initialSpot,
		InitialFutures: initialFutures,
		StartBalance:   start,
		StartedAt:      time.Now().UTC(),
	}

	if err := s.store.PutPortfolio(ctx, p); err != nil {
		return nil, err
	}

	slog.Info("portfolio created",
		"user", userID,
		"spot", initialSpot.String(),
		"futures", initialFutures.String(),
	)

	s.broadcastPortfolio(ctx, userID)
	return p, nil
}

// Portfolio returns the user's current portfolio, or store.ErrNotFound.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	return s.store.GetPortfolio(ctx, userID)
}

// Reset auto-closes every open position at the current feed price (entry
// price when no quote is available, so PnL is zero), then recreates the
// portfolio with fresh initial balances. Trades are never deleted — the
// audit trail survives the reset.
func (s *Service) Reset(ctx context.Context, userID string, initialSpot, initialFutures decimal.Decimal) (*model.Portfolio, error) {
	if userID == model.GuestUserID {
		return nil, ErrGuestIdentity
	}

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, pos := range positions {
		price := s.prices.Price(ctx, pos.Symbol)
		if price.IsZero() {
			price = pos.EntryPrice
		}
		if _, err := s.closeAt(ctx, &pos, price); err != nil {
			return nil, fmt.Errorf("reset: close %s: %w", pos.ID, err)
		}
	}

	return s.CreatePortfolio(ctx, userID, initialSpot, initialFutures)
}

// --- Position lifecycle ---

// OpenRequest is the input to Open. Amount is notional in quote currency;
// Side accepts BUY/SELL (mapped to LONG/SHORT) as well as LONG/SHORT
// directly. A zero Leverage defaults to 1.
type OpenRequest struct {
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Amount     decimal.Decimal  `json:"amount"`
	Mode       string           `json:"mode"`
	Leverage   decimal.Decimal  `json:"leverage"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

func positionSide(side string) (string, error) {
	switch side {
	case model.TradeBuy, model.SideLong:
		return model.SideLong, nil
	case model.TradeSell, model.SideShort:
		return model.SideShort, nil
	default:
		return "", fmt.Errorf("%w: side must be BUY or SELL, got %q", margin.ErrInvalidOrder, side)
	}
}

func tradeSide(posSide string, closing bool) string {
	long := posSide == model.SideLong
	if closing {
		long = !long
	}
	if long {
		return model.TradeBuy
	}
	return model.TradeSell
}

// Open validates the order, reserves margin from the owning balance, and
// commits the position plus its opening trade in one unit. Validation
// failures are reported before any write is attempted.
func (s *Service) Open(ctx context.Context, userID string, req OpenRequest) (*model.Position, error) {
	if userID == model.GuestUserID {
		return nil, ErrGuestIdentity
	}

	symbol, err := pricefeed.NormalizeSymbol(req.Symbol)
	if err != nil {
		metrics.OrderRejections.WithLabelValues("invalid_order").Inc()
		return nil, fmt.Errorf("%w: %v", margin.ErrInvalidOrder, err)
	}
	side, err := positionSide(req.Side)
	if err != nil {
		metrics.OrderRejections.WithLabelValues("invalid_order").Inc()
		return nil, err
	}
	mode, err := margin.ForName(req.Mode)
	if err != nil {
		metrics.OrderRejections.WithLabelValues("invalid_order").Inc()
		return nil, fmt.Errorf("%w: %v", margin.ErrInvalidOrder, err)
	}

	leverage := req.Leverage
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}

	price := s.prices.Price(ctx, symbol)
	if price.IsZero() {
		metrics.OrderRejections.WithLabelValues("unknown_price").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, symbol)
	}

	if err := margin.ValidateOrder(req.Amount, price, leverage); err != nil {
		metrics.OrderRejections.WithLabelValues("invalid_order").Inc()
		return nil, err
	}
	leverage = mode.NormalizeLeverage(leverage)

	qty := margin.Qty(req.Amount, price)
	reserved := mode.MarginFor(req.Amount, leverage)
	account := model.AccountForMode(mode.Name())

	// Pre-check against the balance observed now; the conditional patch
	// inside CommitOpen is the authoritative guard under concurrency.
	p, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	if reserved.GreaterThan(p.Balance(account)) {
		metrics.OrderRejections.WithLabelValues("insufficient_balance").Inc()
		return nil, fmt.Errorf("%w: margin %s exceeds %s balance %s",
			ErrInsufficientBalance, reserved, account, p.Balance(account))
	}

	now := time.Now().UTC()
	pos := &model.Position{
		ID:         uuid.New().String(),
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: price,
		Leverage:   leverage,
		Mode:       mode.Name(),
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   now,
	}
	tr := &model.Trade{
		ID:         uuid.New().String(),
		UserID:     userID,
		Symbol:     symbol,
		Side:       tradeSide(side, false),
		Qty:        qty,
		Price:      price,
		Mode:       mode.Name(),
		Leverage:   leverage,
		ExecutedAt: now,
	}
	patch := model.BalancePatch{Account: account, Delta: reserved.Neg()}

	if err := s.store.CommitOpen(ctx, userID, patch, pos, tr); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			metrics.OrderRejections.WithLabelValues("insufficient_balance").Inc()
			return nil, fmt.Errorf("%w: concurrent operation spent the balance first", ErrInsufficientBalance)
		}
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(mode.Name(), side).Inc()
	slog.Info("position opened",
		"user", userID,
		"position", pos.ID,
		"symbol", symbol,
		"side", side,
		"mode", mode.Name(),
		"qty", qty.String(),
		"entry", price.String(),
		"leverage", leverage.String(),
		"margin", reserved.String(),
	)

	s.broadcast(Event{Type: EventPositionOpened, UserID: userID, Position: pos, Trade: tr})
	s.broadcastPortfolio(ctx, userID)
	return pos, nil
}

// Close closes an open position in full at the current feed price,
// crediting margin plus realized PnL back to the owning balance and
// appending the closing trade, all in one commit.
func (s *Service) Close(ctx context.Context, userID, positionID string) (*model.Trade, error) {
	pos, err := s.store.GetPosition(ctx, userID, positionID)
	if err != nil {
		return nil, err
	}

	price := s.prices.Price(ctx, pos.Symbol)
	if price.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, pos.Symbol)
	}

	return s.closeAt(ctx, pos, price)
}

// closeAt performs the close at an explicit price. Shared by Close and
// Reset.
func (s *Service) closeAt(ctx context.Context, pos *model.Position, price decimal.Decimal) (*model.Trade, error) {
	pnl := margin.PnL(pos.Side, pos.EntryPrice, price, pos.Qty, pos.Leverage)
	returned := margin.Returned(pos.EntryPrice, pos.Qty, pos.Leverage)
	credit := returned.Add(pnl)
	account := model.AccountForMode(pos.Mode)

	// Bankruptcy floor: a leveraged loss beyond the reserved margin is
	// clamped so the balance lands at zero instead of going negative.
	// The trade still records the full computed PnL.
	if credit.IsNegative() {
		p, err := s.store.GetPortfolio(ctx, pos.UserID)
		if err != nil {
			return nil, err
		}
		if floor := p.Balance(account).Neg(); credit.LessThan(floor) {
			credit = floor
		}
	}

	tr := &model.Trade{
		ID:         uuid.New().String(),
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Side:       tradeSide(pos.Side, true),
		Qty:        pos.Qty,
		Price:      price,
		Mode:       pos.Mode,
		Leverage:   pos.Leverage,
		PnL:        &pnl,
		PositionID: pos.ID,
		ExecutedAt: time.Now().UTC(),
	}
	patch := model.BalancePatch{Account: account, Delta: credit}

	if err := s.store.CommitClose(ctx, pos.UserID, patch, pos.ID, tr); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, fmt.Errorf("%w: close would overdraw %s balance", ErrInsufficientBalance, account)
		}
		return nil, err
	}

	outcome := "win"
	if pnl.IsNegative() {
		outcome = "loss"
	}
	metrics.PositionsClosed.WithLabelValues(pos.Mode, outcome).Inc()
	slog.Info("position closed",
		"user", pos.UserID,
		"position", pos.ID,
		"symbol", pos.Symbol,
		"exit", price.String(),
		"pnl", pnl.String(),
		"credited", credit.String(),
	)

	s.broadcast(Event{Type: EventPositionClosed, UserID: pos.UserID, Trade: tr})
	s.broadcastPortfolio(ctx, pos.UserID)
	return tr, nil
}

// PositionView is an open position annotated with display-only
// mark-to-market fields. Unrealized PnL is never persisted.
type PositionView struct {
	model.Position
	Margin        decimal.Decimal  `json:"margin"`
	MarkPrice     *decimal.Decimal `json:"mark_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// Positions returns the user's open positions with unrealized PnL at the
// current feed price. Positions whose symbol has no known price carry no
// mark fields rather than a made-up zero.
func (s *Service) Positions(ctx context.Context, userID string) ([]PositionView, error) {
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(positions))
	for _, pos := range positions {
		view := PositionView{Position: pos, Margin: pos.Margin()}
		if price := s.prices.Price(ctx, pos.Symbol); !price.IsZero() {
			pnl := margin.PnL(pos.Side, pos.EntryPrice, price, pos.Qty, pos.Leverage)
			view.MarkPrice = &price
			view.UnrealizedPnL = &pnl
		}
		views = append(views, view)
	}
	return views, nil
}

// --- Trade ledger ---

// Trades returns the user's immutable trade history, most recent first.
func (s *Service) Trades(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.store.ListTrades(ctx, userID)
}

// --- Snapshots ---

// TakeSnapshot upserts today's snapshot for the user.
func (s *Service) TakeSnapshot(ctx context.Context, userID string) (*model.DailySnapshot, error) {
	snap, err := s.snaps.Take(ctx, userID, time.Now())
	if err != nil {
		return nil, err
	}
	metrics.SnapshotsTaken.Inc()
	s.broadcast(Event{Type: EventSnapshotTaken, UserID: userID, Snapshot: snap})
	return snap, nil
}

// Snapshots returns the user's daily snapshots ordered by date.
func (s *Service) Snapshots(ctx context.Context, userID string) ([]model.DailySnapshot, error) {
	return s.store.ListSnapshots(ctx, userID)
}

// MonthlySnapshots derives the monthly trend view from the daily rows.
func (s *Service) MonthlySnapshots(ctx context.Context, userID string) ([]snapshot.MonthlyPoint, error) {
	daily, err := s.store.ListSnapshots(ctx, userID)
	if err != nil {
		return nil, err
	}
	return snapshot.Monthly(daily), nil
}

// --- Broadcast helpers ---

func (s *Service) broadcast(ev Event) {
	if s.hub != nil {
		s.hub.Broadcast(ev)
	}
}

func (s *Service) broadcastPortfolio(ctx context.Context, userID string) {
	if s.hub == nil {
		return
	}
	p, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return
	}
	s.hub.Broadcast(Event{Type: EventPortfolioUpdated, UserID: userID, Portfolio: p})
}
