package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finboard/paper-engine/internal/margin"
	"github.com/finboard/paper-engine/internal/model"
	"github.com/finboard/paper-engine/internal/pricefeed"
	"github.com/finboard/paper-engine/internal/snapshot"
	"github.com/finboard/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	svc    *Service
	store  *store.MemoryStore
	prices *pricefeed.Static
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	prices := pricefeed.NewStatic()
	svc := NewService(ms, prices, snapshot.NewAggregator(ms), nil)
	return &testEnv{svc: svc, store: ms, prices: prices}
}

func (e *testEnv) createPortfolio(t *testing.T, userID string, spot, futures float64) {
	t.Helper()
	_, err := e.svc.CreatePortfolio(context.Background(), userID, d(spot), d(futures))
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T, userID string, acct model.Account) decimal.Decimal {
	t.Helper()
	p, err := e.store.GetPortfolio(context.Background(), userID)
	require.NoError(t, err)
	return p.Balance(acct)
}

// --- Portfolio creation ---

func TestCreatePortfolio(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.svc.CreatePortfolio(context.Background(), "user1", d(10000), d(5000))
	require.NoError(t, err)

	assert.True(t, p.StartBalance.Equal(d(15000)))
	assert.True(t, p.SpotBalance.Equal(d(10000)))
	assert.True(t, p.FuturesBalance.Equal(d(5000)))
}

func TestCreatePortfolio_InvalidAmounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreatePortfolio(ctx, "user1", d(-1), d(100))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.svc.CreatePortfolio(ctx, "user1", d(0), d(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreatePortfolio_GuestRefused(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreatePortfolio(context.Background(), model.GuestUserID, d(1000), d(0))
	assert.ErrorIs(t, err, ErrGuestIdentity)
}

// --- Open ---

func TestOpen_SpotLong(t *testing.T) {
	// Spot 10000, LONG amount 1000 at price 100.
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(100))

	pos, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT",
		Side:   model.TradeBuy,
		Amount: d(1000),
		Mode:   model.ModeSpot,
	})
	require.NoError(t, err)

	assert.Equal(t, model.SideLong, pos.Side)
	assert.True(t, pos.Qty.Equal(d(10)), "qty = amount/price")
	assert.True(t, pos.EntryPrice.Equal(d(100)))
	assert.True(t, pos.Leverage.Equal(d(1)), "spot forces leverage 1")
	assert.True(t, env.balance(t, "user1", model.AccountSpot).Equal(d(9000)))
}

func TestOpen_FuturesShortLeveraged(t *testing.T) {
	// Futures 5000, SHORT amount 2000 lev 10 at price 50.
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 0, 5000)
	env.prices.Set("ETHUSDT", d(50))

	pos, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol:   "ETHUSDT",
		Side:     model.TradeSell,
		Amount:   d(2000),
		Mode:     model.ModeFutures,
		Leverage: d(10),
	})
	require.NoError(t, err)

	assert.Equal(t, model.SideShort, pos.Side)
	assert.True(t, pos.Qty.Equal(d(40)))
	assert.True(t, env.balance(t, "user1", model.AccountFutures).Equal(d(4800)), "margin 200 reserved")
}

func TestOpen_WritesOpeningTrade(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(100))

	_, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	trades, err := env.svc.Trades(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, model.TradeBuy, trades[0].Side)
	assert.Nil(t, trades[0].PnL, "opening trades carry no pnl")
	assert.Empty(t, trades[0].PositionID)
}

func TestOpen_InsufficientBalance_ZeroWrites(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 500, 0)
	env.prices.Set("BTCUSDT", d(100))

	_, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Rejection must leave all three collections untouched.
	assert.True(t, env.balance(t, "user1", model.AccountSpot).Equal(d(500)))
	positions, _ := env.store.ListPositions(context.Background(), "user1")
	assert.Empty(t, positions)
	trades, _ := env.store.ListTrades(context.Background(), "user1")
	assert.Empty(t, trades)
}

func TestOpen_UnknownPriceRefused(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)

	_, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	assert.ErrorIs(t, err, ErrUnknownPrice)
}

func TestOpen_InvalidOrders(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 10000)
	env.prices.Set("BTCUSDT", d(100))

	tests := []struct {
		name string
		req  OpenRequest
	}{
		{"zero amount", OpenRequest{Symbol: "BTCUSDT", Side: "BUY", Amount: d(0), Mode: model.ModeSpot}},
		{"negative amount", OpenRequest{Symbol: "BTCUSDT", Side: "BUY", Amount: d(-10), Mode: model.ModeSpot}},
		{"fractional leverage", OpenRequest{Symbol: "BTCUSDT", Side: "BUY", Amount: d(100), Mode: model.ModeFutures, Leverage: d(0.5)}},
		{"bad side", OpenRequest{Symbol: "BTCUSDT", Side: "HODL", Amount: d(100), Mode: model.ModeSpot}},
		{"bad mode", OpenRequest{Symbol: "BTCUSDT", Side: "BUY", Amount: d(100), Mode: "OPTIONS"}},
		{"bad symbol", OpenRequest{Symbol: "BTC USDT", Side: "BUY", Amount: d(100), Mode: model.ModeSpot}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Open(context.Background(), "user1", tt.req)
			assert.ErrorIs(t, err, margin.ErrInvalidOrder)
		})
	}
}

func TestOpen_GuestRefused(t *testing.T) {
	env := newTestEnv(t)
	env.prices.Set("BTCUSDT", d(100))

	_, err := env.svc.Open(context.Background(), model.GuestUserID, OpenRequest{
		Symbol: "BTCUSDT", Side: "BUY", Amount: d(100), Mode: model.ModeSpot,
	})
	assert.ErrorIs(t, err, ErrGuestIdentity)
}

// --- Close ---

func TestClose_LongProfit(t *testing.T) {
	// Open LONG 1000 @ 100, close @ 110 → pnl 100,
	// credited 1100, spot 10000 → 9000 → 10100.
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(100))

	pos, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	env.prices.Set("BTCUSDT", d(110))
	tr, err := env.svc.Close(context.Background(), "user1", pos.ID)
	require.NoError(t, err)

	require.NotNil(t, tr.PnL)
	assert.True(t, tr.PnL.Equal(d(100)), "pnl = (110-100)*10*1")
	assert.Equal(t, model.TradeSell, tr.Side)
	assert.Equal(t, pos.ID, tr.PositionID)
	assert.True(t, env.balance(t, "user1", model.AccountSpot).Equal(d(10100)))

	// Position is gone — terminal state.
	_, err = env.store.GetPosition(context.Background(), "user1", pos.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClose_ShortLeveragedProfit(t *testing.T) {
	// SHORT 2000 lev 10 @ 50, close @ 45 → pnl 2000,
	// credited 2200, futures 5000 → 4800 → 7000.
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 0, 5000)
	env.prices.Set("ETHUSDT", d(50))

	pos, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "ETHUSDT", Side: model.TradeSell, Amount: d(2000), Mode: model.ModeFutures, Leverage: d(10),
	})
	require.NoError(t, err)

	env.prices.Set("ETHUSDT", d(45))
	tr, err := env.svc.Close(context.Background(), "user1", pos.ID)
	require.NoError(t, err)

	assert.True(t, tr.PnL.Equal(d(2000)))
	assert.Equal(t, model.TradeBuy, tr.Side)
	assert.True(t, env.balance(t, "user1", model.AccountFutures).Equal(d(7000)))
}

func TestClose_MarginConservation(t *testing.T) {
	// Open then close at the same price with no leverage: balance after
	// close equals balance before open.
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(250))

	pos, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(4000), Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	tr, err := env.svc.Close(context.Background(), "user1", pos.ID)
	require.NoError(t, err)

	assert.True(t, tr.PnL.IsZero())
	assert.True(t, env.balance(t, "user1", model.AccountSpot).Equal(d(10000)))
}

func TestClose_BankruptcyFloor(t *testing.T) {
	// Leveraged loss beyond the reserved margin clamps the balance at
	// zero; the trade still records the full pnl.
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 0, 300)
	env.prices.Set("ETHUSDT", d(50))

	pos, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "ETHUSDT", Side: model.TradeBuy, Amount: d(2000), Mode: model.ModeFutures, Leverage: d(10),
	})
	require.NoError(t, err)
	require.True(t, env.balance(t, "user1", model.AccountFutures).Equal(d(100)))

	// pnl = (42.5-50)*40*10 = -3000; credit = 200 - 3000 = -2800.
	env.prices.Set("ETHUSDT", d(42.5))
	tr, err := env.svc.Close(context.Background(), "user1", pos.ID)
	require.NoError(t, err)

	assert.True(t, tr.PnL.Equal(d(-3000)))
	assert.True(t, env.balance(t, "user1", model.AccountFutures).IsZero(),
		"balance floors at zero, never negative")
}

func TestClose_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 1000, 0)

	_, err := env.svc.Close(context.Background(), "user1", "no-such-position")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClose_UnknownPriceRefused(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(100))

	pos, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	env.prices.Set("BTCUSDT", decimal.Zero)
	_, err = env.svc.Close(context.Background(), "user1", pos.ID)
	assert.ErrorIs(t, err, ErrUnknownPrice)
}

// --- Audit completeness ---

func TestAudit_EveryCloseReferencesItsPosition(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 5000)
	env.prices.Set("BTCUSDT", d(100))
	env.prices.Set("ETHUSDT", d(50))

	ctx := context.Background()
	var ids []string
	for _, req := range []OpenRequest{
		{Symbol: "BTCUSDT", Side: "BUY", Amount: d(1000), Mode: model.ModeSpot},
		{Symbol: "ETHUSDT", Side: "SELL", Amount: d(500), Mode: model.ModeFutures, Leverage: d(5)},
	} {
		pos, err := env.svc.Open(ctx, "user1", req)
		require.NoError(t, err)
		ids = append(ids, pos.ID)
	}
	for _, id := range ids {
		_, err := env.svc.Close(ctx, "user1", id)
		require.NoError(t, err)
	}

	trades, err := env.svc.Trades(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, trades, 4, "two opens + two closes")

	closes := make(map[string]int)
	for _, tr := range trades {
		if tr.PositionID != "" {
			require.NotNil(t, tr.PnL)
			closes[tr.PositionID]++
		}
	}
	for _, id := range ids {
		assert.Equal(t, 1, closes[id], "exactly one closing trade per position")
	}
}

// --- Unrealized PnL ---

func TestPositions_UnrealizedPnL(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(100))

	_, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	env.prices.Set("BTCUSDT", d(105))
	views, err := env.svc.Positions(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, views, 1)

	require.NotNil(t, views[0].UnrealizedPnL)
	assert.True(t, views[0].UnrealizedPnL.Equal(d(50)), "(105-100)*10")
	assert.True(t, views[0].Margin.Equal(d(1000)))
}

func TestPositions_UnknownPriceOmitsMark(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(100))

	_, err := env.svc.Open(context.Background(), "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	env.prices.Set("BTCUSDT", decimal.Zero)
	views, err := env.svc.Positions(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Nil(t, views[0].UnrealizedPnL)
	assert.Nil(t, views[0].MarkPrice)
}

// --- Reset ---

func TestReset_AutoClosesAndKeepsTrades(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(100))

	ctx := context.Background()
	_, err := env.svc.Open(ctx, "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	p, err := env.svc.Reset(ctx, "user1", d(20000), d(0))
	require.NoError(t, err)

	assert.True(t, p.SpotBalance.Equal(d(20000)))
	assert.True(t, p.StartBalance.Equal(d(20000)))

	positions, _ := env.store.ListPositions(ctx, "user1")
	assert.Empty(t, positions, "no orphaned positions after reset")

	trades, _ := env.svc.Trades(ctx, "user1")
	assert.Len(t, trades, 2, "audit trail survives the reset")
}

func TestReset_ClosesAtEntryWhenPriceUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 10000, 0)
	env.prices.Set("BTCUSDT", d(100))

	ctx := context.Background()
	_, err := env.svc.Open(ctx, "user1", OpenRequest{
		Symbol: "BTCUSDT", Side: model.TradeBuy, Amount: d(1000), Mode: model.ModeSpot,
	})
	require.NoError(t, err)

	env.prices.Set("BTCUSDT", decimal.Zero)
	_, err = env.svc.Reset(ctx, "user1", d(5000), d(0))
	require.NoError(t, err)

	trades, _ := env.svc.Trades(ctx, "user1")
	require.Len(t, trades, 2)
	require.NotNil(t, trades[0].PnL)
	assert.True(t, trades[0].PnL.IsZero(), "unknown price closes flat at entry")
}

// --- Balance non-negativity across a mixed sequence ---

func TestSequence_BalancesNeverNegative(t *testing.T) {
	env := newTestEnv(t)
	env.createPortfolio(t, "user1", 1000, 1000)
	env.prices.Set("BTCUSDT", d(100))

	ctx := context.Background()
	var open []string
	for i := 0; i < 5; i++ {
		pos, err := env.svc.Open(ctx, "user1", OpenRequest{
			Symbol: "BTCUSDT", Side: "BUY", Amount: d(300), Mode: model.ModeSpot,
		})
		if err != nil {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		} else {
			open = append(open, pos.ID)
		}
		assert.False(t, env.balance(t, "user1", model.AccountSpot).IsNegative())
	}
	// 1000/300: only three opens can fit.
	assert.Len(t, open, 3)

	env.prices.Set("BTCUSDT", d(80))
	for _, id := range open {
		_, err := env.svc.Close(ctx, "user1", id)
		require.NoError(t, err)
		assert.False(t, env.balance(t, "user1", model.AccountSpot).IsNegative())
	}
}
