// Package snapshot condenses portfolio state into dated performance points.
// At most one row exists per user per calendar date; re-running the
// aggregator for the same date overwrites the prior row. The monthly view
// is derived on read and never persisted, so the two views cannot drift.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/paper-engine/internal/model"
	"github.com/finboard/paper-engine/internal/store"
)

// DateKey formats a time as the calendar-day snapshot key.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthKey formats a time or date key's month, YYYY-MM.
func MonthKey(dateKey string) string {
	if len(dateKey) < 7 {
		return dateKey
	}
	return dateKey[:7]
}

// Aggregator reads current portfolio state and upserts daily snapshots.
type Aggregator struct {
	store store.Store
}

// NewAggregator creates a snapshot aggregator.
func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Take reads the user's portfolio and upserts today's snapshot. Calling it
// twice on the same date with an unchanged portfolio yields one identical
// row, not two.
func (a *Aggregator) Take(ctx context.Context, userID string, now time.Time) (*model.DailySnapshot, error) {
	p, err := a.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	total := p.TotalValue()
	snap := &model.DailySnapshot{
		UserID:         userID,
		Date:           DateKey(now),
		SpotBalance:    p.SpotBalance,
		FuturesBalance: p.FuturesBalance,
		TotalValue:     total,
		PnL:            total.Sub(p.StartBalance),
	}

	if err := a.store.UpsertSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("upsert snapshot %s/%s: %w", userID, snap.Date, err)
	}
	return snap, nil
}

// TakeAll snapshots every user with a portfolio. Per-user failures are
// logged and skipped so one bad row cannot starve the rest of the job.
func (a *Aggregator) TakeAll(ctx context.Context, now time.Time) error {
	users, err := a.store.ListPortfolioUsers(ctx)
	if err != nil {
		return err
	}

	for _, uid := range users {
		if _, err := a.Take(ctx, uid, now); err != nil {
			slog.Error("snapshot failed", "user", uid, "err", err)
		}
	}
	return nil
}

// MonthlyPoint is one month of the coarser trend view: the daily row with
// the most recent date within that month.
type MonthlyPoint struct {
	Month          string          `json:"month"` // YYYY-MM
	Date           string          `json:"date"`  // date of the row chosen
	SpotBalance    decimal.Decimal `json:"spot_balance"`
	FuturesBalance decimal.Decimal `json:"futures_balance"`
	TotalValue     decimal.Decimal `json:"total_value"`
	PnL            decimal.Decimal `json:"pnl"`
}

// Monthly groups daily rows into monthly points, keeping for each YYYY-MM
// the row with the latest date. Input order does not matter; output is
// ordered by month ascending. Pure and restartable — never persisted.
func Monthly(daily []model.DailySnapshot) []MonthlyPoint {
	latest := make(map[string]model.DailySnapshot)
	var months []string

	for _, snap := range daily {
		month := MonthKey(snap.Date)
		cur, ok := latest[month]
		if !ok {
			months = append(months, month)
		}
		if !ok || snap.Date > cur.Date {
			latest[month] = snap
		}
	}

	// Lexical order is chronological for YYYY-MM keys.
	sort.Strings(months)

	points := make([]MonthlyPoint, 0, len(months))
	for _, month := range months {
		snap := latest[month]
		points = append(points, MonthlyPoint{
			Month:          month,
			Date:           snap.Date,
			SpotBalance:    snap.SpotBalance,
			FuturesBalance: snap.FuturesBalance,
			TotalValue:     snap.TotalValue,
			PnL:            snap.PnL,
		})
	}
	return points
}
