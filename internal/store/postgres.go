package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finboard/paper-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Open/close commits run inside one transaction so the three effects are
// never observable half-applied.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// balanceColumn maps an account to its column. Accounts are a closed enum,
// so interpolating the result into SQL is safe.
func balanceColumn(acct model.Account) string {
	if acct == model.AccountFutures {
		return "futures_balance"
	}
	return "spot_balance"
}

func (s *PostgresStore) PutPortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, spot_balance, futures_balance, initial_spot, initial_futures, start_balance, started_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		   spot_balance = EXCLUDED.spot_balance,
		   futures_balance = EXCLUDED.futures_balance,
		   initial_spot = EXCLUDED.initial_spot,
		   initial_futures = EXCLUDED.initial_futures,
		   start_balance = EXCLUDED.start_balance,
		   started_at = EXCLUDED.started_at`,
		p.UserID,
		p.SpotBalance.String(), p.FuturesBalance.String(),
		p.InitialSpot.String(), p.InitialFutures.String(),
		p.StartBalance.String(), p.StartedAt,
	)
	return err
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var spot, fut, initSpot, initFut, start string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id,
		        spot_balance::TEXT, futures_balance::TEXT,
		        initial_spot::TEXT, initial_futures::TEXT, start_balance::TEXT,
		        started_at
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&p.UserID, &spot, &fut, &initSpot, &initFut, &start, &p.StartedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	p.SpotBalance, _ = decimal.NewFromString(spot)
	p.FuturesBalance, _ = decimal.NewFromString(fut)
	p.InitialSpot, _ = decimal.NewFromString(initSpot)
	p.InitialFutures, _ = decimal.NewFromString(initFut)
	p.StartBalance, _ = decimal.NewFromString(start)

	return &p, nil
}

func (s *PostgresStore) ListPortfolioUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM portfolios ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		users = append(users, uid)
	}
	return users, rows.Err()
}

// applyPatchTx applies the balance patch as one conditional UPDATE. The
// WHERE clause rejects a resulting negative balance, which is what makes
// two concurrent opens against the same funds impossible.
func applyPatchTx(ctx context.Context, tx pgx.Tx, userID string, patch model.BalancePatch) error {
	col := balanceColumn(patch.Account)
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(
			`UPDATE portfolios SET %s = %s + $2::NUMERIC
			 WHERE user_id = $1 AND %s + $2::NUMERIC >= 0`, col, col, col),
		userID, patch.Delta.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM portfolios WHERE user_id = $1)`, userID).
			Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (s *PostgresStore) CommitOpen(ctx context.Context, userID string, patch model.BalancePatch, pos *model.Position, tr *model.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := applyPatchTx(ctx, tx, userID, patch); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, symbol, side, qty, entry_price, leverage, mode, stop_loss, take_profit, opened_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11)`,
		pos.ID, pos.UserID, pos.Symbol, pos.Side,
		pos.Qty.String(), pos.EntryPrice.String(), pos.Leverage.String(),
		pos.Mode, decimalText(pos.StopLoss), decimalText(pos.TakeProfit), pos.OpenedAt,
	); err != nil {
		return err
	}

	if err := insertTradeTx(ctx, tx, tr); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) CommitClose(ctx context.Context, userID string, patch model.BalancePatch, positionID string, tr *model.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Delete first: rows-affected 0 means somebody else already closed it.
	tag, err := tx.Exec(ctx,
		`DELETE FROM positions WHERE id = $1 AND user_id = $2`, positionID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := applyPatchTx(ctx, tx, userID, patch); err != nil {
		return err
	}

	if err := insertTradeTx(ctx, tx, tr); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func insertTradeTx(ctx context.Context, tx pgx.Tx, tr *model.Trade) error {
	var posID interface{}
	if tr.PositionID != "" {
		posID = tr.PositionID
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, side, qty, price, mode, leverage, pnl, position_id, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		tr.ID, tr.UserID, tr.Symbol, tr.Side,
		tr.Qty.String(), tr.Price.String(), tr.Mode, tr.Leverage.String(),
		decimalText(tr.PnL), posID, tr.ExecutedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, symbol, side,
		        qty::TEXT, entry_price::TEXT, leverage::TEXT,
		        mode, stop_loss::TEXT, take_profit::TEXT, opened_at
		 FROM positions WHERE id = $1 AND user_id = $2`, id, userID)

	pos, err := scanPosition(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return pos, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, side,
		        qty::TEXT, entry_price::TEXT, leverage::TEXT,
		        mode, stop_loss::TEXT, take_profit::TEXT, opened_at
		 FROM positions WHERE user_id = $1 ORDER BY opened_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, side,
		        qty::TEXT, price::TEXT, mode, leverage::TEXT,
		        pnl::TEXT, position_id, executed_at
		 FROM trades WHERE user_id = $1 ORDER BY executed_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var qty, price, lev string
		var pnl, posID *string

		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.Symbol, &tr.Side,
			&qty, &price, &tr.Mode, &lev,
			&pnl, &posID, &tr.ExecutedAt); err != nil {
			return nil, err
		}

		tr.Qty, _ = decimal.NewFromString(qty)
		tr.Price, _ = decimal.NewFromString(price)
		tr.Leverage, _ = decimal.NewFromString(lev)
		tr.PnL = decimalFromText(pnl)
		if posID != nil {
			tr.PositionID = *posID
		}

		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap *model.DailySnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_snapshots (user_id, date, spot_balance, futures_balance, total_value, pnl)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (user_id, date) DO UPDATE SET
		   spot_balance = EXCLUDED.spot_balance,
		   futures_balance = EXCLUDED.futures_balance,
		   total_value = EXCLUDED.total_value,
		   pnl = EXCLUDED.pnl`,
		snap.UserID, snap.Date,
		snap.SpotBalance.String(), snap.FuturesBalance.String(),
		snap.TotalValue.String(), snap.PnL.String(),
	)
	return err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, userID string) ([]model.DailySnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, date,
		        spot_balance::TEXT, futures_balance::TEXT, total_value::TEXT, pnl::TEXT
		 FROM daily_snapshots WHERE user_id = $1 ORDER BY date`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.DailySnapshot
	for rows.Next() {
		var snap model.DailySnapshot
		var spot, fut, total, pnl string

		if err := rows.Scan(&snap.UserID, &snap.Date,
			&spot, &fut, &total, &pnl); err != nil {
			return nil, err
		}

		snap.SpotBalance, _ = decimal.NewFromString(spot)
		snap.FuturesBalance, _ = decimal.NewFromString(fut)
		snap.TotalValue, _ = decimal.NewFromString(total)
		snap.PnL, _ = decimal.NewFromString(pnl)

		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var qty, entry, lev string
	var stopLoss, takeProfit *string

	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Side,
		&qty, &entry, &lev,
		&p.Mode, &stopLoss, &takeProfit, &p.OpenedAt); err != nil {
		return nil, err
	}

	p.Qty, _ = decimal.NewFromString(qty)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.Leverage, _ = decimal.NewFromString(lev)
	p.StopLoss = decimalFromText(stopLoss)
	p.TakeProfit = decimalFromText(takeProfit)

	return &p, nil
}

// decimalText renders an optional decimal for a nullable NUMERIC column.
func decimalText(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func decimalFromText(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
