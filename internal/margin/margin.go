// Package margin implements the pure financial math of the paper-trading
// engine: trading-mode margin rules, order validation, and realized /
// unrealized profit-and-loss.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The package is stateless — balances and positions are passed as
// arguments, not stored.
package margin

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/finboard/paper-engine/internal/model"
)

var (
	// ErrInvalidOrder is returned when an order's amount, price, or
	// leverage fails validation.
	ErrInvalidOrder = errors.New("margin: invalid order")

	// ErrUnknownMode is returned for a mode name with no registered rule.
	ErrUnknownMode = errors.New("margin: unknown trading mode")
)

var one = decimal.NewFromInt(1)

// Mode is a tagged trading-mode variant carrying its margin rule. New modes
// are added by implementing Mode and registering it in ForName — operations
// never branch on mode names directly.
type Mode interface {
	// Name is the wire name, e.g. "SPOT".
	Name() string

	// NormalizeLeverage maps a requested leverage onto what the mode
	// permits. SPOT forces 1.
	NormalizeLeverage(leverage decimal.Decimal) decimal.Decimal

	// MarginFor computes the capital reserved for a notional amount at
	// the given (already normalized) leverage.
	MarginFor(amount, leverage decimal.Decimal) decimal.Decimal
}

type spotMode struct{}

func (spotMode) Name() string { return model.ModeSpot }

func (spotMode) NormalizeLeverage(decimal.Decimal) decimal.Decimal { return one }

// Spot reserves the full notional: no leverage, margin = amount.
func (spotMode) MarginFor(amount, _ decimal.Decimal) decimal.Decimal { return amount }

type futuresMode struct{}

func (futuresMode) Name() string { return model.ModeFutures }

func (futuresMode) NormalizeLeverage(leverage decimal.Decimal) decimal.Decimal {
	if leverage.LessThan(one) {
		return one
	}
	return leverage
}

func (futuresMode) MarginFor(amount, leverage decimal.Decimal) decimal.Decimal {
	return amount.Div(leverage)
}

// ForName resolves a mode name to its variant.
func ForName(name string) (Mode, error) {
	switch name {
	case model.ModeSpot:
		return spotMode{}, nil
	case model.ModeFutures:
		return futuresMode{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// ValidateOrder checks the inputs of an open request. Amount and price must
// be positive, leverage at least 1. Violations return ErrInvalidOrder.
func ValidateOrder(amount, price, leverage decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidOrder, amount)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidOrder, price)
	}
	if leverage.LessThan(one) {
		return fmt.Errorf("%w: leverage must be >= 1, got %s", ErrInvalidOrder, leverage)
	}
	return nil
}

// Qty converts a notional amount in quote currency into base quantity at
// the given price.
func Qty(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Div(price)
}

// PnL computes the profit or loss of moving from entry to exit price:
// direction * (exit - entry) * qty * leverage, where direction is +1 for
// LONG and -1 for SHORT. Used both for realized PnL at close and for
// mark-to-market display on open positions.
func PnL(side string, entry, exit, qty, leverage decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == model.SideShort {
		diff = entry.Sub(exit)
	}
	return diff.Mul(qty).Mul(leverage)
}

// Returned is the margin released when a position closes, before PnL is
// credited: entryPrice * qty / leverage.
func Returned(entry, qty, leverage decimal.Decimal) decimal.Decimal {
	return entry.Mul(qty).Div(leverage)
}
