// Package risk implements the pre-trade notional check applied before an
// order is admitted to the queue. Like package state, it is a pure
// function with no I/O: callers compute State from the database (sum
// of open orders' remaining notional) and pass it in.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ssmd-go/ssmd/internal/oms/types"
)

// Limits bounds the total notional a session may have open at once.
type Limits struct {
	MaxNotional decimal.Decimal
}

// DefaultLimits returns the $100 default ceiling.
func DefaultLimits() Limits {
	return Limits{MaxNotional: decimal.NewFromInt(100)}
}

// State is the open notional computed from currently-open orders.
type State struct {
	OpenNotional decimal.Decimal
}

// CheckError reports a risk-limit breach, carrying the values that
// produced it so callers can render a precise rejection message.
type CheckError struct {
	Current   decimal.Decimal
	Requested decimal.Decimal
	Limit     decimal.Decimal
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("max notional exceeded: current=%s requested=%s limit=%s", e.Current, e.Requested, e.Limit)
}

// Check reports whether admitting order would keep total open notional
// within limits.
func (s State) Check(order types.OrderRequest, limits Limits) error {
	requested := order.Notional()
	total := s.OpenNotional.Add(requested)
	if total.GreaterThan(limits.MaxNotional) {
		return &CheckError{Current: s.OpenNotional, Requested: requested, Limit: limits.MaxNotional}
	}
	return nil
}
