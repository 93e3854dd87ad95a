// Package types holds the order domain vocabulary shared by the risk
// engine, the state machine, and the persistence layer: the request a
// client submits, and the small enums that describe it.
package types

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the contract side an order trades.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Action is buy or sell.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// TimeInForce controls how long a resting order remains eligible to fill.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// CancelReason records why an order was cancelled or rejected, for audit.
type CancelReason string

const (
	CancelUserRequested     CancelReason = "user_requested"
	CancelRiskLimitBreached CancelReason = "risk_limit_breached"
	CancelShutdown          CancelReason = "shutdown"
	CancelExpired           CancelReason = "expired"
	CancelExchangeCancel    CancelReason = "exchange_cancel"
)

// GroupType names the supported multi-leg order shapes.
type GroupType string

const (
	GroupBracket GroupType = "bracket"
	GroupOCO     GroupType = "oco"
)

// LegRole identifies what part a leg plays within its group, so trigger
// evaluation knows which siblings to activate or cancel.
type LegRole string

const (
	LegEntry      LegRole = "entry"
	LegTakeProfit LegRole = "take_profit"
	LegStopLoss   LegRole = "stop_loss"
	LegOCO        LegRole = "oco_leg"
)

// GroupState tracks a group's own lifecycle, independent of its legs'
// individual order states.
type GroupState string

const (
	GroupActive    GroupState = "active"
	GroupCompleted GroupState = "completed"
	GroupCancelled GroupState = "cancelled"
)

// OrderRequest is the validated input to the enqueue operation: a market
// order, expressed in whole contracts at an integer cent price (Kalshi's
// native units), with a client-supplied idempotency key.
type OrderRequest struct {
	ClientOrderID uuid.UUID
	Ticker        string
	Side          Side
	Action        Action
	Quantity      int32
	PriceCents    int32
	TimeInForce   TimeInForce
}

// Notional returns the dollar exposure of the request: quantity contracts
// at price_cents/100 dollars each.
func (r OrderRequest) Notional() decimal.Decimal {
	price := decimal.New(int64(r.PriceCents), -2)
	return price.Mul(decimal.NewFromInt32(r.Quantity))
}

// Validate enforces the bounds the HTTP layer rejects on: positive
// quantity, and a price strictly between 0 and 100 cents (Kalshi markets
// never settle at 0 or 100 while open).
func (r OrderRequest) Validate() error {
	if r.Quantity <= 0 {
		return errQuantity
	}
	if r.PriceCents <= 0 || r.PriceCents >= 100 {
		return errPrice
	}
	return nil
}

var (
	errQuantity = validationError("quantity must be positive")
	errPrice    = validationError("price_cents must be between 1 and 99")
)

type validationError string

func (e validationError) Error() string { return string(e) }
