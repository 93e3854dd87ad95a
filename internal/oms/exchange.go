package oms

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

// Exchange is the mutation and query surface the pump and recovery loop
// drive orders through. Each method maps to one exchange REST call;
// implementations (Kalshi, Kraken, Polymarket) live under internal/exchange.
type Exchange interface {
	SubmitOrder(ctx context.Context, request types.OrderRequest) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	AmendOrder(ctx context.Context, request AmendRequest) (AmendResult, error)
	DecreaseOrder(ctx context.Context, exchangeOrderID string, reduceBy int32) error

	// GetOrderStatus looks up an order by the client-supplied idempotency
	// key, used by recovery to resolve orders left in an ambiguous state
	// by a crash.
	GetOrderStatus(ctx context.Context, clientOrderID uuid.UUID) (ExchangeOrderStatus, error)
	// GetFills returns fills recorded since the given time (or all
	// available history when since is nil).
	GetFills(ctx context.Context, since *time.Time) ([]ExchangeFill, error)
	GetPositions(ctx context.Context) ([]Position, error)
}

// ExchangeOrderStatus is the exchange's own view of an order.
type ExchangeOrderStatus struct {
	ExchangeOrderID string
	Status          state.ExchangeOrderState
	FilledQuantity  int32
}

// ExchangeFill is one trade execution as the exchange reports it,
// keyed to the order by ExchangeOrderID (not the local order id).
type ExchangeFill struct {
	ExchangeOrderID string
	TradeID         string
	Ticker          string
	Side            types.Side
	Action          types.Action
	PriceCents      int32
	Quantity        int32
	IsTaker         bool
	FilledAt        time.Time
}

// Position is the exchange's reported net position in one market.
type Position struct {
	Ticker   string
	Side     types.Side
	Quantity int32
}

// AmendRequest carries the exchange order plus the new price/quantity; a
// Kalshi-style venue requires both fields on every amend even when only one
// changed, so callers fill the unchanged value in from the current order.
type AmendRequest struct {
	ExchangeOrderID string
	Ticker          string
	Side            types.Side
	Action          types.Action
	NewPriceCents   int32
	NewQuantity     int32
}

// AmendResult is the exchange's confirmation of an amend: most venues
// cancel-replace under a new order id rather than mutating in place.
type AmendResult struct {
	ExchangeOrderID string
	NewPriceCents   int32
	NewQuantity     int32
}

// ExchangeErrorKind classifies an exchange call failure so the pump can
// decide whether to requeue, give up, or reconcile later.
type ExchangeErrorKind int

const (
	ExchangeErrUnexpected ExchangeErrorKind = iota
	ExchangeErrRejected
	ExchangeErrRateLimited
	ExchangeErrTimeout
	ExchangeErrNotFound
	ExchangeErrConnection
	ExchangeErrAuth
)

// ExchangeError wraps a failed exchange call with enough context for the
// pump's per-outcome handling, mirroring the reference client's error enum.
type ExchangeError struct {
	Kind         ExchangeErrorKind
	Reason       string
	RetryAfterMs int64
}

func (e *ExchangeError) Error() string {
	switch e.Kind {
	case ExchangeErrRejected:
		return fmt.Sprintf("exchange rejected order: %s", e.Reason)
	case ExchangeErrRateLimited:
		return fmt.Sprintf("exchange rate limited (retry after %dms)", e.RetryAfterMs)
	case ExchangeErrTimeout:
		return "exchange request timed out"
	case ExchangeErrNotFound:
		return "order not found on exchange"
	case ExchangeErrConnection:
		return fmt.Sprintf("exchange connection error: %s", e.Reason)
	case ExchangeErrAuth:
		return fmt.Sprintf("exchange auth error: %s", e.Reason)
	default:
		return fmt.Sprintf("exchange error: %s", e.Reason)
	}
}

func isExchangeErrorKind(err error, kind ExchangeErrorKind) bool {
	ee, ok := err.(*ExchangeError)
	return ok && ee.Kind == kind
}

// centsToDecimal converts a price in cents to dollars.
func centsToDecimal(cents int32) decimal.Decimal {
	return decimal.New(int64(cents), -2)
}
