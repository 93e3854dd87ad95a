package oms

import (
	"context"
	"fmt"
	"time"

	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/oms/state"
)

// staleQueueAge is how long a queue entry may sit claimed (processing=true)
// before recovery or reconciliation assumes the claimant crashed and
// clears it for retry.
const staleQueueAge = 60 * time.Second

// RecoveryResult tallies what the recovery pass did, for logging and for
// the /admin/reconcile response.
type RecoveryResult struct {
	AmbiguousResolved int  `json:"ambiguous_resolved"`
	FillsRecorded     int  `json:"fills_recorded"`
	ExternalImported  int  `json:"external_imported"`
	StateUpdates      int  `json:"state_updates"`
	StaleQueueCleared int64 `json:"stale_queue_cleared"`
}

// Recover runs the full startup recovery sequence: resolve orders left in
// an ambiguous state by a crash, import any fills the exchange recorded
// while the process was down, log a position-consistency check, and clear
// queue entries stuck mid-claim. It must complete before the order API
// starts serving traffic, or a restarted process could resubmit an order
// the previous instance already sent.
func (s *Store) Recover(ctx context.Context, sessionID int64, exchange Exchange) (RecoveryResult, error) {
	logger.Info("starting recovery for session %d", sessionID)

	var result RecoveryResult

	resolved, err := s.resolveAmbiguousOrders(ctx, sessionID, exchange)
	if err != nil {
		return result, err
	}
	result.AmbiguousResolved = resolved

	recorded, external, updates, err := s.discoverMissingFills(ctx, sessionID, exchange)
	if err != nil {
		return result, err
	}
	result.FillsRecorded = recorded
	result.ExternalImported = external
	result.StateUpdates = updates

	if err := s.verifyPositions(ctx, exchange); err != nil {
		return result, err
	}

	cleared, err := s.CleanStaleQueue(staleQueueAge)
	if err != nil {
		return result, fmt.Errorf("clean stale queue: %w", err)
	}
	result.StaleQueueCleared = cleared
	if cleared > 0 {
		logger.Info("reset %d stale processing queue items", cleared)
	}

	logger.Info("recovery complete for session %d", sessionID)
	return result, nil
}

// Reconcile runs the subset of recovery safe to call repeatedly against a
// live system (no "must run before anything else" ordering requirement):
// it resolves ambiguous orders and clears stale queue claims. This backs
// the POST /v1/admin/reconcile endpoint.
func (s *Store) Reconcile(ctx context.Context, sessionID int64, exchange Exchange) (RecoveryResult, error) {
	var result RecoveryResult

	resolved, err := s.resolveAmbiguousOrders(ctx, sessionID, exchange)
	if err != nil {
		return result, err
	}
	result.AmbiguousResolved = resolved

	cleared, err := s.CleanStaleQueue(staleQueueAge)
	if err != nil {
		return result, fmt.Errorf("clean stale queue: %w", err)
	}
	result.StaleQueueCleared = cleared
	return result, nil
}

func (s *Store) resolveAmbiguousOrders(ctx context.Context, sessionID int64, exchange Exchange) (int, error) {
	ambiguous, err := s.AmbiguousOrders(sessionID)
	if err != nil {
		return 0, err
	}
	if len(ambiguous) == 0 {
		logger.Info("no ambiguous orders to recover")
		return 0, nil
	}
	logger.Info("recovering %d ambiguous orders", len(ambiguous))

	resolved := 0
	for _, order := range ambiguous {
		status, err := exchange.GetOrderStatus(ctx, order.ClientOrderID)
		switch {
		case err == nil:
			newState, ok := state.ResolveExchangeState(order.State, status.Status)
			if !ok {
				// The only ambiguous pairing: PendingCancel still Resting
				// means the exchange never received the cancel. Re-send it.
				if order.State == state.PendingCancel && status.Status == state.ExchangeResting && order.ExchangeOrderID != nil {
					logger.Warn("order %d recovery: pending_cancel still resting, re-sending cancel", order.ID)
					if cErr := exchange.CancelOrder(ctx, *order.ExchangeOrderID); cErr != nil {
						logger.Warn("order %d re-cancel failed, will retry next reconciliation: %v", order.ID, cErr)
						continue
					}
					logger.Info("order %d re-cancel succeeded", order.ID)
					newState, ok = state.Cancelled, true
				} else {
					logger.Warn("order %d unhandled recovery case: local=%s exchange=%s", order.ID, order.State, status.Status)
					continue
				}
			}

			exchangeOrderID := status.ExchangeOrderID
			filledQty := status.FilledQuantity
			if uErr := s.SetResolvedState(order.ID, newState, &exchangeOrderID, &filledQty, "recovery"); uErr != nil {
				logger.Error("failed to update recovered order %d state: %v", order.ID, uErr)
				continue
			}
			logger.Info("order %d recovery resolved from %s to %s", order.ID, order.State, newState)
			resolved++

		case isExchangeErrorKind(err, ExchangeErrNotFound):
			switch order.State {
			case state.Submitted:
				logger.Info("order %d recovery: submitted order not found on exchange, rejected", order.ID)
				if uErr := s.SetResolvedState(order.ID, state.Rejected, nil, nil, "recovery"); uErr != nil {
					logger.Error("failed to reject order %d: %v", order.ID, uErr)
					continue
				}
				resolved++
			case state.PendingCancel:
				logger.Info("order %d recovery: pending_cancel order not found, cancelled", order.ID)
				if uErr := s.SetResolvedState(order.ID, state.Cancelled, nil, nil, "recovery"); uErr != nil {
					logger.Error("failed to cancel order %d: %v", order.ID, uErr)
					continue
				}
				resolved++
			default:
				logger.Warn("order %d in %s state not found on exchange, leaving for manual review", order.ID, order.State)
			}

		case isExchangeErrorKind(err, ExchangeErrConnection), isExchangeErrorKind(err, ExchangeErrTimeout):
			return resolved, fmt.Errorf("exchange unreachable during recovery: %w", err)

		default:
			return resolved, fmt.Errorf("exchange error during recovery for order %d: %w", order.ID, err)
		}
	}
	return resolved, nil
}

func (s *Store) discoverMissingFills(ctx context.Context, sessionID int64, exchange Exchange) (recorded, external, stateUpdates int, err error) {
	fills, err := exchange.GetFills(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("get fills: %w", err)
	}
	logger.Info("fetched %d exchange fills for recovery", len(fills))

	orders, err := s.List(sessionID, nil)
	if err != nil {
		return 0, 0, 0, err
	}

	byExchangeID := make(map[string]int, len(orders))
	for i, o := range orders {
		if o.ExchangeOrderID != nil {
			byExchangeID[*o.ExchangeOrderID] = i
		}
	}

	touched := make(map[int64]bool)
	for _, fill := range fills {
		if idx, ok := byExchangeID[fill.ExchangeOrderID]; ok {
			order := orders[idx]
			inserted, rErr := s.RecordFill(order.ID, fill.TradeID, fill.PriceCents, fill.Quantity, fill.IsTaker, fill.FilledAt)
			if rErr != nil {
				return recorded, external, stateUpdates, rErr
			}
			if inserted {
				recorded++
				touched[order.ID] = true
			}
			continue
		}

		logger.Info("recovery: importing external fill trade_id=%s exchange_order_id=%s ticker=%s", fill.TradeID, fill.ExchangeOrderID, fill.Ticker)
		orderID, cErr := s.CreateExternalOrder(ExternalOrderParams{
			SessionID: sessionID, ExchangeOrderID: fill.ExchangeOrderID, Ticker: fill.Ticker,
			Side: fill.Side, Action: fill.Action, Quantity: fill.Quantity, PriceCents: fill.PriceCents,
		})
		if cErr != nil {
			logger.Error("recovery: failed to import external fill trade_id=%s: %v", fill.TradeID, cErr)
			continue
		}
		inserted, rErr := s.RecordFill(orderID, fill.TradeID, fill.PriceCents, fill.Quantity, fill.IsTaker, fill.FilledAt)
		if rErr != nil {
			return recorded, external, stateUpdates, rErr
		}
		if inserted {
			recorded++
			external++
		}
	}

	if recorded > 0 {
		logger.Info("recorded %d missing fills during recovery (%d external)", recorded, external)
	}

	byOrderID := make(map[int64]int, len(orders))
	for i, o := range orders {
		byOrderID[o.ID] = i
	}

	for orderID := range touched {
		idx, ok := byOrderID[orderID]
		if !ok {
			continue
		}
		order := orders[idx]
		if order.State.IsTerminal() {
			continue
		}
		filledQty, fErr := s.FilledQuantity(order.ID)
		if fErr != nil {
			return recorded, external, stateUpdates, fErr
		}
		var newState state.OrderState
		switch {
		case filledQty >= order.Quantity:
			newState = state.Filled
		case filledQty > 0:
			newState = state.PartiallyFilled
		default:
			continue
		}
		if newState == order.State {
			continue
		}
		logger.Info("recovery: order %d state updated from fills %s -> %s (filled=%d)", order.ID, order.State, newState, filledQty)
		event := state.OrderEvent{Kind: state.EventFill, FilledQty: filledQty - order.FilledQuantity}
		if newState == state.PartiallyFilled {
			event.Kind = state.EventPartialFill
		}
		if uErr := s.UpdateState(order.ID, event, "recovery"); uErr != nil {
			logger.Error("failed to update order %d state from recovery fills: %v", order.ID, uErr)
			continue
		}
		stateUpdates++
	}

	return recorded, external, stateUpdates, nil
}

func (s *Store) verifyPositions(ctx context.Context, exchange Exchange) error {
	positions, err := exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	logger.Info("fetched %d exchange positions for verification", len(positions))
	for _, pos := range positions {
		logger.Info("exchange position ticker=%s side=%s quantity=%d", pos.Ticker, pos.Side, pos.Quantity)
	}
	return nil
}
