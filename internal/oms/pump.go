package oms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/models"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

// PumpResult tallies the outcome of one pump sweep, returned to the
// /admin/pump caller so an operator can see what happened without
// grepping logs.
type PumpResult struct {
	Processed int      `json:"processed"`
	Submitted int      `json:"submitted"`
	Rejected  int      `json:"rejected"`
	Cancelled int      `json:"cancelled"`
	Amended   int      `json:"amended"`
	Decreased int      `json:"decreased"`
	Requeued  int      `json:"requeued"`
	Errors    []string `json:"errors"`
}

// pumpStore is the queue surface Pump drives; *Store satisfies it in
// production. Carving it out as an interface (rather than dispatching on
// *Store directly) lets the branching in handleSubmit/handleCancel/
// handleAmend/handleDecrease be exercised against an in-memory fake queue
// in tests, without a live Postgres instance.
type pumpStore interface {
	Dequeue() (*models.QueueEntry, *models.Order, error)
	RemoveQueueEntry(queueID int64) error
	RequeueEntry(queueID int64) error
	UpdateState(orderID int64, event state.OrderEvent, actor string) error
	ConfirmCancel(orderID int64, reason types.CancelReason, actor string) error
	ConfirmAmend(orderID int64, exchangeOrderID string, priceCents, quantity int32, actor string) error
	RevertAmend(orderID int64, actor string) error
	ConfirmDecrease(orderID int64, reducedBy int32, actor string) error
	RevertDecrease(orderID int64, actor string) error
}

// Pump drains every queue entry it can claim, submitting or cancelling
// against the exchange and updating order state accordingly. It runs
// until the queue is empty, a rate limit is hit, or ctx is cancelled —
// there is no background polling; callers invoke it explicitly (an admin
// endpoint, a cron, a test).
func (s *Store) Pump(ctx context.Context, exchange Exchange) PumpResult {
	return pump(ctx, s, exchange)
}

func pump(ctx context.Context, s pumpStore, exchange Exchange) PumpResult {
	var result PumpResult

	for {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, "shutting down")
			break
		}

		entry, order, err := s.Dequeue()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("dequeue failed: %v", err))
			break
		}
		if entry == nil {
			break
		}
		result.Processed++

		var rateLimited bool
		switch entry.Action {
		case "submit":
			rateLimited = handleSubmit(ctx, s, exchange, entry, order, &result)
		case "cancel":
			rateLimited = handleCancel(ctx, s, exchange, entry, order, &result)
		case "amend":
			rateLimited = handleAmend(ctx, s, exchange, entry, order, &result)
		case "decrease":
			rateLimited = handleDecrease(ctx, s, exchange, entry, order, &result)
		default:
			logger.Warn("unknown queue action %q on queue_id %d, removing", entry.Action, entry.ID)
			_ = s.RemoveQueueEntry(entry.ID)
		}
		if rateLimited {
			break
		}
	}

	logger.Info("pump complete processed=%d submitted=%d rejected=%d cancelled=%d amended=%d decreased=%d requeued=%d errors=%d",
		result.Processed, result.Submitted, result.Rejected, result.Cancelled,
		result.Amended, result.Decreased, result.Requeued, len(result.Errors))
	return result
}

func handleSubmit(ctx context.Context, s pumpStore, exchange Exchange, entry *models.QueueEntry, order *models.Order, result *PumpResult) (rateLimited bool) {
	exchangeOrderID, err := exchange.SubmitOrder(ctx, order.Request())
	if err == nil {
		logger.Info("order %d acknowledged by exchange as %s", order.ID, exchangeOrderID)
		event := state.OrderEvent{Kind: state.EventAcknowledge, ExchangeOrderID: exchangeOrderID}
		if uErr := s.UpdateState(order.ID, event, "pump"); uErr != nil {
			logger.Error("failed to update order %d state: %v", order.ID, uErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Submitted++
		return false
	}

	switch {
	case isExchangeErrorKind(err, ExchangeErrRejected):
		logger.Warn("order %d rejected by exchange: %v", order.ID, err)
		if uErr := s.UpdateState(order.ID, state.OrderEvent{Kind: state.EventReject, Reason: err.Error()}, "pump"); uErr != nil {
			logger.Error("failed to update rejected state: %v", uErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Rejected++
	case isExchangeErrorKind(err, ExchangeErrRateLimited):
		logger.Warn("order %d rate limited, requeueing", order.ID)
		if rErr := s.RequeueEntry(entry.ID); rErr != nil {
			logger.Error("failed to requeue: %v", rErr)
		}
		result.Requeued++
		result.Errors = append(result.Errors, "rate limited, stopping early")
		return true
	case isExchangeErrorKind(err, ExchangeErrTimeout):
		// The exchange may or may not have received the order. Leave it
		// Submitted so reconciliation resolves it against the exchange's
		// own view rather than guessing here.
		logger.Warn("order %d exchange timeout, leaving as submitted for reconciliation", order.ID)
		_ = s.RemoveQueueEntry(entry.ID)
		result.Errors = append(result.Errors, fmt.Sprintf("order %d timed out, left for reconciliation", order.ID))
	default:
		logger.Error("order %d exchange error, requeueing: %v", order.ID, err)
		if rErr := s.RequeueEntry(entry.ID); rErr != nil {
			logger.Error("failed to requeue: %v", rErr)
		}
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("order %d: %v", order.ID, err))
	}
	return false
}

func handleCancel(ctx context.Context, s pumpStore, exchange Exchange, entry *models.QueueEntry, order *models.Order, result *PumpResult) (rateLimited bool) {
	if order.ExchangeOrderID == nil {
		logger.Info("order %d cancel requested but never sent to exchange, cancelling locally", order.ID)
		if err := s.ConfirmCancel(order.ID, types.CancelUserRequested, "pump"); err != nil {
			logger.Error("failed to update cancelled state: %v", err)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Cancelled++
		return false
	}

	err := exchange.CancelOrder(ctx, *order.ExchangeOrderID)
	switch {
	case err == nil:
		logger.Info("order %d cancel confirmed", order.ID)
		if uErr := s.ConfirmCancel(order.ID, types.CancelUserRequested, "pump"); uErr != nil {
			logger.Error("failed to update cancelled state: %v", uErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Cancelled++
	case isExchangeErrorKind(err, ExchangeErrNotFound):
		logger.Info("order %d cancel target not found on exchange, marking cancelled", order.ID)
		if uErr := s.ConfirmCancel(order.ID, types.CancelUserRequested, "pump"); uErr != nil {
			logger.Error("failed to update cancelled state for not-found order: %v", uErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Cancelled++
	case isExchangeErrorKind(err, ExchangeErrRateLimited):
		if rErr := s.RequeueEntry(entry.ID); rErr != nil {
			logger.Error("failed to requeue cancel: %v", rErr)
		}
		result.Requeued++
		result.Errors = append(result.Errors, "rate limited on cancel, stopping early")
		return true
	default:
		logger.Error("order %d cancel exchange error, requeueing: %v", order.ID, err)
		if rErr := s.RequeueEntry(entry.ID); rErr != nil {
			logger.Error("failed to requeue cancel: %v", rErr)
		}
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("cancel order %d: %v", order.ID, err))
	}
	return false
}

func handleAmend(ctx context.Context, s pumpStore, exchange Exchange, entry *models.QueueEntry, order *models.Order, result *PumpResult) (rateLimited bool) {
	if order.ExchangeOrderID == nil {
		logger.Error("order %d amend requested but no exchange_order_id, reverting state", order.ID)
		if err := s.RevertAmend(order.ID, "pump"); err != nil {
			logger.Error("failed to revert amend state: %v", err)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("order %d has no exchange_order_id for amend", order.ID))
		return false
	}

	meta, err := decodeAmendMetadata(entry.Metadata)
	if err != nil {
		logger.Error("order %d amend queue item has invalid metadata: %v", order.ID, err)
		if rErr := s.RevertAmend(order.ID, "pump"); rErr != nil {
			logger.Error("failed to revert amend state: %v", rErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("order %d amend missing metadata", order.ID))
		return false
	}

	// Kalshi requires both price and quantity on every amend; fall back
	// to the order's current values for whichever one wasn't requested.
	newPrice := order.PriceCents
	if meta.NewPriceCents != nil {
		newPrice = *meta.NewPriceCents
	}
	newQty := order.Quantity
	if meta.NewQuantity != nil {
		newQty = *meta.NewQuantity
	}

	request := AmendRequest{
		ExchangeOrderID: *order.ExchangeOrderID,
		Ticker:          order.Ticker,
		Side:            order.Side,
		Action:          order.Action,
		NewPriceCents:   newPrice,
		NewQuantity:     newQty,
	}

	amendResult, err := exchange.AmendOrder(ctx, request)
	switch {
	case err == nil:
		logger.Info("order %d amended on exchange: price_cents=%d quantity=%d", order.ID, amendResult.NewPriceCents, amendResult.NewQuantity)
		if uErr := s.ConfirmAmend(order.ID, amendResult.ExchangeOrderID, amendResult.NewPriceCents, amendResult.NewQuantity, "pump"); uErr != nil {
			logger.Error("failed to update amended order: %v", uErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Amended++
	case isExchangeErrorKind(err, ExchangeErrNotFound):
		logger.Warn("order %d amend target not found on exchange, marking cancelled", order.ID)
		if uErr := s.ConfirmCancel(order.ID, types.CancelExchangeCancel, "pump"); uErr != nil {
			logger.Error("failed to cancel not-found amend order: %v", uErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("amend order %d not found on exchange, cancelled", order.ID))
	case isExchangeErrorKind(err, ExchangeErrRateLimited):
		logger.Warn("order %d rate limited on amend, requeueing", order.ID)
		if rErr := s.RequeueEntry(entry.ID); rErr != nil {
			logger.Error("failed to requeue amend: %v", rErr)
		}
		result.Requeued++
		return true
	default:
		logger.Error("order %d amend exchange error, reverting state: %v", order.ID, err)
		if rErr := s.RevertAmend(order.ID, "pump"); rErr != nil {
			logger.Error("failed to revert amend state: %v", rErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("amend order %d: %v", order.ID, err))
	}
	return false
}

func handleDecrease(ctx context.Context, s pumpStore, exchange Exchange, entry *models.QueueEntry, order *models.Order, result *PumpResult) (rateLimited bool) {
	if order.ExchangeOrderID == nil {
		logger.Error("order %d decrease requested but no exchange_order_id, reverting state", order.ID)
		if err := s.RevertDecrease(order.ID, "pump"); err != nil {
			logger.Error("failed to revert decrease state: %v", err)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("order %d has no exchange_order_id for decrease", order.ID))
		return false
	}

	meta, err := decodeDecreaseMetadata(entry.Metadata)
	if err != nil {
		logger.Error("order %d decrease queue item has invalid metadata: %v", order.ID, err)
		if rErr := s.RevertDecrease(order.ID, "pump"); rErr != nil {
			logger.Error("failed to revert decrease state: %v", rErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("order %d decrease missing metadata", order.ID))
		return false
	}

	err = exchange.DecreaseOrder(ctx, *order.ExchangeOrderID, meta.ReduceBy)
	switch {
	case err == nil:
		logger.Info("order %d decreased on exchange by %d", order.ID, meta.ReduceBy)
		if uErr := s.ConfirmDecrease(order.ID, meta.ReduceBy, "pump"); uErr != nil {
			logger.Error("failed to update decreased order: %v", uErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Decreased++
	case isExchangeErrorKind(err, ExchangeErrNotFound):
		logger.Warn("order %d decrease target not found on exchange, marking cancelled", order.ID)
		if uErr := s.ConfirmCancel(order.ID, types.CancelExchangeCancel, "pump"); uErr != nil {
			logger.Error("failed to cancel not-found decrease order: %v", uErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("decrease order %d not found on exchange, cancelled", order.ID))
	case isExchangeErrorKind(err, ExchangeErrRateLimited):
		logger.Warn("order %d rate limited on decrease, requeueing", order.ID)
		if rErr := s.RequeueEntry(entry.ID); rErr != nil {
			logger.Error("failed to requeue decrease: %v", rErr)
		}
		result.Requeued++
		return true
	default:
		logger.Error("order %d decrease exchange error, reverting state: %v", order.ID, err)
		if rErr := s.RevertDecrease(order.ID, "pump"); rErr != nil {
			logger.Error("failed to revert decrease state: %v", rErr)
		}
		_ = s.RemoveQueueEntry(entry.ID)
		result.Requeued++
		result.Errors = append(result.Errors, fmt.Sprintf("decrease order %d: %v", order.ID, err))
	}
	return false
}

func decodeAmendMetadata(raw string) (amendMetadata, error) {
	var meta amendMetadata
	if raw == "" {
		return meta, fmt.Errorf("empty amend metadata")
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func decodeDecreaseMetadata(raw string) (decreaseMetadata, error) {
	var meta decreaseMetadata
	if raw == "" {
		return meta, fmt.Errorf("empty decrease metadata")
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, err
	}
	if meta.ReduceBy <= 0 {
		return meta, fmt.Errorf("decrease metadata missing reduce_by")
	}
	return meta, nil
}
