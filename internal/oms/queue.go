// Package oms wires the pure state and risk engines to PostgreSQL,
// implementing the transactional order queue: enqueue (risk-check then
// insert), dequeue (claim-and-submit under SKIP LOCKED), state updates,
// fill recording, and cancellation — each as a single GORM transaction so
// concurrent API requests and pump goroutines never observe a half-applied
// order.
package oms

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ssmd-go/ssmd/internal/models"
	"github.com/ssmd-go/ssmd/internal/oms/risk"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

// ErrDuplicateClientOrderID is returned by Enqueue when client_order_id
// has already been used.
var ErrDuplicateClientOrderID = errors.New("oms: duplicate client_order_id")

// Store wraps a *gorm.DB with the order queue's transactional operations.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Enqueue locks the session's open orders, risk-checks request against
// them, and inserts the order plus its queue entry and audit row in one
// transaction. Mirrors the lock-then-check-then-insert sequence of the
// reference implementation's enqueue_order.
func (s *Store) Enqueue(sessionID int64, request types.OrderRequest, limits risk.Limits) (*models.Order, error) {
	var order models.Order

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var openNotional struct {
			Total float64
		}
		// SELECT ... FOR UPDATE serializes concurrent enqueues against the
		// same session so the risk check sees a consistent open notional.
		if err := tx.Raw(`
			SELECT COALESCE(SUM((price_cents::numeric / 100) * (quantity - filled_quantity)), 0) AS total
			FROM orders
			WHERE session_id = ? AND state IN ('pending','submitted','acknowledged','partially_filled','pending_cancel')
			FOR UPDATE
		`, sessionID).Scan(&openNotional).Error; err != nil {
			return err
		}

		riskState := risk.State{OpenNotional: decimal.NewFromFloat(openNotional.Total)}
		if err := riskState.Check(request, limits); err != nil {
			return err
		}

		order = models.Order{
			SessionID:     sessionID,
			ClientOrderID: request.ClientOrderID,
			Ticker:        request.Ticker,
			Side:          request.Side,
			Action:        request.Action,
			Quantity:      request.Quantity,
			PriceCents:    request.PriceCents,
			TimeInForce:   request.TimeInForce,
			State:         state.Pending,
		}
		if err := tx.Create(&order).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateClientOrderID
			}
			return err
		}

		if err := tx.Create(&models.QueueEntry{OrderID: order.ID, Action: "submit"}).Error; err != nil {
			return err
		}

		return tx.Create(&models.AuditLogEntry{
			OrderID:   order.ID,
			FromState: "none",
			ToState:   string(state.Pending),
			Event:     "created",
			Actor:     "api",
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// Dequeue claims the oldest unprocessed queue entry with SKIP LOCKED so
// multiple pump goroutines can drain concurrently without contention, and
// (for submit actions) transitions the order to Submitted in the same
// transaction.
func (s *Store) Dequeue() (*models.QueueEntry, *models.Order, error) {
	var entry models.QueueEntry
	var order models.Order

	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Raw(`
			SELECT q.* FROM order_queue q
			WHERE NOT q.processing
			ORDER BY q.id
			LIMIT 1
			FOR UPDATE OF q SKIP LOCKED
		`).Scan(&entry).Error
		if err != nil {
			return err
		}
		if entry.ID == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Model(&models.QueueEntry{}).Where("id = ?", entry.ID).
			Update("processing", true).Error; err != nil {
			return err
		}

		if err := tx.First(&order, entry.OrderID).Error; err != nil {
			return err
		}

		if entry.Action == "submit" {
			from := order.State
			if err := tx.Model(&order).Update("state", state.Submitted).Error; err != nil {
				return err
			}
			order.State = state.Submitted
			if err := tx.Create(&models.AuditLogEntry{
				OrderID: order.ID, FromState: string(from), ToState: string(state.Submitted),
				Event: "submit", Actor: "sweeper",
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &entry, &order, nil
}

// RemoveQueueEntry deletes a processed queue item.
func (s *Store) RemoveQueueEntry(queueID int64) error {
	return s.db.Delete(&models.QueueEntry{}, queueID).Error
}

// RequeueEntry clears the processing flag so a failed submission is picked
// up again by the next pump cycle.
func (s *Store) RequeueEntry(queueID int64) error {
	return s.db.Model(&models.QueueEntry{}).Where("id = ?", queueID).
		Update("processing", false).Error
}

// UpdateState locks the order row, applies an event-driven transition, and
// writes the resulting state plus an audit row — all in one transaction so
// two concurrent updates (e.g. a fill racing a cancel ack) can't interleave.
func (s *Store) UpdateState(orderID int64, event state.OrderEvent, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Raw("SELECT * FROM orders WHERE id = ? FOR UPDATE", orderID).
			Scan(&order).Error; err != nil {
			return err
		}
		if order.ID == 0 {
			return gorm.ErrRecordNotFound
		}

		next, err := state.ApplyEvent(order.State, event)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"state": next}
		if event.ExchangeOrderID != "" {
			updates["exchange_order_id"] = event.ExchangeOrderID
		}
		if event.Kind == state.EventPartialFill || event.Kind == state.EventFill {
			updates["filled_quantity"] = gorm.Expr("filled_quantity + ?", event.FilledQty)
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error; err != nil {
			return err
		}

		return tx.Create(&models.AuditLogEntry{
			OrderID: orderID, FromState: string(order.State), ToState: string(next),
			Event: string(event.Kind), Actor: actor,
		}).Error
	})
}

// SetResolvedState writes an order's state directly rather than through
// ApplyEvent, for the one caller — recovery — that treats the exchange's
// reported state as ground truth rather than deriving the next state from
// a local transition table. exchangeOrderID and filledQuantity are only
// applied when non-nil, matching a COALESCE-style partial update.
func (s *Store) SetResolvedState(orderID int64, newState state.OrderState, exchangeOrderID *string, filledQuantity *int32, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Raw("SELECT * FROM orders WHERE id = ? FOR UPDATE", orderID).Scan(&order).Error; err != nil {
			return err
		}
		if order.ID == 0 {
			return gorm.ErrRecordNotFound
		}

		updates := map[string]interface{}{"state": newState}
		if exchangeOrderID != nil {
			updates["exchange_order_id"] = *exchangeOrderID
		}
		if filledQuantity != nil {
			updates["filled_quantity"] = *filledQuantity
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error; err != nil {
			return err
		}

		return tx.Create(&models.AuditLogEntry{
			OrderID: orderID, FromState: string(order.State), ToState: string(newState),
			Event: "resolved", Actor: actor,
		}).Error
	})
}

// RecordFill inserts a fill row, relying on the trade_id unique constraint
// for idempotent dedup under at-least-once exchange delivery. Returns
// inserted=false when the trade_id was already recorded.
func (s *Store) RecordFill(orderID int64, tradeID string, priceCents, quantity int32, isTaker bool, filledAt time.Time) (inserted bool, err error) {
	result := s.db.Exec(`
		INSERT INTO fills (order_id, trade_id, price_cents, quantity, is_taker, filled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (trade_id) DO NOTHING
	`, orderID, tradeID, priceCents, quantity, isTaker, filledAt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AtomicCancel locks the order, verifies it is in a cancellable state,
// transitions it to PendingCancel, and enqueues the cancel action — all in
// one transaction.
func (s *Store) AtomicCancel(orderID int64, reason types.CancelReason) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Raw("SELECT * FROM orders WHERE id = ? FOR UPDATE", orderID).
			Scan(&order).Error; err != nil {
			return err
		}
		if order.ID == 0 {
			return gorm.ErrRecordNotFound
		}
		if order.State != state.Acknowledged && order.State != state.PartiallyFilled {
			return errCannotCancel(order.State)
		}

		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Updates(map[string]interface{}{
			"state": state.PendingCancel, "cancel_reason": reason,
		}).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.QueueEntry{OrderID: orderID, Action: "cancel"}).Error; err != nil {
			return err
		}
		return tx.Create(&models.AuditLogEntry{
			OrderID: orderID, FromState: string(order.State), ToState: string(state.PendingCancel),
			Event: "cancel_request", Actor: "api",
		}).Error
	})
}

// EnqueueAmend transitions an order to PendingAmend and stages an amend
// queue item carrying the requested new price/quantity as JSON metadata.
// Either field may be left nil to mean "keep the current value" — the
// pump fills it in from the order row before calling the exchange, since
// a Kalshi-style amend requires both price and quantity on every request.
func (s *Store) EnqueueAmend(orderID int64, newPriceCents, newQuantity *int32, actor string) error {
	meta, err := json.Marshal(amendMetadata{NewPriceCents: newPriceCents, NewQuantity: newQuantity})
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := applyTransitionTx(tx, orderID, state.OrderEvent{Kind: state.EventAmendRequest}, actor); err != nil {
			return err
		}
		return tx.Create(&models.QueueEntry{OrderID: orderID, Action: "amend", Metadata: string(meta)}).Error
	})
}

// EnqueueDecrease transitions an order to PendingDecrease and stages a
// decrease queue item carrying the contract count to reduce by.
func (s *Store) EnqueueDecrease(orderID int64, reduceBy int32, actor string) error {
	meta, err := json.Marshal(decreaseMetadata{ReduceBy: reduceBy})
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := applyTransitionTx(tx, orderID, state.OrderEvent{Kind: state.EventDecreaseRequest}, actor); err != nil {
			return err
		}
		return tx.Create(&models.QueueEntry{OrderID: orderID, Action: "decrease", Metadata: string(meta)}).Error
	})
}

// ConfirmCancel applies a cancel confirmation (exchange-acked or resolved
// locally because the order never reached the exchange) and records the
// cancel reason alongside the state transition.
func (s *Store) ConfirmCancel(orderID int64, reason types.CancelReason, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return applyTransitionTx(tx, orderID, state.OrderEvent{Kind: state.EventCancelConfirm, Reason: string(reason)}, actor, "cancel_reason", reason)
	})
}

// ConfirmAmend applies an amend confirmation: the order returns to
// Acknowledged under (usually) a new exchange_order_id and the amended
// price/quantity.
func (s *Store) ConfirmAmend(orderID int64, exchangeOrderID string, priceCents, quantity int32, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return applyTransitionTx(tx, orderID,
			state.OrderEvent{Kind: state.EventAmendConfirm, ExchangeOrderID: exchangeOrderID}, actor,
			"price_cents", priceCents, "quantity", quantity)
	})
}

// RevertAmend undoes a pending amend after the exchange rejected or failed
// it, returning the order to Acknowledged with its original terms intact.
func (s *Store) RevertAmend(orderID int64, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return applyTransitionTx(tx, orderID, state.OrderEvent{Kind: state.EventAmendReject}, actor)
	})
}

// ConfirmDecrease applies a decrease confirmation, reducing quantity by
// the amount the exchange accepted.
func (s *Store) ConfirmDecrease(orderID int64, reducedBy int32, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return applyTransitionTx(tx, orderID, state.OrderEvent{Kind: state.EventDecreaseConfirm}, actor,
			"quantity", gorm.Expr("quantity - ?", reducedBy))
	})
}

// RevertDecrease undoes a pending decrease after the exchange rejected or
// failed it, returning the order to Acknowledged with its original
// quantity intact.
func (s *Store) RevertDecrease(orderID int64, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return applyTransitionTx(tx, orderID, state.OrderEvent{Kind: state.EventDecreaseReject}, actor)
	})
}

// amendMetadata is the JSON shape staged on an amend queue entry.
type amendMetadata struct {
	NewPriceCents *int32 `json:"new_price_cents,omitempty"`
	NewQuantity   *int32 `json:"new_quantity,omitempty"`
}

// decreaseMetadata is the JSON shape staged on a decrease queue entry.
type decreaseMetadata struct {
	ReduceBy int32 `json:"reduce_by"`
}

// applyTransitionTx locks the order row, applies event through the state
// machine, and writes the resulting state plus any extra column updates
// and an audit row, all within an already-open transaction. extra must be
// an even number of (column, value) pairs.
func applyTransitionTx(tx *gorm.DB, orderID int64, event state.OrderEvent, actor string, extra ...interface{}) error {
	var order models.Order
	if err := tx.Raw("SELECT * FROM orders WHERE id = ? FOR UPDATE", orderID).Scan(&order).Error; err != nil {
		return err
	}
	if order.ID == 0 {
		return gorm.ErrRecordNotFound
	}

	next, err := state.ApplyEvent(order.State, event)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"state": next}
	for i := 0; i+1 < len(extra); i += 2 {
		updates[extra[i].(string)] = extra[i+1]
	}
	if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error; err != nil {
		return err
	}

	return tx.Create(&models.AuditLogEntry{
		OrderID: orderID, FromState: string(order.State), ToState: string(next),
		Event: string(event.Kind), Actor: actor,
	}).Error
}

// GetByID fetches an order by its database ID.
func (s *Store) GetByID(orderID int64) (*models.Order, error) {
	var order models.Order
	if err := s.db.First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetByClientOrderID fetches an order by its client-supplied idempotency
// key.
func (s *Store) GetByClientOrderID(id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.Where("client_order_id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// List returns a session's orders, optionally filtered to one state.
func (s *Store) List(sessionID int64, filter *state.OrderState) ([]models.Order, error) {
	var orders []models.Order
	q := s.db.Where("session_id = ?", sessionID).Order("id")
	if filter != nil {
		q = q.Where("state = ?", *filter)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// AmbiguousOrders returns a session's orders in states that cannot be
// resolved purely from local state (Submitted or PendingCancel): after a
// crash the process doesn't know whether the exchange received the last
// message.
func (s *Store) AmbiguousOrders(sessionID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.Where("session_id = ? AND state IN ?", sessionID, []state.OrderState{state.Submitted, state.PendingCancel}).
		Order("id").Find(&orders).Error
	return orders, err
}

// FilledQuantity returns the sum of quantities across all fills recorded
// against an order — used during recovery to derive the correct state
// (Filled vs PartiallyFilled) after importing exchange fills the process
// missed while it was down.
func (s *Store) FilledQuantity(orderID int64) (int32, error) {
	var total struct{ Total int32 }
	err := s.db.Raw(`SELECT COALESCE(SUM(quantity), 0) AS total FROM fills WHERE order_id = ?`, orderID).
		Scan(&total).Error
	return total.Total, err
}

// ExternalOrderParams describes a fill the exchange reports against an
// order this process never created — the venue's own UI, another
// session, or a stale process submitted it. Fills are sacrosanct, so
// recovery imports a synthetic order rather than dropping the fill.
type ExternalOrderParams struct {
	SessionID       int64
	ExchangeOrderID string
	Ticker          string
	Side            types.Side
	Action          types.Action
	Quantity        int32
	PriceCents      int32
}

// CreateExternalOrder inserts a synthetic Filled order for a fill with no
// matching local order, so RecordFill has somewhere to attach it.
func (s *Store) CreateExternalOrder(params ExternalOrderParams) (int64, error) {
	var id int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		order := models.Order{
			SessionID:       params.SessionID,
			ClientOrderID:   uuid.New(),
			ExchangeOrderID: &params.ExchangeOrderID,
			Ticker:          params.Ticker,
			Side:            params.Side,
			Action:          params.Action,
			Quantity:        params.Quantity,
			PriceCents:      params.PriceCents,
			TimeInForce:     types.TimeInForceGTC,
			State:           state.Filled,
			FilledQuantity:  params.Quantity,
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		id = order.ID
		return tx.Create(&models.AuditLogEntry{
			OrderID: id, FromState: "none", ToState: string(state.Filled),
			Event: "external_fill_import", Actor: "recovery",
		}).Error
	})
	return id, err
}

// CleanStaleQueue clears the processing flag on queue entries claimed more
// than staleAfter ago without completing, so a crashed pump's in-flight
// work is retried rather than stuck forever. Used uniformly by both
// startup recovery and the live /admin/reconcile path.
func (s *Store) CleanStaleQueue(staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	result := s.db.Model(&models.QueueEntry{}).
		Where("processing = ? AND updated_at < ?", true, cutoff).
		Update("processing", false)
	return result.RowsAffected, result.Error
}

// DrainForShutdown deletes all queue entries and marks their orders
// rejected, so a graceful shutdown never leaves half-submitted work for
// the next process to pick back up against a possibly-restarted exchange
// session.
func (s *Store) DrainForShutdown() (int64, error) {
	var orderIDs []int64
	var count int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.QueueEntry{}).Pluck("order_id", &orderIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&models.QueueEntry{}).Error; err != nil {
			return err
		}
		count = int64(len(orderIDs))
		for _, id := range orderIDs {
			if err := tx.Model(&models.Order{}).
				Where("id = ? AND state NOT IN ?", id, []state.OrderState{state.Filled, state.Cancelled, state.Rejected, state.Expired}).
				Updates(map[string]interface{}{"state": state.Rejected, "cancel_reason": types.CancelShutdown}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return count, err
}

func errCannotCancel(s state.OrderState) error {
	return &cancelError{state: s}
}

type cancelError struct{ state state.OrderState }

func (e *cancelError) Error() string {
	return "cannot cancel order in " + string(e.state) + " state"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
