// Package models defines the GORM-mapped persistence layer for the order
// management system: orders, their fill history, the processing queue, and
// the audit trail of state transitions.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

// Order is the persisted record of a trade order. ID is the database's own
// serial identity; ClientOrderID is the caller-supplied idempotency key
// enforced unique so a retried POST never double-submits.
type Order struct {
	ID               int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID        int64              `gorm:"column:session_id;not null;index:idx_orders_session" json:"session_id"`
	ClientOrderID    uuid.UUID          `gorm:"column:client_order_id;type:uuid;not null;uniqueIndex" json:"client_order_id"`
	ExchangeOrderID  *string            `gorm:"column:exchange_order_id" json:"exchange_order_id,omitempty"`
	Ticker           string             `gorm:"column:ticker;type:varchar(64);not null;index:idx_orders_ticker" json:"ticker"`
	Side             types.Side         `gorm:"column:side;type:varchar(4);not null" json:"side"`
	Action           types.Action       `gorm:"column:action;type:varchar(4);not null" json:"action"`
	Quantity         int32              `gorm:"column:quantity;not null" json:"quantity"`
	PriceCents       int32              `gorm:"column:price_cents;not null" json:"price_cents"`
	FilledQuantity   int32              `gorm:"column:filled_quantity;not null;default:0" json:"filled_quantity"`
	TimeInForce      types.TimeInForce  `gorm:"column:time_in_force;type:varchar(4);not null" json:"time_in_force"`
	State            state.OrderState   `gorm:"column:state;type:varchar(20);not null;default:'pending';index:idx_orders_state" json:"state"`
	CancelReason     *types.CancelReason `gorm:"column:cancel_reason;type:varchar(32)" json:"cancel_reason,omitempty"`
	GroupID          *int64             `gorm:"column:group_id;index:idx_orders_group" json:"group_id,omitempty"`
	LegRole          *types.LegRole     `gorm:"column:leg_role;type:varchar(16)" json:"leg_role,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// Notional returns the dollar value of the order's remaining open
// quantity: (quantity - filled_quantity) * price_cents/100.
func (o Order) Notional() decimal.Decimal {
	remaining := int64(o.Quantity - o.FilledQuantity)
	price := decimal.New(int64(o.PriceCents), -2)
	return price.Mul(decimal.NewFromInt(remaining))
}

// Request reconstructs the OrderRequest this order was created from, for
// re-running the risk check during recovery.
func (o Order) Request() types.OrderRequest {
	return types.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Ticker:        o.Ticker,
		Side:          o.Side,
		Action:        o.Action,
		Quantity:      o.Quantity,
		PriceCents:    o.PriceCents,
		TimeInForce:   o.TimeInForce,
	}
}

// Fill is one trade execution applied against an order. TradeID is the
// exchange's own trade identifier; its unique constraint is the dedup key
// that makes fill recording idempotent under at-least-once delivery.
type Fill struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID    int64     `gorm:"column:order_id;not null;index:idx_fills_order" json:"order_id"`
	TradeID    string    `gorm:"column:trade_id;type:varchar(128);not null;uniqueIndex" json:"trade_id"`
	PriceCents int32     `gorm:"column:price_cents;not null" json:"price_cents"`
	Quantity   int32     `gorm:"column:quantity;not null" json:"quantity"`
	IsTaker    bool      `gorm:"column:is_taker;not null" json:"is_taker"`
	FilledAt   time.Time `gorm:"column:filled_at;not null" json:"filled_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Fill) TableName() string { return "fills" }

// QueueEntry is a pending action (submit or cancel) awaiting processing by
// the pump. Processing is claimed with SELECT ... FOR UPDATE SKIP LOCKED so
// multiple pump goroutines (or processes) can drain the queue concurrently
// without double-submitting the same order.
type QueueEntry struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID    int64     `gorm:"column:order_id;not null;index:idx_queue_order" json:"order_id"`
	Action     string    `gorm:"column:action;type:varchar(16);not null" json:"action"` // "submit" | "cancel" | "amend" | "decrease"
	Metadata   string    `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`  // amend/decrease parameters, JSON-encoded
	Processing bool      `gorm:"column:processing;not null;default:false" json:"processing"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (QueueEntry) TableName() string { return "order_queue" }

// AuditLogEntry records every state transition an order underwent, who
// (or what) drove it, for after-the-fact reconstruction of an order's
// history. Supplements the distilled spec's data model with the audit
// trail the original implementation always wrote alongside state changes.
type AuditLogEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   int64     `gorm:"column:order_id;not null;index:idx_audit_order" json:"order_id"`
	FromState string    `gorm:"column:from_state;type:varchar(20);not null" json:"from_state"`
	ToState   string    `gorm:"column:to_state;type:varchar(20);not null" json:"to_state"`
	Event     string    `gorm:"column:event;type:varchar(32);not null" json:"event"`
	Actor     string    `gorm:"column:actor;type:varchar(32);not null" json:"actor"` // "api" | "sweeper" | "pump" | "recovery" | "trigger" | "group_cancel"
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (AuditLogEntry) TableName() string { return "audit_log" }

// OrderGroup links the legs of a bracket/OCO order together: a primary
// entry plus staged exit legs that trigger (or cancel each other) once the
// primary fills.
type OrderGroup struct {
	ID        int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID int64            `gorm:"column:session_id;not null;index:idx_groups_session" json:"session_id"`
	Kind      types.GroupType  `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	State     types.GroupState `gorm:"column:state;type:varchar(16);not null;default:'active'" json:"state"`
	CreatedAt time.Time        `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time        `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (OrderGroup) TableName() string { return "order_groups" }
