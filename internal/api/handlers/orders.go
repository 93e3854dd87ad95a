/**
 * @description
 * Order API handlers: create/list/get/cancel/amend/decrease/mass-cancel,
 * backed directly by internal/oms.Store. Prices travel the wire in
 * dollars (the caller-facing unit) and are converted to the integer cent
 * price the order core stores.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - github.com/ssmd-go/ssmd/internal/oms
 */

package handlers

import (
	"errors"
	"math"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ssmd-go/ssmd/internal/oms"
	"github.com/ssmd-go/ssmd/internal/oms/risk"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

// OrderHandler serves the Order API operation set against a session-scoped
// queue store.
type OrderHandler struct {
	store     *oms.Store
	limits    risk.Limits
	sessionID int64
}

func NewOrderHandler(store *oms.Store, limits risk.Limits, sessionID int64) *OrderHandler {
	return &OrderHandler{store: store, limits: limits, sessionID: sessionID}
}

type createOrderRequest struct {
	ClientOrderID uuid.UUID   `json:"client_order_id"`
	Ticker        string      `json:"ticker"`
	Side          types.Side  `json:"side"`
	Action        types.Action `json:"action"`
	Quantity      int32       `json:"quantity"`
	PriceDollars  float64     `json:"price_dollars"`
	TimeInForce   types.TimeInForce `json:"time_in_force"`
}

func dollarsToCents(d float64) int32 {
	return int32(math.Round(d * 100))
}

func centsToDollars(c int32) float64 {
	return math.Round(float64(c)) / 100
}

// CreateOrder handles POST /orders.
func (h *OrderHandler) CreateOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.ClientOrderID == uuid.Nil {
		req.ClientOrderID = uuid.New()
	}

	request := types.OrderRequest{
		ClientOrderID: req.ClientOrderID,
		Ticker:        req.Ticker,
		Side:          req.Side,
		Action:        req.Action,
		Quantity:      req.Quantity,
		PriceCents:    dollarsToCents(req.PriceDollars),
		TimeInForce:   req.TimeInForce,
	}
	if err := request.Validate(); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	order, err := h.store.Enqueue(h.sessionID, request, h.limits)
	if err != nil {
		return h.respondEnqueueError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":              order.ID,
		"client_order_id": order.ClientOrderID,
		"status":          string(order.State),
	})
}

func (h *OrderHandler) respondEnqueueError(c *fiber.Ctx, err error) error {
	if errors.Is(err, oms.ErrDuplicateClientOrderID) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	var riskErr *risk.CheckError
	if errors.As(err, &riskErr) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": riskErr.Error()})
	}
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
}

// ListOrders handles GET /orders?state=.
func (h *OrderHandler) ListOrders(c *fiber.Ctx) error {
	var filter *state.OrderState
	if q := c.Query("state"); q != "" {
		s := state.OrderState(q)
		filter = &s
	}

	orders, err := h.store.List(h.sessionID, filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"orders": orders})
}

func (h *OrderHandler) orderID(c *fiber.Ctx) (int64, error) {
	id, err := c.ParamsInt("id", 0)
	return int64(id), err
}

// GetOrder handles GET /orders/:id.
func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	id, err := h.orderID(c)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order id"})
	}

	order, err := h.store.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if order.SessionID != h.sessionID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order not found"})
	}
	return c.JSON(order)
}

// CancelOrder handles POST /orders/:id/cancel.
func (h *OrderHandler) CancelOrder(c *fiber.Ctx) error {
	id, err := h.orderID(c)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order id"})
	}

	if err := h.store.AtomicCancel(id, types.CancelUserRequested); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order not found"})
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "pending_cancel"})
}

type amendOrderRequest struct {
	NewPriceDollars *float64 `json:"new_price_dollars"`
	NewQuantity     *int32   `json:"new_quantity"`
}

// AmendOrder handles POST /orders/:id/amend.
func (h *OrderHandler) AmendOrder(c *fiber.Ctx) error {
	id, err := h.orderID(c)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order id"})
	}

	var req amendOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	var newPriceCents *int32
	if req.NewPriceDollars != nil {
		cents := dollarsToCents(*req.NewPriceDollars)
		newPriceCents = &cents
	}

	if err := h.store.EnqueueAmend(id, newPriceCents, req.NewQuantity, "api"); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"id": id, "status": "pending_amend"})
}

type decreaseOrderRequest struct {
	ReduceBy int32 `json:"reduce_by"`
}

// DecreaseOrder handles POST /orders/:id/decrease.
func (h *OrderHandler) DecreaseOrder(c *fiber.Ctx) error {
	id, err := h.orderID(c)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order id"})
	}

	var req decreaseOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.ReduceBy <= 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "reduce_by must be positive"})
	}

	if err := h.store.EnqueueDecrease(id, req.ReduceBy, "api"); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"id": id, "status": "pending_decrease"})
}

type massCancelRequest struct {
	Confirm bool `json:"confirm"`
}

// MassCancel handles POST /orders/mass-cancel: cancels every open order in
// the session. Requires an explicit confirm flag so a missing body can
// never cancel a whole book by accident.
func (h *OrderHandler) MassCancel(c *fiber.Ctx) error {
	var req massCancelRequest
	if err := c.BodyParser(&req); err != nil || !req.Confirm {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "mass_cancel requires {\"confirm\":true}"})
	}

	orders, err := h.store.List(h.sessionID, nil)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	var cancelled int
	for _, order := range orders {
		if !order.State.IsOpen() {
			continue
		}
		if err := h.store.AtomicCancel(order.ID, types.CancelUserRequested); err == nil {
			cancelled++
		}
	}
	return c.JSON(fiber.Map{"cancelled": cancelled})
}
