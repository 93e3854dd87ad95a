/**
 * @description
 * Administrative Order API endpoints: manual pump trigger, reconciliation
 * sweep, and a read-only risk snapshot.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - github.com/ssmd-go/ssmd/internal/oms
 */

package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ssmd-go/ssmd/internal/oms"
	"github.com/ssmd-go/ssmd/internal/oms/risk"
)

// AdminHandler exposes the pump/reconcile/risk operations against a single
// session's queue store and its exchange adapter.
type AdminHandler struct {
	store     *oms.Store
	exchange  oms.Exchange
	limits    risk.Limits
	sessionID int64
}

func NewAdminHandler(store *oms.Store, exchange oms.Exchange, limits risk.Limits, sessionID int64) *AdminHandler {
	return &AdminHandler{store: store, exchange: exchange, limits: limits, sessionID: sessionID}
}

// Pump handles POST /admin/pump: drains the queue once against the live
// exchange.
func (h *AdminHandler) Pump(c *fiber.Ctx) error {
	result := h.store.Pump(c.Context(), h.exchange)
	return c.JSON(result)
}

// Reconcile handles POST /admin/reconcile: resolves ambiguous orders and
// cross-checks fills and positions against the exchange's own records.
func (h *AdminHandler) Reconcile(c *fiber.Ctx) error {
	result, err := h.store.Reconcile(c.Context(), h.sessionID, h.exchange)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(result)
}

// Risk handles GET /admin/risk: reports the session's current notional
// headroom against the configured limit.
func (h *AdminHandler) Risk(c *fiber.Ctx) error {
	orders, err := h.store.List(h.sessionID, nil)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	open := 0.0
	for _, order := range orders {
		if order.State.IsOpen() {
			n, _ := order.Notional().Float64()
			open += n
		}
	}
	max, _ := h.limits.MaxNotional.Float64()

	return c.JSON(fiber.Map{
		"max_notional":       max,
		"open_notional":      open,
		"available_notional": max - open,
	})
}
