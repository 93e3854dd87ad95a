/**
 * @description
 * API route definitions for the order API: the create/list/get/cancel/
 * amend/decrease/mass-cancel operation set plus the admin pump/reconcile/
 * risk endpoints, protected by bearer-token auth.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - internal/api/handlers, internal/api/middleware
 * - internal/oms
 */

package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ssmd-go/ssmd/internal/api/handlers"
	"github.com/ssmd-go/ssmd/internal/api/middleware"
	"github.com/ssmd-go/ssmd/internal/config"
	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/oms"
	"github.com/ssmd-go/ssmd/internal/oms/risk"
)

// SetupRoutes wires the order API's handlers onto app, scoped to the
// single session this process instance owns.
func SetupRoutes(app *fiber.App, store *oms.Store, exchange oms.Exchange, cfg *config.Config) {
	if err := middleware.InitAuthMiddleware(cfg); err != nil {
		logger.Error("failed to init auth middleware: %v", err)
	}

	limits := risk.Limits{MaxNotional: decimal.NewFromFloat(cfg.Risk.MaxNotional)}
	orderHandler := handlers.NewOrderHandler(store, limits, cfg.SessionID)
	adminHandler := handlers.NewAdminHandler(store, exchange, limits, cfg.SessionID)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": "ssmd order api"})
	})

	api := app.Group("/api")
	v1 := api.Group("/v1", middleware.RequireAuth())

	v1.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	orders := v1.Group("/orders")
	orders.Post("/", orderHandler.CreateOrder)
	orders.Get("/", orderHandler.ListOrders)
	orders.Post("/mass-cancel", orderHandler.MassCancel)
	orders.Get("/:id", orderHandler.GetOrder)
	orders.Post("/:id/cancel", orderHandler.CancelOrder)
	orders.Post("/:id/amend", orderHandler.AmendOrder)
	orders.Post("/:id/decrease", orderHandler.DecreaseOrder)

	admin := v1.Group("/admin")
	admin.Post("/pump", adminHandler.Pump)
	admin.Post("/reconcile", adminHandler.Reconcile)
	admin.Get("/risk", adminHandler.Risk)
}
