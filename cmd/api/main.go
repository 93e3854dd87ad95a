/**
 * @description
 * Main entry point for the ssmd order API.
 * Loads configuration, connects Postgres, builds the exchange adapter for
 * the configured venue, runs startup recovery, and serves the order API.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2: web framework
 * - github.com/ssmd-go/ssmd/internal/config: config loader
 * - github.com/ssmd-go/ssmd/internal/db: Postgres connection
 * - github.com/ssmd-go/ssmd/internal/oms: order queue store
 * - github.com/ssmd-go/ssmd/internal/exchange: exchange adapters
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ssmd-go/ssmd/internal/api"
	"github.com/ssmd-go/ssmd/internal/config"
	"github.com/ssmd-go/ssmd/internal/connector/kalshi"
	"github.com/ssmd-go/ssmd/internal/db"
	"github.com/ssmd-go/ssmd/internal/exchange"
	applog "github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/oms"
)

func buildExchange(cfg *config.Config) (oms.Exchange, error) {
	switch cfg.Exchange.Type {
	case "kalshi":
		key, err := kalshi.ParsePrivateKey([]byte(cfg.Exchange.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse kalshi private key: %w", err)
		}
		creds := kalshi.Credentials{KeyID: cfg.Exchange.APIKeyID, PrivateKey: key}

		baseURL := exchange.KalshiDemoRESTURL
		if cfg.Exchange.Environment == "prod" {
			baseURL = exchange.KalshiProdRESTURL
		}
		return exchange.NewKalshi(creds, baseURL), nil

	case "kraken", "kraken-futures":
		creds := exchange.KrakenCredentials{APIKey: cfg.Exchange.APIKeyID, APISecret: cfg.Exchange.APISecret}

		baseURL := exchange.KrakenFuturesDemoURL
		if cfg.Exchange.Environment == "prod" {
			baseURL = exchange.KrakenFuturesProdURL
		}
		return exchange.NewKraken(creds, baseURL), nil

	case "polymarket":
		signingKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Exchange.SigningKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse polymarket signing key: %w", err)
		}
		creds := exchange.PolymarketCredentials{
			SigningKey: signingKey,
			MakerAddr:  cfg.Exchange.MakerAddress,
			APIKey:     cfg.Exchange.APIKeyID,
			APISecret:  cfg.Exchange.APISecret,
			Passphrase: cfg.Exchange.Passphrase,
		}
		return exchange.NewPolymarket(creds, exchange.PolymarketProdCLOBURL), nil

	default:
		return nil, fmt.Errorf("unsupported EXCHANGE_TYPE %q", cfg.Exchange.Type)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		applog.Fatal("failed to load config: %v", err)
	}

	pgDB, err := db.ConnectPostgres(cfg)
	if err != nil {
		applog.Fatal("failed to connect to postgres: %v", err)
	}

	store := oms.NewStore(pgDB)

	ex, err := buildExchange(cfg)
	if err != nil {
		applog.Fatal("failed to build exchange adapter: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := store.Recover(ctx, cfg.SessionID, ex)
	if err != nil {
		applog.Fatal("startup recovery failed: %v", err)
	}
	applog.Info("startup recovery complete: %s", applog.Fields(map[string]interface{}{
		"ambiguous_resolved": result.AmbiguousResolved,
		"fills_recorded":     result.FillsRecorded,
		"external_imported":  result.ExternalImported,
		"state_updates":      result.StateUpdates,
	}))

	app := fiber.New(fiber.Config{
		AppName:       "ssmd order api",
		StrictRouting: true,
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))

	api.SetupRoutes(app, store, ex, cfg)

	go func() {
		<-ctx.Done()
		applog.Info("shutdown signal received, draining queue before exit")
		if n, err := store.DrainForShutdown(); err != nil {
			applog.Error("drain for shutdown failed: %v", err)
		} else {
			applog.Info("drained %d queue entries", n)
		}
		_ = app.ShutdownWithTimeout(0)
	}()

	if err := app.Listen(cfg.Server.ListenAddr); err != nil {
		applog.Error("server exited: %v", err)
		os.Exit(1)
	}
}
