/**
 * @description
 * Entry point for a single feed's archiver process: subscribes to that
 * feed's bus subject, writes every message to a rotating gzip JSONL log
 * and an hourly per-schema Parquet batch, and serves /health, /ready and
 * /metrics for the orchestrator.
 *
 * @dependencies
 * - github.com/ssmd-go/ssmd/internal/bus: durable pull consumer
 * - github.com/ssmd-go/ssmd/internal/archiver: sinks, manifest, health server
 * - github.com/ssmd-go/ssmd/internal/subject: subject/stream naming
 */

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssmd-go/ssmd/internal/archiver"
	"github.com/ssmd-go/ssmd/internal/archiver/jsonl"
	"github.com/ssmd-go/ssmd/internal/archiver/parquet"
	"github.com/ssmd-go/ssmd/internal/bus"
	"github.com/ssmd-go/ssmd/internal/config"
	"github.com/ssmd-go/ssmd/internal/subject"
)

func main() {
	feed := flag.String("feed", "", "feed name: kalshi, kraken, kraken-futures, polymarket")
	flag.Parse()
	if *feed == "" {
		log.Fatal("archiver: -feed is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("archiver: load config: %v", err)
	}

	var factory bus.StreamFactory
	switch cfg.Bus.Driver {
	case "nats":
		conn, err := bus.Connect(cfg.Bus.URL)
		if err != nil {
			log.Fatalf("archiver: connect nats: %v", err)
		}
		defer conn.Close()
		factory = conn
	default:
		factory = bus.NewMemory()
	}

	builder := subject.New(cfg.Bus.Env, *feed)
	streamName := builder.StreamName()

	state := archiver.NewState(*feed)
	manifest, err := archiver.OpenManifest(cfg.Archive.BasePath, *feed, streamName)
	if err != nil {
		log.Fatalf("archiver: open manifest: %v", err)
	}

	jsonlSink := jsonl.New(cfg.Archive.BasePath, *feed, streamName)
	parquetSink := parquet.New(cfg.Archive.BasePath, *feed, streamName)

	streamCfg := archiver.StreamConfig{
		Feed:          *feed,
		StreamName:    streamName,
		SubjectFilter: builder.All(),
		DurableName:   *feed + "-archiver",
		BasePath:      cfg.Archive.BasePath,
	}
	stream := archiver.NewStream(streamCfg, factory, jsonlSink, parquetSink, manifest, state)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := archiver.NewServer(state)
	go func() {
		if err := srv.Listen(cfg.Server.ListenAddr); err != nil {
			log.Printf("archiver[%s]: health server stopped: %v", *feed, err)
		}
	}()

	log.Printf("archiver[%s]: consuming %s on stream %s", *feed, streamCfg.SubjectFilter, streamCfg.StreamName)
	if err := stream.Run(ctx); err != nil {
		log.Printf("archiver[%s]: stream run: %v", *feed, err)
	}

	stream.Close()
	_ = srv.Shutdown()
}
