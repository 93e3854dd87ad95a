/**
 * @description
 * Entry point for a single exchange's ingestion process: connects that
 * exchange's WebSocket feed, routes every frame through the matching
 * writer onto the bus, and (Kalshi only) runs a change-data-capture
 * consumer that folds newly-listed markets into the live subscription set
 * as they appear instead of waiting for a restart.
 *
 * @dependencies
 * - github.com/ssmd-go/ssmd/internal/connector/{kalshi,kraken,polymarket}
 * - github.com/ssmd-go/ssmd/internal/writer
 * - github.com/ssmd-go/ssmd/internal/bus
 * - github.com/ssmd-go/ssmd/internal/cdc, internal/secmaster
 * - github.com/ssmd-go/ssmd/internal/ringbuffer: optional hot-path handoff (-ring-buffer)
 * - github.com/redis/go-redis/v9
 */

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/ssmd-go/ssmd/internal/bus"
	"github.com/ssmd-go/ssmd/internal/cdc"
	"github.com/ssmd-go/ssmd/internal/config"
	"github.com/ssmd-go/ssmd/internal/connector/kalshi"
	"github.com/ssmd-go/ssmd/internal/connector/kraken"
	"github.com/ssmd-go/ssmd/internal/connector/polymarket"
	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/ringbuffer"
	"github.com/ssmd-go/ssmd/internal/secmaster"
	"github.com/ssmd-go/ssmd/internal/writer"
)

// feedConnector is the subset of every exchange connector's API this
// process needs, satisfied by kalshi.Connector, kraken.Connector and
// polymarket.Connector without importing all three into one interface
// elsewhere in the module.
type feedConnector interface {
	Connect(ctx context.Context) error
	Messages() <-chan []byte
	Close() error
}

func main() {
	tickersFlag := flag.String("tickers", "", "comma-separated initial instrument list")
	useRing := flag.Bool("ring-buffer", false, "relay frames through the memory-mapped ring buffer instead of an in-process channel")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("connector: load config: %v", err)
	}

	initialTickers := splitCSV(*tickersFlag)

	var transport bus.Transport
	var factory bus.StreamFactory
	switch cfg.Bus.Driver {
	case "nats":
		conn, err := bus.Connect(cfg.Bus.URL)
		if err != nil {
			log.Fatalf("connector: connect nats: %v", err)
		}
		defer conn.Close()
		transport, factory = conn, conn
	default:
		mem := bus.NewMemory()
		transport, factory = mem, mem
	}

	conn, w, err := build(cfg, initialTickers, transport)
	if err != nil {
		log.Fatalf("connector: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("connector[%s]: connect: %v", cfg.Exchange.Type, err)
	}

	if cfg.Exchange.Type == "kalshi" && cfg.Secmaster.URL != "" {
		go runCDC(ctx, cfg, conn, factory)
	}

	onError := func(err error) {
		logger.Warn("connector[%s]: writer error: %v", cfg.Exchange.Type, err)
	}

	if *useRing {
		rb, err := ringbuffer.Open(cfg.Exchange.RingBufferPath)
		if err != nil {
			log.Fatalf("connector: open ring buffer: %v", err)
		}
		defer rb.Close()

		go relayToRing(ctx, conn.Messages(), rb)
		logger.Info("connector[%s]: relaying frames through ring buffer at %s", cfg.Exchange.Type, cfg.Exchange.RingBufferPath)
		writer.RunRing(ctx, w, rb, onError)
	} else {
		writer.Run(ctx, w, conn.Messages(), onError)
	}

	_ = conn.Close()
	_ = w.Close()
	_ = transport.Close()
}

// build constructs the concrete connector and writer for cfg.Exchange.Type.
func build(cfg *config.Config, initialTickers []string, transport bus.Transport) (feedConnector, writer.Writer, error) {
	env := cfg.Bus.Env

	switch cfg.Exchange.Type {
	case "kalshi":
		privKey, err := kalshi.ParsePrivateKey([]byte(cfg.Exchange.PrivateKeyPEM))
		if err != nil {
			return nil, nil, err
		}
		creds := kalshi.Credentials{KeyID: cfg.Exchange.APIKeyID, PrivateKey: privKey}
		wsURL := kalshi.ProdURL
		if cfg.Exchange.Environment == "demo" {
			wsURL = kalshi.DemoURL
		}
		c := kalshi.New(creds, wsURL, initialTickers)
		w := writer.NewKalshi(transport, env, "kalshi")
		return c, w, nil

	case "kraken":
		c := kraken.New(kraken.ProdURL, initialTickers)
		w := writer.NewKraken(transport, env, "kraken")
		return c, w, nil

	case "polymarket":
		c := polymarket.New(polymarket.MarketChannelURL, initialTickers)
		w := writer.NewPolymarket(transport, env, "polymarket")
		return c, w, nil

	default:
		return nil, nil, errUnknownExchange(cfg.Exchange.Type)
	}
}

// runCDC subscribes new markets discovered via change-data-capture onto the
// running Kalshi connector, so a freshly-listed market is streamed within
// one fetch cycle instead of waiting for the next process restart.
func runCDC(ctx context.Context, cfg *config.Config, conn feedConnector, factory bus.StreamFactory) {
	c, ok := conn.(*kalshi.Connector)
	if !ok {
		return
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		if opt, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			redisClient = redis.NewClient(opt)
		}
	}

	sm := secmaster.New(cfg.Secmaster.URL, "", cfg.Secmaster.RetryAttempts, cfg.Secmaster.RetryDelay(), redisClient)

	consumer := cdc.New(factory, "SECMASTER_CDC", cfg.Exchange.Type+"-cdc", "0/0", cfg.Secmaster.Categories, nil, sm)

	newMarkets := make(chan string, 256)
	go func() {
		if err := consumer.Run(ctx, newMarkets); err != nil {
			logger.Warn("cdc: run stopped: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ticker := <-newMarkets:
			if err := c.Subscribe(ctx, []string{ticker}); err != nil {
				logger.Warn("cdc: subscribe %s failed: %v", ticker, err)
			}
		}
	}
}

func relayToRing(ctx context.Context, in <-chan []byte, rb *ringbuffer.Ring) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-in:
			if !ok {
				return
			}
			if !rb.TryWrite(data) {
				logger.Warn("connector: ring buffer full, dropping frame")
			}
		}
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

type errUnknownExchange string

func (e errUnknownExchange) Error() string {
	return "unknown EXCHANGE_TYPE: " + string(e)
}
