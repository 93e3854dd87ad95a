/**
 * @description
 * Durable pull consumer over the secondary master's change-data-capture
 * stream, filtered to `cdc.markets.insert`. Gates on a snapshot LSN so a
 * connector that already has a point-in-time market list doesn't replay
 * markets it loaded at startup, deduplicates against the markets it has
 * already forwarded, and (when configured with categories) looks up each
 * new market's parent event category via the secmaster client before
 * deciding whether to forward it.
 *
 * @dependencies
 * - github.com/ssmd-go/ssmd/internal/bus: durable pull consumer
 * - github.com/ssmd-go/ssmd/internal/secmaster: category lookup
 * - github.com/ssmd-go/ssmd/internal/logger
 */

package cdc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ssmd-go/ssmd/internal/bus"
	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/secmaster"
)

const (
	insertSubject = "cdc.markets.insert"
	fetchBatch    = 64
	fetchWait     = 2 * time.Second
)

// Event mirrors a single change-data-capture record.
type Event struct {
	LSN  string          `json:"lsn"`
	Table string         `json:"table"`
	Op   string          `json:"op"`
	Key  json.RawMessage `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

type marketData struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
}

// Stats tallies a consumer run's progress, logged periodically and returned
// to callers that want to assert on consumer behavior in tests.
type Stats struct {
	Processed        uint64
	SkippedLSN       uint64
	SkippedCategory  uint64
	SkippedDuplicate uint64
	Subscribed       uint64
}

// Consumer forwards newly-inserted market tickers matching a category
// filter onto a channel a running connector reads from to fold them into
// its live subscription set.
type Consumer struct {
	streamName  string
	durableName string
	snapshotLSN string
	categories  map[string]struct{}
	subscribed  map[string]struct{}
	secmaster   *secmaster.Client
	factory     bus.StreamFactory
	stats       Stats
}

// New creates a CDC consumer. snapshotLSN is the LSN observed at the time
// the connector's initial market snapshot was fetched; initialMarkets seeds
// the dedup set with markets already subscribed at startup.
func New(factory bus.StreamFactory, streamName, durableName, snapshotLSN string, categories, initialMarkets []string, sm *secmaster.Client) *Consumer {
	catSet := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		catSet[c] = struct{}{}
	}
	subSet := make(map[string]struct{}, len(initialMarkets))
	for _, m := range initialMarkets {
		subSet[m] = struct{}{}
	}
	return &Consumer{
		streamName:  streamName,
		durableName: durableName,
		snapshotLSN: snapshotLSN,
		categories:  catSet,
		subscribed:  subSet,
		secmaster:   sm,
		factory:     factory,
	}
}

// lsnGTE compares CDC LSNs lexicographically. The format is fixed-width
// hex/hex ("H/H") within a session, so a plain string comparison orders them
// correctly without parsing.
func lsnGTE(lsn, threshold string) bool {
	return lsn >= threshold
}

// Run consumes cdc.markets.insert until ctx is canceled, sending each
// qualifying new market ticker on newMarkets. It never returns nil except on
// ctx cancellation.
func (c *Consumer) Run(ctx context.Context, newMarkets chan<- string) error {
	consumer, err := c.factory.PullConsumer(ctx, c.streamName, insertSubject, c.durableName)
	if err != nil {
		return err
	}
	defer consumer.Close()

	logger.Info("cdc: starting, snapshot_lsn=%s categories=%d initial_markets=%d",
		c.snapshotLSN, len(c.categories), len(c.subscribed))

	for {
		select {
		case <-ctx.Done():
			c.logProgress()
			return nil
		default:
		}

		msgs, err := consumer.Fetch(ctx, fetchBatch, fetchWait)
		if err != nil {
			if ctx.Err() != nil {
				c.logProgress()
				return nil
			}
			return err
		}

		for _, m := range msgs {
			c.handle(ctx, m, newMarkets)
			m.Ack()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m *bus.Msg, newMarkets chan<- string) {
	c.stats.Processed++
	if c.stats.Processed%100 == 0 {
		defer c.logProgress()
	}

	var event Event
	if err := json.Unmarshal(m.Data, &event); err != nil {
		logger.Warn("cdc: failed to parse event: %v", err)
		return
	}

	if !lsnGTE(event.LSN, c.snapshotLSN) {
		c.stats.SkippedLSN++
		return
	}

	if len(event.Data) == 0 {
		logger.Warn("cdc: event has no data")
		return
	}
	var market marketData
	if err := json.Unmarshal(event.Data, &market); err != nil {
		logger.Warn("cdc: failed to parse market data: %v", err)
		return
	}

	if _, ok := c.subscribed[market.Ticker]; ok {
		c.stats.SkippedDuplicate++
		return
	}

	if !c.shouldSubscribe(ctx, market.EventTicker) {
		c.stats.SkippedCategory++
		return
	}

	logger.Info("cdc: new market for subscription: ticker=%s event=%s", market.Ticker, market.EventTicker)

	select {
	case newMarkets <- market.Ticker:
	case <-ctx.Done():
		return
	}

	c.subscribed[market.Ticker] = struct{}{}
	c.stats.Subscribed++
}

func (c *Consumer) shouldSubscribe(ctx context.Context, eventTicker string) bool {
	if len(c.categories) == 0 {
		return true
	}
	if c.secmaster == nil {
		return false
	}

	event, err := c.secmaster.GetEvent(ctx, eventTicker)
	if err != nil {
		logger.Warn("cdc: event lookup failed for %s: %v", eventTicker, err)
		return false
	}
	if event == nil {
		logger.Warn("cdc: event not found: %s", eventTicker)
		return false
	}

	_, ok := c.categories[event.Category]
	return ok
}

func (c *Consumer) logProgress() {
	logger.Info("cdc: progress processed=%d skipped_lsn=%d skipped_category=%d skipped_duplicate=%d subscribed=%d",
		c.stats.Processed, c.stats.SkippedLSN, c.stats.SkippedCategory, c.stats.SkippedDuplicate, c.stats.Subscribed)
}

// Stats returns a snapshot of the consumer's run statistics.
func (c *Consumer) Stats() Stats { return c.stats }
