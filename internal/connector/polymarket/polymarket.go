/**
 * @description
 * Polymarket CLOB market-channel WebSocket connector. Adapted directly from
 * the teacher's `internal/polymarket/rtds/client.go` reconnect/ping/
 * subscribe-batching machinery, generalized from "push market prices to a
 * frontend hub" to "forward raw frames into the ingestion writer": instead
 * of a MessageHandler routing to Postgres/Redis, every frame is forwarded
 * unparsed onto a shared channel for the writer to fast-path-parse.
 *
 * @dependencies
 * - github.com/gorilla/websocket
 * - github.com/ssmd-go/ssmd/internal/connector: shared contract/sharding
 * - github.com/ssmd-go/ssmd/internal/logger
 */

package polymarket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssmd-go/ssmd/internal/connector"
	"github.com/ssmd-go/ssmd/internal/logger"
)

// MarketChannelURL is the CLOB market-channel WebSocket endpoint.
const MarketChannelURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	readTimeout = 120 * time.Second
)

type subscriptionMessage struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// Connector subscribes to price-change/book/last-trade events for a set of
// CLOB asset (token) IDs, sharding across connections when the set exceeds
// one connection's instrument limit.
type Connector struct {
	wsURL    string
	assetIDs []string
	dialer   *websocket.Dialer
	tx       chan []byte
	activity atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Polymarket connector for the given CLOB asset IDs.
func New(wsURL string, assetIDs []string) *Connector {
	if wsURL == "" {
		wsURL = MarketChannelURL
	}
	return &Connector{
		wsURL:    wsURL,
		assetIDs: dedupeAssetIDs(assetIDs),
		dialer:   websocket.DefaultDialer,
		tx:       make(chan []byte, connector.SharedChannelCapacity),
		closed:   make(chan struct{}),
	}
}

var _ connector.Connector = (*Connector)(nil)

// Connect opens one connection per shard, each subscribing (in batches of
// connector.MaxInstrumentsPerShard asset IDs) and starting its own
// read/ping loop.
func (c *Connector) Connect(ctx context.Context) error {
	shards := connector.ShardInstruments(c.assetIDs)
	if len(shards) == 0 {
		return fmt.Errorf("polymarket: no asset ids to subscribe to")
	}

	for shardID, assetIDs := range shards {
		if delay := connector.ShardDelay(shardID, time.Duration(shardID%3)*time.Second/3); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			return fmt.Errorf("polymarket: shard %d dial: %w", shardID, err)
		}

		if err := c.sendSubscribe(conn, assetIDs); err != nil {
			conn.Close()
			return fmt.Errorf("polymarket: shard %d subscribe: %w", shardID, err)
		}

		logger.Info("polymarket: shard %d connected, %d asset ids", shardID, len(assetIDs))
		go c.receiveLoop(ctx, shardID, conn)
		go c.pingLoop(ctx, shardID, conn)
	}

	return nil
}

func (c *Connector) sendSubscribe(conn *websocket.Conn, assetIDs []string) error {
	msg := subscriptionMessage{Type: "market", AssetIDs: assetIDs}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (c *Connector) receiveLoop(ctx context.Context, shardID int, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(1024 * 1024 * 10)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Error("polymarket: shard %d disconnected: %v, exiting for restart", shardID, err)
			connector.Touch(&c.activity, time.Now())
			return
		}

		connector.Touch(&c.activity, time.Now())

		if string(msg) == "PONG" {
			continue
		}

		select {
		case c.tx <- msg:
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) pingLoop(ctx context.Context, shardID int, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Error("polymarket: shard %d ping failed: %v, exiting for restart", shardID, err)
				return
			}
		}
	}
}

// Messages returns the shared channel every shard forwards raw frames onto.
func (c *Connector) Messages() <-chan []byte { return c.tx }

// Close stops accepting new frames.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// ActivityHandle exposes the last-received-frame epoch for liveness checks.
func (c *Connector) ActivityHandle() *atomic.Int64 { return &c.activity }

func dedupeAssetIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
