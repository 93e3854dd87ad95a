/**
 * @description
 * Kraken spot v2 WebSocket connector. Public feed, no signing: subscribes to
 * ticker and trade channels for a set of symbols and forwards raw frames.
 *
 * @dependencies
 * - github.com/gorilla/websocket
 * - github.com/ssmd-go/ssmd/internal/connector: shared contract/sharding
 * - github.com/ssmd-go/ssmd/internal/logger
 */

package kraken

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssmd-go/ssmd/internal/connector"
	"github.com/ssmd-go/ssmd/internal/logger"
)

// ProdURL is Kraken's spot v2 public WebSocket endpoint.
const ProdURL = "wss://ws.kraken.com/v2"

const (
	readTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

type subscribeRequest struct {
	Method string            `json:"method"`
	Params subscribeRequestP `json:"params"`
}

type subscribeRequestP struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
}

// Connector subscribes to Kraken's public ticker/trade channels, sharding
// across connections when the symbol set exceeds one connection's limit.
type Connector struct {
	wsURL   string
	symbols []string
	dialer  *websocket.Dialer
	tx      chan []byte
	activity atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Kraken connector for the given symbols (e.g. "BTC/USD").
func New(wsURL string, symbols []string) *Connector {
	if wsURL == "" {
		wsURL = ProdURL
	}
	return &Connector{
		wsURL:   wsURL,
		symbols: symbols,
		dialer:  websocket.DefaultDialer,
		tx:      make(chan []byte, connector.SharedChannelCapacity),
		closed:  make(chan struct{}),
	}
}

var _ connector.Connector = (*Connector)(nil)

// Connect opens one connection per shard and subscribes to ticker and trade
// channels for that shard's symbols.
func (c *Connector) Connect(ctx context.Context) error {
	shards := connector.ShardInstruments(c.symbols)
	if len(shards) == 0 {
		return fmt.Errorf("kraken: no symbols to subscribe to")
	}

	for shardID, symbols := range shards {
		if delay := connector.ShardDelay(shardID, time.Duration(shardID%3)*time.Second/3); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			return fmt.Errorf("kraken: shard %d dial: %w", shardID, err)
		}

		for _, channel := range []string{"ticker", "trade"} {
			if err := c.subscribe(conn, channel, symbols); err != nil {
				conn.Close()
				return fmt.Errorf("kraken: shard %d %s subscribe: %w", shardID, channel, err)
			}
		}

		logger.Info("kraken: shard %d connected, %d symbols", shardID, len(symbols))
		go c.receiveLoop(ctx, shardID, conn)
	}

	return nil
}

func (c *Connector) subscribe(conn *websocket.Conn, channel string, symbols []string) error {
	req := subscribeRequest{
		Method: "subscribe",
		Params: subscribeRequestP{Channel: channel, Symbol: symbols},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(req)
}

func (c *Connector) receiveLoop(ctx context.Context, shardID int, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(1024 * 1024 * 10)

	go c.pingLoop(ctx, shardID, conn)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Error("kraken: shard %d disconnected: %v, exiting for restart", shardID, err)
			connector.Touch(&c.activity, time.Now())
			return
		}

		connector.Touch(&c.activity, time.Now())

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
	ticker := time.NewTicker(pingInterval)
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
				logger.Error("kraken: shard %d ping failed: %v, exiting for restart", shardID, err)
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
