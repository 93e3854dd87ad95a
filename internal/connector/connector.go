/**
 * @description
 * Shared contract and sharding helpers for per-exchange WebSocket ingestion.
 * Each concrete connector (kalshi, kraken, polymarket) opens one or more
 * shard connections, forwards raw frames onto a single shared channel, and
 * publishes the epoch-seconds timestamp of its last received frame so a
 * supervisor can notice a silently dead feed even when the socket itself
 * never errors.
 *
 * @dependencies
 * - standard "context", "sync/atomic", "time"
 */

package connector

import (
	"context"
	"sync/atomic"
	"time"
)

// Connector is implemented by every exchange ingestion client. Connect may
// spawn any number of background shard goroutines; Messages returns the
// channel they all forward raw frames onto; Close stops accepting new frames.
// ActivityHandle exposes the last-message epoch for liveness checks.
type Connector interface {
	Connect(ctx context.Context) error
	Messages() <-chan []byte
	Close() error
	ActivityHandle() *atomic.Int64
}

const (
	// MaxInstrumentsPerShard bounds how many tickers/products a single WS
	// connection is asked to track before a new shard is opened.
	MaxInstrumentsPerShard = 500
	// ShardStaggerBase is the fixed per-shard delay before connecting.
	ShardStaggerBase = 2 * time.Second
	// ShardStaggerJitterMax bounds the random jitter added on top of the base.
	ShardStaggerJitterMax = 3 * time.Second
	// SharedChannelCapacity is the buffer size of the channel every shard's
	// receive loop forwards frames onto, sized for reconnect bursts across
	// shards landing at once.
	SharedChannelCapacity = 2000
)

// ShardInstruments splits instruments into chunks of at most
// MaxInstrumentsPerShard, each chunk becoming one WS connection's subscription
// set.
func ShardInstruments(instruments []string) [][]string {
	if len(instruments) == 0 {
		return nil
	}
	var shards [][]string
	for start := 0; start < len(instruments); start += MaxInstrumentsPerShard {
		end := start + MaxInstrumentsPerShard
		if end > len(instruments) {
			end = len(instruments)
		}
		shards = append(shards, instruments[start:end])
	}
	return shards
}

// ShardDelay returns the startup stagger for shard index shardID: shard 0
// connects immediately, later shards wait shardID*ShardStaggerBase plus a
// jitter supplied by the caller (so tests can inject a deterministic value
// instead of a real random one).
func ShardDelay(shardID int, jitter time.Duration) time.Duration {
	if shardID <= 0 {
		return 0
	}
	return time.Duration(shardID)*ShardStaggerBase + jitter
}

// Touch stamps handle with the current epoch-seconds time. Shard receive
// loops call this on every frame (including pings) so ActivityHandle reflects
// true liveness rather than only data-message arrival.
func Touch(handle *atomic.Int64, now time.Time) {
	handle.Store(now.Unix())
}
