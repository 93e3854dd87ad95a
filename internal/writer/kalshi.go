/**
 * @description
 * Kalshi writer: fast-path routing for the Kalshi WebSocket wire format.
 * Ported from the teacher's NATS writer shape (the one the rest of this
 * package generalizes), adapted to route on Kalshi's trade/ticker/
 * orderbook/lifecycle message types and to apply an optional series filter
 * to market_lifecycle_v2 / event_lifecycle frames so a connector sharded to
 * a single category doesn't flood the bus with lifecycle noise for markets
 * it never subscribed to.
 *
 * @dependencies
 * - github.com/ssmd-go/ssmd/internal/bus: Transport.Publish
 * - github.com/ssmd-go/ssmd/internal/subject: subject construction
 */

package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ssmd-go/ssmd/internal/bus"
	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/subject"
)

type kalshiPartialMsg struct {
	Type string          `json:"type"`
	ID   *uint64         `json:"id,omitempty"`
	Msg  *kalshiPartial  `json:"msg,omitempty"`
}

type kalshiPartial struct {
	MarketTicker *string `json:"market_ticker,omitempty"`
	EventTicker  *string `json:"event_ticker,omitempty"`
	SeriesTicker *string `json:"series_ticker,omitempty"`
	Code         *int64  `json:"code,omitempty"`
	ErrorMsg     *string `json:"msg,omitempty"`
}

// Kalshi publishes raw Kalshi WS frames to a subject tree, optionally
// filtering lifecycle events by series ticker.
type Kalshi struct {
	transport            bus.Transport
	subjects             *subject.Builder
	seriesFilter         map[string]struct{}
	messageCount         atomic.Uint64
	lifecycleFilteredCount atomic.Uint64
}

// NewKalshi creates a writer publishing under the default {env}.{feed}
// subject tree.
func NewKalshi(transport bus.Transport, env, feed string) *Kalshi {
	return &Kalshi{transport: transport, subjects: subject.New(env, feed)}
}

// NewKalshiWithPrefix creates a writer publishing under a custom subject
// prefix/stream name, for a connector sharded to a single category.
func NewKalshiWithPrefix(transport bus.Transport, prefix, streamName string) *Kalshi {
	return &Kalshi{transport: transport, subjects: subject.WithPrefix(prefix, streamName)}
}

// WithSeriesFilter restricts market_lifecycle_v2 and event_lifecycle
// publishing to the given series tickers. Every other message type is
// unaffected.
func (k *Kalshi) WithSeriesFilter(series []string) *Kalshi {
	set := make(map[string]struct{}, len(series))
	for _, s := range series {
		set[s] = struct{}{}
	}
	k.seriesFilter = set
	return k
}

func kalshiSeries(marketTicker string) string {
	if idx := strings.IndexByte(marketTicker, '-'); idx >= 0 {
		return marketTicker[:idx]
	}
	return marketTicker
}

// Write parses just enough of the frame to find its message type and
// ticker, then publishes the original bytes unmodified.
func (k *Kalshi) Write(ctx context.Context, data []byte) error {
	var partial kalshiPartialMsg
	if err := json.Unmarshal(data, &partial); err != nil {
		preview := previewString(data)
		return fmt.Errorf("kalshi writer: parse failed: %w (preview: %s)", err, preview)
	}

	var ticker string
	if partial.Msg != nil && partial.Msg.MarketTicker != nil {
		ticker = *partial.Msg.MarketTicker
	}

	var subj string
	switch partial.Type {
	case "trade":
		if ticker == "" {
			logger.Warn("kalshi writer: missing market_ticker for trade, skipping")
			return nil
		}
		subj = k.subjects.JSONTrade(ticker)
	case "ticker":
		if ticker == "" {
			logger.Warn("kalshi writer: missing market_ticker for ticker, skipping")
			return nil
		}
		subj = k.subjects.JSONTicker(ticker)
	case "orderbook_snapshot", "orderbook_delta":
		if ticker == "" {
			logger.Warn("kalshi writer: missing market_ticker for %s, skipping", partial.Type)
			return nil
		}
		subj = k.subjects.JSONOrderbook(ticker)
	case "market_lifecycle_v2":
		if ticker == "" {
			logger.Warn("kalshi writer: missing market_ticker for market_lifecycle_v2, skipping")
			return nil
		}
		if k.seriesFilter != nil {
			if _, ok := k.seriesFilter[kalshiSeries(ticker)]; !ok {
				k.lifecycleFilteredCount.Add(1)
				return nil
			}
		}
		subj = k.subjects.JSONLifecycle(ticker)
	case "event_lifecycle":
		var eventTicker string
		if partial.Msg != nil && partial.Msg.EventTicker != nil {
			eventTicker = *partial.Msg.EventTicker
		}
		if eventTicker == "" {
			logger.Warn("kalshi writer: missing event_ticker for event_lifecycle, skipping")
			return nil
		}
		if k.seriesFilter != nil && partial.Msg.SeriesTicker != nil {
			if _, ok := k.seriesFilter[*partial.Msg.SeriesTicker]; !ok {
				k.lifecycleFilteredCount.Add(1)
				return nil
			}
		}
		subj = k.subjects.JSONEventLifecycle(eventTicker)
	case "subscribed", "unsubscribed", "ok":
		return nil
	case "error":
		var code int64
		var errMsg string
		if partial.Msg != nil {
			if partial.Msg.Code != nil {
				code = *partial.Msg.Code
			}
			if partial.Msg.ErrorMsg != nil {
				errMsg = *partial.Msg.ErrorMsg
			}
		}
		logger.Warn("kalshi writer: error message from exchange id=%v code=%d msg=%s", partial.ID, code, errMsg)
		return nil
	default:
		logger.Warn("kalshi writer: unknown message type %q", partial.Type)
		return nil
	}

	if err := k.transport.Publish(ctx, subj, data); err != nil {
		return fmt.Errorf("kalshi writer: publish failed: %w", err)
	}
	k.messageCount.Add(1)
	return nil
}

// Close is a no-op; the writer holds no resources of its own.
func (k *Kalshi) Close() error { return nil }

// MessageCount returns the number of frames published so far.
func (k *Kalshi) MessageCount() uint64 { return k.messageCount.Load() }

// LifecycleFilteredCount returns the number of lifecycle frames dropped by
// the series filter.
func (k *Kalshi) LifecycleFilteredCount() uint64 { return k.lifecycleFilteredCount.Load() }

func previewString(data []byte) string {
	const max = 500
	if len(data) > max {
		return string(data[:max])
	}
	return string(data)
}
