/**
 * @description
 * Polymarket writer: fast-path routing for the CLOB market-channel wire
 * format. Routes on the "market" field (a condition ID, shorter than a
 * token ID and shared by both outcome tokens of the same market) rather
 * than asset_id, and handles both of Polymarket's message shapes: a single
 * JSON object (most frame types) and a top-level JSON array (book
 * snapshots, and anything the exchange chooses to batch).
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
	"sync/atomic"

	"github.com/ssmd-go/ssmd/internal/bus"
	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/subject"
)

type polymarketElement struct {
	EventType *string         `json:"event_type,omitempty"`
	Market    *string         `json:"market,omitempty"`
	Bids      json.RawMessage `json:"bids,omitempty"`
	Asks      json.RawMessage `json:"asks,omitempty"`
}

// Polymarket publishes raw Polymarket CLOB frames to a subject tree.
type Polymarket struct {
	transport    bus.Transport
	subjects     *subject.Builder
	messageCount atomic.Uint64
}

// NewPolymarket creates a writer publishing under the default {env}.{feed}
// subject tree.
func NewPolymarket(transport bus.Transport, env, feed string) *Polymarket {
	return &Polymarket{transport: transport, subjects: subject.New(env, feed)}
}

// NewPolymarketWithPrefix creates a writer publishing under a custom
// subject prefix/stream name.
func NewPolymarketWithPrefix(transport bus.Transport, prefix, streamName string) *Polymarket {
	return &Polymarket{transport: transport, subjects: subject.WithPrefix(prefix, streamName)}
}

// Write handles both of Polymarket's frame shapes, publishing each routable
// element as its own message with the original bytes for that element.
func (p *Polymarket) Write(ctx context.Context, data []byte) error {
	if string(data) == "PONG" {
		return nil
	}

	var single polymarketElement
	if err := json.Unmarshal(data, &single); err == nil && single.EventType != nil {
		subj, skip := p.subjectFor(&single)
		if skip {
			return nil
		}
		if subj == "" {
			logger.Warn("polymarket writer: unsupported event_type %q, skipping", *single.EventType)
			return nil
		}
		if err := p.transport.Publish(ctx, subj, data); err != nil {
			return fmt.Errorf("polymarket writer: publish failed: %w", err)
		}
		p.messageCount.Add(1)
		return nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		var obj map[string]interface{}
		if err2 := json.Unmarshal(data, &obj); err2 == nil {
			arr = []json.RawMessage{data}
		} else {
			return fmt.Errorf("polymarket writer: parse failed: %w (preview: %s)", err, previewString(data))
		}
	}

	for _, raw := range arr {
		var el polymarketElement
		if err := json.Unmarshal(raw, &el); err != nil {
			logger.Warn("polymarket writer: skipping unparseable array element: %v", err)
			continue
		}
		subj, skip := p.subjectFor(&el)
		if skip {
			continue
		}
		if subj == "" {
			continue
		}
		if err := p.transport.Publish(ctx, subj, raw); err != nil {
			return fmt.Errorf("polymarket writer: publish failed: %w", err)
		}
		p.messageCount.Add(1)
	}

	return nil
}

// subjectFor resolves the subject for a single element. skip is true for
// frame types that are recognized but deliberately not published.
func (p *Polymarket) subjectFor(el *polymarketElement) (subj string, skip bool) {
	market := ""
	if el.Market != nil {
		market = subject.Sanitize(*el.Market)
	}
	if market == "" {
		return "", false
	}

	eventType := ""
	if el.EventType != nil {
		eventType = *el.EventType
	}

	switch eventType {
	case "last_trade_price":
		return p.subjects.JSONTrade(market), false
	case "price_change", "best_bid_ask":
		return p.subjects.JSONTicker(market), false
	case "book":
		return p.subjects.JSONOrderbook(market), false
	case "new_market", "market_resolved":
		return p.subjects.JSONLifecycle(market), false
	case "tick_size_change":
		return "", true
	case "":
		if len(el.Bids) > 0 || len(el.Asks) > 0 {
			return p.subjects.JSONOrderbook(market), false
		}
		return "", false
	default:
		return "", false
	}
}

// Close is a no-op; the writer holds no resources of its own.
func (p *Polymarket) Close() error { return nil }

// MessageCount returns the number of elements published so far.
func (p *Polymarket) MessageCount() uint64 { return p.messageCount.Load() }
