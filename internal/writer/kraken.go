/**
 * @description
 * Kraken writer: fast-path routing for Kraken spot v2's {channel, data[]}
 * envelope. Only trade and ticker channels carry a symbol worth routing on;
 * heartbeats are dropped and anything else without a recognized channel
 * (pong/subscribe acks, which arrive with a "method" field instead of
 * "channel") is silently skipped rather than treated as an error.
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

type krakenPartialMsg struct {
	Channel *string             `json:"channel,omitempty"`
	Method  *string             `json:"method,omitempty"`
	Data    []krakenPartialData `json:"data,omitempty"`
}

type krakenPartialData struct {
	Symbol *string `json:"symbol,omitempty"`
}

// Kraken publishes raw Kraken spot v2 frames to a subject tree.
type Kraken struct {
	transport    bus.Transport
	subjects     *subject.Builder
	messageCount atomic.Uint64
}

// NewKraken creates a writer publishing under the default {env}.{feed}
// subject tree.
func NewKraken(transport bus.Transport, env, feed string) *Kraken {
	return &Kraken{transport: transport, subjects: subject.New(env, feed)}
}

// NewKrakenWithPrefix creates a writer publishing under a custom subject
// prefix/stream name.
func NewKrakenWithPrefix(transport bus.Transport, prefix, streamName string) *Kraken {
	return &Kraken{transport: transport, subjects: subject.WithPrefix(prefix, streamName)}
}

// Write parses just enough of the frame to find its channel and symbol,
// then publishes the original bytes unmodified.
func (k *Kraken) Write(ctx context.Context, data []byte) error {
	var partial krakenPartialMsg
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("kraken writer: parse failed: %w (preview: %s)", err, previewString(data))
	}

	channel := ""
	if partial.Channel != nil {
		channel = *partial.Channel
	}

	var subj string
	switch channel {
	case "trade":
		sym := krakenSymbol(partial.Data)
		sanitized := subject.Sanitize(sym)
		if sanitized == "" {
			logger.Warn("kraken writer: empty sanitized symbol for trade, skipping")
			return nil
		}
		subj = k.subjects.JSONTrade(sanitized)
	case "ticker":
		sym := krakenSymbol(partial.Data)
		sanitized := subject.Sanitize(sym)
		if sanitized == "" {
			logger.Warn("kraken writer: empty sanitized symbol for ticker, skipping")
			return nil
		}
		subj = k.subjects.JSONTicker(sanitized)
	case "heartbeat":
		return nil
	default:
		if partial.Method != nil {
			return nil
		}
		logger.Warn("kraken writer: skipping unknown channel %q", channel)
		return nil
	}

	if err := k.transport.Publish(ctx, subj, data); err != nil {
		return fmt.Errorf("kraken writer: publish failed: %w", err)
	}
	k.messageCount.Add(1)
	return nil
}

func krakenSymbol(data []krakenPartialData) string {
	if len(data) == 0 || data[0].Symbol == nil {
		return "unknown"
	}
	return *data[0].Symbol
}

// Close is a no-op; the writer holds no resources of its own.
func (k *Kraken) Close() error { return nil }

// MessageCount returns the number of frames published so far.
func (k *Kraken) MessageCount() uint64 { return k.messageCount.Load() }
