// Package schema describes every inbound market-data message type as a
// self-describing row: an Arrow schema for introspection, and a Go struct
// (tagged for parquet-go) that actually carries the decoded columns to disk.
// One registry instance is built per feed; the archiver looks a message's
// detected type up in it before handing the raw batch to the Parquet writer.
package schema

import (
	"encoding/json"
	"hash/fnv"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
)

// RawMsg is one inbound message as archived: the raw JSON payload, the bus
// sequence number it arrived at, and the receive timestamp in microseconds
// since epoch (UTC). Every schema stamps _nats_seq/_received_at from these
// alongside the fields it parses out of Payload.
type RawMsg struct {
	Payload    []byte
	Seq        uint64
	ReceivedAt int64
}

// RecordBatch is the result of parsing a slice of RawMsg through a
// MessageSchema: Rows holds the concrete, parquet-tagged row slice (e.g.
// []KalshiTickerRow) for the Parquet writer to encode, and Schema is the
// matching Arrow description of those same columns for callers that only
// need to introspect shape (API responses, manifest metadata) without
// paying for a row encode.
type RecordBatch struct {
	Schema *arrow.Schema
	Rows   interface{}
	Len    int
}

// MessageSchema converts one JSON message type for one feed into archived
// rows. Implementations are stateless and safe for concurrent use.
type MessageSchema interface {
	// SchemaName is the stable identifier written into Parquet file
	// metadata, e.g. "kalshi_ticker".
	SchemaName() string

	// SchemaVersion lets a downstream reader detect a column-layout change
	// between archiver releases.
	SchemaVersion() string

	// ArrowSchema describes the row layout structurally, independent of the
	// parquet-go struct tags that actually drive encoding.
	ArrowSchema() *arrow.Schema

	// MessageType is the detected-type key this schema is registered under
	// for its feed (e.g. "ticker", "trade", "market_lifecycle_v2").
	MessageType() string

	// ParseBatch decodes every message into a row, skipping (and logging,
	// at the call site) individual messages missing a required field
	// rather than failing the whole batch.
	ParseBatch(msgs []RawMsg) (RecordBatch, error)

	// DedupKey returns a stable hash of the message's identity fields, and
	// false if the message doesn't carry enough of them to compute one.
	// The archiver uses this to drop repeats within a rotation window.
	DedupKey(msg map[string]interface{}) (uint64, bool)
}

// Registry maps a feed's detected message types to their schema.
type Registry struct {
	feed    string
	schemas map[string]MessageSchema
}

// ForFeed builds the registry for one feed's known message types. An
// unrecognized feed yields an empty, harmless registry (Get/DetectAndGet
// always miss) rather than an error, since the archiver's task loop is
// already driven by a fixed, validated set of feed names.
func ForFeed(feed string) *Registry {
	schemas := make(map[string]MessageSchema)

	switch feed {
	case "kalshi":
		schemas["ticker"] = KalshiTickerSchema{}
		schemas["trade"] = KalshiTradeSchema{}
		schemas["market_lifecycle_v2"] = KalshiLifecycleSchema{}
	case "kraken":
		schemas["ticker"] = KrakenTickerSchema{}
		schemas["trade"] = KrakenTradeSchema{}
	case "kraken-futures":
		schemas["ticker"] = KrakenFuturesTickerSchema{}
		schemas["trade"] = KrakenFuturesTradeSchema{}
	case "polymarket":
		schemas["book"] = PolymarketBookSchema{}
		schemas["last_trade_price"] = PolymarketTradeSchema{}
	}

	return &Registry{feed: feed, schemas: schemas}
}

// Get returns the schema registered for messageType, if any.
func (r *Registry) Get(messageType string) (MessageSchema, bool) {
	s, ok := r.schemas[messageType]
	return s, ok
}

// DetectAndGet sniffs msg's message type for the registry's feed and
// returns the matching schema, if both the type was detected and a schema
// is registered for it.
func (r *Registry) DetectAndGet(msg map[string]interface{}) (string, MessageSchema, bool) {
	msgType, ok := DetectMessageType(r.feed, msg)
	if !ok {
		return "", nil, false
	}
	s, ok := r.schemas[msgType]
	if !ok {
		return "", nil, false
	}
	return s.MessageType(), s, true
}

// DetectMessageType applies the feed-specific convention for sniffing a
// raw JSON message's type, without fully decoding it into a row. Returns
// false for control/subscription traffic that carries no archivable row.
func DetectMessageType(feed string, msg map[string]interface{}) (string, bool) {
	switch feed {
	case "kalshi":
		// Kalshi's envelope carries an explicit "type" on every message.
		t, ok := msg["type"].(string)
		return t, ok

	case "kraken":
		// Kraken Spot v2 channel messages without a "data" array are
		// control traffic (subscribe acks, heartbeats) and carry no row.
		if _, ok := msg["data"]; !ok {
			return "", false
		}
		t, ok := msg["channel"].(string)
		return t, ok

	case "kraken-futures":
		// An "event" key marks a snapshot/subscription message, not a
		// feed update; those never reach a schema.
		if _, ok := msg["event"]; ok {
			return "", false
		}
		t, ok := msg["feed"].(string)
		return t, ok

	case "polymarket":
		t, ok := msg["event_type"].(string)
		return t, ok

	default:
		return "", false
	}
}

// hashDedupKey combines a message's identity fields into a single stable
// hash. FNV-1a is the standard library's own non-cryptographic hash and
// needs no third-party import for this purely-internal, process-local use
// (the hash is never persisted or compared across archiver versions).
func hashDedupKey(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
	}
	return h.Sum64()
}

// decodeMessages unmarshals every payload into a generic map, silently
// dropping malformed JSON (archiving is best-effort over an at-least-once
// bus; a single corrupt frame must never abort the whole batch).
func decodeMessages(msgs []RawMsg) []decoded {
	out := make([]decoded, 0, len(msgs))
	for _, m := range msgs {
		var v map[string]interface{}
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			continue
		}
		out = append(out, decoded{json: v, seq: m.Seq, receivedAt: m.ReceivedAt})
	}
	return out
}

type decoded struct {
	json       map[string]interface{}
	seq        uint64
	receivedAt int64
}

func str(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func nested(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key].(map[string]interface{})
	return v, ok
}

// num reads a JSON number field as float64 (encoding/json's only numeric
// representation for untyped interfaces).
func num(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

// optInt64 reads an optional integer field, returning nil rather than a
// zero value when absent so the Parquet column carries a real null.
func optInt64(m map[string]interface{}, key string) *int64 {
	v, ok := num(m, key)
	if !ok {
		return nil
	}
	i := int64(v)
	return &i
}

// firstNum reads the first of several candidate keys present, in order.
func firstNum(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := num(m, k); ok {
			return v, true
		}
	}
	return 0, false
}

// firstStr reads the first of several candidate keys present, in order.
func firstStr(m map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := str(m, k); ok {
			return v, true
		}
	}
	return "", false
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// encodeJSON re-serializes an already-decoded JSON value, used for columns
// archived as a free-form JSON string (e.g. lifecycle additional_metadata).
func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}
