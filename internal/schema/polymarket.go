package schema

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// PolymarketBookRow is one archived Polymarket order book snapshot. The
// book levels themselves are archived as opaque JSON rather than exploded
// into columns, since their depth varies message to message.
type PolymarketBookRow struct {
	AssetID      string  `parquet:"asset_id"`
	Market       string  `parquet:"market"`
	TimestampMs  *int64  `parquet:"timestamp_ms,optional"`
	Hash         *string `parquet:"hash,optional"`
	BidsJSON     string  `parquet:"bids_json"`
	AsksJSON     string  `parquet:"asks_json"`
	NatsSeq      uint64  `parquet:"_nats_seq"`
	ReceivedAt   int64   `parquet:"_received_at,timestamp(microsecond)"`
}

// PolymarketBookSchema parses Polymarket's "book" event.
type PolymarketBookSchema struct{}

func (PolymarketBookSchema) SchemaName() string    { return "polymarket_book" }
func (PolymarketBookSchema) SchemaVersion() string { return "1" }
func (PolymarketBookSchema) MessageType() string   { return "book" }

func (PolymarketBookSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "asset_id", Type: arrow.BinaryTypes.String},
		{Name: "market", Type: arrow.BinaryTypes.String},
		{Name: "timestamp_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "hash", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "bids_json", Type: arrow.BinaryTypes.String},
		{Name: "asks_json", Type: arrow.BinaryTypes.String},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

// emptyJSONArray is what an absent bids/asks side archives as, matching a
// literal "[]" rather than an empty Go slice's zero-value encoding.
const emptyJSONArray = "[]"

func (s PolymarketBookSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]PolymarketBookRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		assetID, ok := str(d.json, "asset_id")
		if !ok {
			continue
		}
		market, ok := str(d.json, "market")
		if !ok {
			continue
		}

		row := PolymarketBookRow{
			AssetID:    assetID,
			Market:     market,
			BidsJSON:   jsonArrayOrEmpty(d.json, "buys", "bids"),
			AsksJSON:   jsonArrayOrEmpty(d.json, "sells", "asks"),
			NatsSeq:    d.seq,
			ReceivedAt: d.receivedAt,
		}
		if ms, ok := polymarketTimestampMs(d.json); ok {
			row.TimestampMs = &ms
		}
		if h, ok := str(d.json, "hash"); ok {
			row.Hash = &h
		}
		rows = append(rows, row)
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (PolymarketBookSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	assetID, ok := str(msg, "asset_id")
	if !ok {
		return 0, false
	}
	ts := ""
	if ms, ok := polymarketTimestampMs(msg); ok {
		ts = formatInt(ms)
	}
	return hashDedupKey(assetID, ts), true
}

// PolymarketTradeRow is one archived Polymarket last-trade-price event.
// Polymarket sends every numeric field as a JSON string, so these columns
// are archived verbatim as strings rather than parsed into floats.
type PolymarketTradeRow struct {
	AssetID     string  `parquet:"asset_id"`
	Market      string  `parquet:"market"`
	Price       string  `parquet:"price"`
	Side        *string `parquet:"side,optional"`
	Size        *string `parquet:"size,optional"`
	FeeRateBps  *string `parquet:"fee_rate_bps,optional"`
	TimestampMs *int64  `parquet:"timestamp_ms,optional"`
	NatsSeq     uint64  `parquet:"_nats_seq"`
	ReceivedAt  int64   `parquet:"_received_at,timestamp(microsecond)"`
}

// PolymarketTradeSchema parses Polymarket's "last_trade_price" event.
type PolymarketTradeSchema struct{}

func (PolymarketTradeSchema) SchemaName() string    { return "polymarket_trade" }
func (PolymarketTradeSchema) SchemaVersion() string { return "1" }
func (PolymarketTradeSchema) MessageType() string   { return "last_trade_price" }

func (PolymarketTradeSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "asset_id", Type: arrow.BinaryTypes.String},
		{Name: "market", Type: arrow.BinaryTypes.String},
		{Name: "price", Type: arrow.BinaryTypes.String},
		{Name: "side", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "size", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "fee_rate_bps", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "timestamp_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

func (s PolymarketTradeSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]PolymarketTradeRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		assetID, ok := str(d.json, "asset_id")
		if !ok {
			continue
		}
		market, ok := str(d.json, "market")
		if !ok {
			continue
		}
		price, ok := str(d.json, "price")
		if !ok {
			continue
		}

		row := PolymarketTradeRow{
			AssetID:    assetID,
			Market:     market,
			Price:      price,
			NatsSeq:    d.seq,
			ReceivedAt: d.receivedAt,
		}
		if v, ok := str(d.json, "side"); ok {
			row.Side = &v
		}
		if v, ok := str(d.json, "size"); ok {
			row.Size = &v
		}
		if v, ok := str(d.json, "fee_rate_bps"); ok {
			row.FeeRateBps = &v
		}
		if ms, ok := polymarketTimestampMs(d.json); ok {
			row.TimestampMs = &ms
		}
		rows = append(rows, row)
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (PolymarketTradeSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	assetID, ok := str(msg, "asset_id")
	if !ok {
		return 0, false
	}
	price, _ := str(msg, "price")
	return hashDedupKey(assetID, price), true
}

// jsonArrayOrEmpty re-encodes the first present of the candidate array
// fields (Polymarket sends "buys"/"sells" on the wire; some connectors
// normalize to "bids"/"asks"), falling back to "[]" when neither is set.
func jsonArrayOrEmpty(msg map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, present := msg[k]; present {
			if encoded, err := encodeJSON(v); err == nil {
				return encoded
			}
		}
	}
	return emptyJSONArray
}

// polymarketTimestampMs parses the feed's "timestamp" field, which arrives
// as a JSON string of epoch milliseconds.
func polymarketTimestampMs(msg map[string]interface{}) (int64, bool) {
	ts, ok := str(msg, "timestamp")
	if !ok {
		return 0, false
	}
	v, err := parseInt(ts)
	if err != nil {
		return 0, false
	}
	return v, true
}
