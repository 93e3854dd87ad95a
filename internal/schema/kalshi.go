package schema

import (
	"github.com/apache/arrow-go/v18/arrow"
)

var tsUTC = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// KalshiTickerRow is one archived Kalshi ticker update.
type KalshiTickerRow struct {
	MarketTicker  string `parquet:"market_ticker"`
	YesBid        *int64 `parquet:"yes_bid,optional"`
	YesAsk        *int64 `parquet:"yes_ask,optional"`
	NoBid         *int64 `parquet:"no_bid,optional"`
	NoAsk         *int64 `parquet:"no_ask,optional"`
	LastPrice     *int64 `parquet:"last_price,optional"`
	Volume        *int64 `parquet:"volume,optional"`
	OpenInterest  *int64 `parquet:"open_interest,optional"`
	Ts            int64  `parquet:"ts,timestamp(microsecond)"`
	ExchangeClock *int64 `parquet:"exchange_clock,optional"`
	NatsSeq       uint64 `parquet:"_nats_seq"`
	ReceivedAt    int64  `parquet:"_received_at,timestamp(microsecond)"`
}

// KalshiTickerSchema parses Kalshi's "ticker" channel message.
type KalshiTickerSchema struct{}

func (KalshiTickerSchema) SchemaName() string    { return "kalshi_ticker" }
func (KalshiTickerSchema) SchemaVersion() string { return "1" }
func (KalshiTickerSchema) MessageType() string   { return "ticker" }

func (KalshiTickerSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "market_ticker", Type: arrow.BinaryTypes.String},
		{Name: "yes_bid", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "yes_ask", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "no_bid", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "no_ask", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "last_price", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "volume", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "open_interest", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "ts", Type: tsUTC},
		{Name: "exchange_clock", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

func (s KalshiTickerSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]KalshiTickerRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		msg, ok := nested(d.json, "msg")
		if !ok {
			continue
		}
		ticker, ok := str(msg, "market_ticker")
		if !ok {
			continue
		}
		tsSecs, ok := num(msg, "ts")
		if !ok {
			continue
		}

		row := KalshiTickerRow{
			MarketTicker: ticker,
			Ts:           int64(tsSecs) * 1_000_000,
			NatsSeq:      d.seq,
			ReceivedAt:   d.receivedAt,
		}
		row.YesBid = optInt64(msg, "yes_bid")
		row.YesAsk = optInt64(msg, "yes_ask")
		row.NoBid = optInt64(msg, "no_bid")
		row.NoAsk = optInt64(msg, "no_ask")
		row.LastPrice = optInt64(msg, "price")
		row.Volume = optInt64(msg, "volume")
		row.OpenInterest = optInt64(msg, "open_interest")
		row.ExchangeClock = optInt64(msg, "Clock")
		rows = append(rows, row)
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (KalshiTickerSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	inner, ok := nested(msg, "msg")
	if !ok {
		return 0, false
	}
	ticker, ok := str(inner, "market_ticker")
	if !ok {
		return 0, false
	}
	ts, ok := num(inner, "ts")
	if !ok {
		return 0, false
	}
	return hashDedupKey("ticker", ticker, formatInt(int64(ts))), true
}

// KalshiTradeRow is one archived Kalshi trade print.
type KalshiTradeRow struct {
	MarketTicker string `parquet:"market_ticker"`
	Price        int64  `parquet:"price"`
	Count        int64  `parquet:"count"`
	Side         string `parquet:"side"`
	Ts           int64  `parquet:"ts,timestamp(microsecond)"`
	TradeID      string `parquet:"trade_id"`
	ExchangeSeq  *int64 `parquet:"exchange_seq,optional"`
	NatsSeq      uint64 `parquet:"_nats_seq"`
	ReceivedAt   int64  `parquet:"_received_at,timestamp(microsecond)"`
}

// KalshiTradeSchema parses Kalshi's "trade" channel message. The connector
// aliases the wire's "yes_price"/"taker_side" to "price"/"side"; this
// schema accepts either spelling so archived data survives either the raw
// WS frame or the connector's normalized shape.
type KalshiTradeSchema struct{}

func (KalshiTradeSchema) SchemaName() string    { return "kalshi_trade" }
func (KalshiTradeSchema) SchemaVersion() string { return "1" }
func (KalshiTradeSchema) MessageType() string   { return "trade" }

func (KalshiTradeSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "market_ticker", Type: arrow.BinaryTypes.String},
		{Name: "price", Type: arrow.PrimitiveTypes.Int64},
		{Name: "count", Type: arrow.PrimitiveTypes.Int64},
		{Name: "side", Type: arrow.BinaryTypes.String},
		{Name: "ts", Type: tsUTC},
		{Name: "trade_id", Type: arrow.BinaryTypes.String},
		{Name: "exchange_seq", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

func (s KalshiTradeSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]KalshiTradeRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		msg, ok := nested(d.json, "msg")
		if !ok {
			continue
		}
		ticker, ok := str(msg, "market_ticker")
		if !ok {
			continue
		}
		tradeID, ok := str(msg, "trade_id")
		if !ok {
			continue
		}
		price, ok := firstNum(msg, "yes_price", "price")
		if !ok {
			continue
		}
		count, ok := num(msg, "count")
		if !ok {
			continue
		}
		side, ok := firstStr(msg, "taker_side", "side")
		if !ok {
			continue
		}
		ts, ok := num(msg, "ts")
		if !ok {
			continue
		}

		rows = append(rows, KalshiTradeRow{
			MarketTicker: ticker,
			Price:        int64(price),
			Count:        int64(count),
			Side:         side,
			Ts:           int64(ts) * 1_000_000,
			TradeID:      tradeID,
			ExchangeSeq:  optInt64(d.json, "seq"),
			NatsSeq:      d.seq,
			ReceivedAt:   d.receivedAt,
		})
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (KalshiTradeSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	inner, ok := nested(msg, "msg")
	if !ok {
		return 0, false
	}
	tradeID, ok := str(inner, "trade_id")
	if !ok {
		return 0, false
	}
	return hashDedupKey("trade", tradeID), true
}

// KalshiLifecycleRow is one archived market lifecycle transition.
type KalshiLifecycleRow struct {
	MarketTicker        string  `parquet:"market_ticker"`
	EventType           string  `parquet:"event_type"`
	OpenTs              *int64  `parquet:"open_ts,optional,timestamp(microsecond)"`
	CloseTs             *int64  `parquet:"close_ts,optional,timestamp(microsecond)"`
	AdditionalMetadata  *string `parquet:"additional_metadata,optional"`
	NatsSeq             uint64  `parquet:"_nats_seq"`
	ReceivedAt          int64   `parquet:"_received_at,timestamp(microsecond)"`
}

// KalshiLifecycleSchema parses Kalshi's "market_lifecycle_v2" channel
// message (open/close/settlement/determination events).
type KalshiLifecycleSchema struct{}

func (KalshiLifecycleSchema) SchemaName() string    { return "kalshi_lifecycle" }
func (KalshiLifecycleSchema) SchemaVersion() string { return "1" }
func (KalshiLifecycleSchema) MessageType() string   { return "market_lifecycle_v2" }

func (KalshiLifecycleSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "market_ticker", Type: arrow.BinaryTypes.String},
		{Name: "event_type", Type: arrow.BinaryTypes.String},
		{Name: "open_ts", Type: tsUTC, Nullable: true},
		{Name: "close_ts", Type: tsUTC, Nullable: true},
		{Name: "additional_metadata", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

func (s KalshiLifecycleSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]KalshiLifecycleRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		msg, ok := nested(d.json, "msg")
		if !ok {
			continue
		}
		ticker, ok := str(msg, "market_ticker")
		if !ok {
			continue
		}
		eventType, ok := str(msg, "event_type")
		if !ok {
			continue
		}

		row := KalshiLifecycleRow{
			MarketTicker: ticker,
			EventType:    eventType,
			NatsSeq:      d.seq,
			ReceivedAt:   d.receivedAt,
		}
		if openTs, ok := num(msg, "open_ts"); ok {
			v := int64(openTs) * 1_000_000
			row.OpenTs = &v
		}
		if closeTs, ok := num(msg, "close_ts"); ok {
			v := int64(closeTs) * 1_000_000
			row.CloseTs = &v
		}
		if meta, present := msg["additional_metadata"]; present && meta != nil {
			encoded, err := encodeJSON(meta)
			if err == nil {
				row.AdditionalMetadata = &encoded
			}
		}
		rows = append(rows, row)
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (KalshiLifecycleSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	inner, ok := nested(msg, "msg")
	if !ok {
		return 0, false
	}
	ticker, ok := str(inner, "market_ticker")
	if !ok {
		return 0, false
	}
	eventType, ok := str(inner, "event_type")
	if !ok {
		return 0, false
	}
	return hashDedupKey(ticker, eventType), true
}
