package schema

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// dataArray returns the Kraken v2 envelope's "data" array, or false for
// control messages (subscribe acks, heartbeats) that carry none.
func dataArray(msg map[string]interface{}) ([]interface{}, bool) {
	v, ok := msg["data"].([]interface{})
	return v, ok
}

// KrakenTickerRow is one archived Kraken Spot v2 ticker snapshot.
type KrakenTickerRow struct {
	Symbol     string  `parquet:"symbol"`
	Bid        float64 `parquet:"bid"`
	BidQty     float64 `parquet:"bid_qty"`
	Ask        float64 `parquet:"ask"`
	AskQty     float64 `parquet:"ask_qty"`
	Last       float64 `parquet:"last"`
	Volume     float64 `parquet:"volume"`
	Vwap       float64 `parquet:"vwap"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Change     float64 `parquet:"change"`
	ChangePct  float64 `parquet:"change_pct"`
	NatsSeq    uint64  `parquet:"_nats_seq"`
	ReceivedAt int64   `parquet:"_received_at,timestamp(microsecond)"`
}

// KrakenTickerSchema parses Kraken Spot v2's "ticker" channel.
type KrakenTickerSchema struct{}

func (KrakenTickerSchema) SchemaName() string    { return "kraken_ticker" }
func (KrakenTickerSchema) SchemaVersion() string { return "1.0.0" }
func (KrakenTickerSchema) MessageType() string   { return "ticker" }

func (KrakenTickerSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "symbol", Type: arrow.BinaryTypes.String},
		{Name: "bid", Type: arrow.PrimitiveTypes.Float64},
		{Name: "bid_qty", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ask", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ask_qty", Type: arrow.PrimitiveTypes.Float64},
		{Name: "last", Type: arrow.PrimitiveTypes.Float64},
		{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
		{Name: "vwap", Type: arrow.PrimitiveTypes.Float64},
		{Name: "high", Type: arrow.PrimitiveTypes.Float64},
		{Name: "low", Type: arrow.PrimitiveTypes.Float64},
		{Name: "change", Type: arrow.PrimitiveTypes.Float64},
		{Name: "change_pct", Type: arrow.PrimitiveTypes.Float64},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

var krakenTickerRequired = []string{
	"bid", "bid_qty", "ask", "ask_qty", "last", "volume", "vwap", "high", "low", "change", "change_pct",
}

func (s KrakenTickerSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]KrakenTickerRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		items, ok := dataArray(d.json)
		if !ok {
			continue
		}
		for _, raw := range items {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			symbol, ok := str(item, "symbol")
			if !ok {
				continue
			}
			vals := make(map[string]float64, len(krakenTickerRequired))
			missing := false
			for _, f := range krakenTickerRequired {
				v, ok := num(item, f)
				if !ok {
					missing = true
					break
				}
				vals[f] = v
			}
			if missing {
				continue
			}

			rows = append(rows, KrakenTickerRow{
				Symbol:     symbol,
				Bid:        vals["bid"],
				BidQty:     vals["bid_qty"],
				Ask:        vals["ask"],
				AskQty:     vals["ask_qty"],
				Last:       vals["last"],
				Volume:     vals["volume"],
				Vwap:       vals["vwap"],
				High:       vals["high"],
				Low:        vals["low"],
				Change:     vals["change"],
				ChangePct:  vals["change_pct"],
				NatsSeq:    d.seq,
				ReceivedAt: d.receivedAt,
			})
		}
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (KrakenTickerSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	items, ok := dataArray(msg)
	if !ok || len(items) == 0 {
		return 0, false
	}
	item, ok := items[0].(map[string]interface{})
	if !ok {
		return 0, false
	}
	symbol, ok := str(item, "symbol")
	if !ok {
		return 0, false
	}
	bid, ok1 := num(item, "bid")
	ask, ok2 := num(item, "ask")
	last, ok3 := num(item, "last")
	vol, ok4 := num(item, "volume")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, false
	}
	return hashDedupKey(symbol, formatFloat(bid), formatFloat(ask), formatFloat(last), formatFloat(vol)), true
}

// KrakenTradeRow is one archived Kraken Spot v2 trade print.
type KrakenTradeRow struct {
	Symbol     string `parquet:"symbol"`
	Side       string `parquet:"side"`
	Price      float64 `parquet:"price"`
	Qty        float64 `parquet:"qty"`
	OrdType    string `parquet:"ord_type"`
	TradeID    string `parquet:"trade_id"`
	Timestamp  int64  `parquet:"timestamp,timestamp(microsecond)"`
	NatsSeq    uint64 `parquet:"_nats_seq"`
	ReceivedAt int64  `parquet:"_received_at,timestamp(microsecond)"`
}

// KrakenTradeSchema parses Kraken Spot v2's "trade" channel.
type KrakenTradeSchema struct{}

func (KrakenTradeSchema) SchemaName() string    { return "kraken_trade" }
func (KrakenTradeSchema) SchemaVersion() string { return "1.0.0" }
func (KrakenTradeSchema) MessageType() string   { return "trade" }

func (KrakenTradeSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "symbol", Type: arrow.BinaryTypes.String},
		{Name: "side", Type: arrow.BinaryTypes.String},
		{Name: "price", Type: arrow.PrimitiveTypes.Float64},
		{Name: "qty", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ord_type", Type: arrow.BinaryTypes.String},
		{Name: "trade_id", Type: arrow.BinaryTypes.String},
		{Name: "timestamp", Type: tsUTC},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

func (s KrakenTradeSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]KrakenTradeRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		items, ok := dataArray(d.json)
		if !ok {
			continue
		}
		for _, raw := range items {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			symbol, ok := str(item, "symbol")
			if !ok {
				continue
			}
			side, ok := str(item, "side")
			if !ok {
				continue
			}
			price, ok := num(item, "price")
			if !ok {
				continue
			}
			qty, ok := num(item, "qty")
			if !ok {
				continue
			}
			ordType, ok := str(item, "ord_type")
			if !ok {
				continue
			}
			tradeID, ok := tradeIDOf(item)
			if !ok {
				continue
			}
			tsStr, ok := str(item, "timestamp")
			if !ok {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, tsStr)
			if err != nil {
				continue
			}

			rows = append(rows, KrakenTradeRow{
				Symbol:     symbol,
				Side:       side,
				Price:      price,
				Qty:        qty,
				OrdType:    ordType,
				TradeID:    tradeID,
				Timestamp:  ts.UnixMicro(),
				NatsSeq:    d.seq,
				ReceivedAt: d.receivedAt,
			})
		}
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (KrakenTradeSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	items, ok := dataArray(msg)
	if !ok || len(items) == 0 {
		return 0, false
	}
	item, ok := items[0].(map[string]interface{})
	if !ok {
		return 0, false
	}
	symbol, ok := str(item, "symbol")
	if !ok {
		return 0, false
	}
	tradeID, ok := tradeIDOf(item)
	if !ok {
		return 0, false
	}
	return hashDedupKey(symbol, tradeID), true
}

// tradeIDOf reads "trade_id" whether the feed sent it as a JSON string or a
// JSON number — some Kraken API versions send the numeric form.
func tradeIDOf(item map[string]interface{}) (string, bool) {
	switch v := item["trade_id"].(type) {
	case string:
		return v, true
	case float64:
		return formatInt(int64(v)), true
	default:
		return "", false
	}
}
