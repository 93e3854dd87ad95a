package schema

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// epochMsToMicros converts a Kraken Futures epoch-millisecond timestamp to
// the microsecond unit every other archived timestamp column uses.
func epochMsToMicros(ms int64) int64 { return ms * 1000 }

// KrakenFuturesTickerRow is one archived Kraken Futures v1 ticker update.
// The feed is a flat object (no data[] wrapper, unlike Kraken Spot v2).
type KrakenFuturesTickerRow struct {
	ProductID            string   `parquet:"product_id"`
	Bid                  float64  `parquet:"bid"`
	BidSize              float64  `parquet:"bid_size"`
	Ask                  float64  `parquet:"ask"`
	AskSize              float64  `parquet:"ask_size"`
	Last                 float64  `parquet:"last"`
	Volume               float64  `parquet:"volume"`
	VolumeQuote          *float64 `parquet:"volume_quote,optional"`
	Open                 *float64 `parquet:"open,optional"`
	High                 *float64 `parquet:"high,optional"`
	Low                  *float64 `parquet:"low,optional"`
	Change               *float64 `parquet:"change,optional"`
	IndexPrice           *float64 `parquet:"index_price,optional"`
	MarkPrice            *float64 `parquet:"mark_price,optional"`
	OpenInterest         *float64 `parquet:"open_interest,optional"`
	FundingRate          *float64 `parquet:"funding_rate,optional"`
	FundingRatePrediction *float64 `parquet:"funding_rate_prediction,optional"`
	NextFundingRateTime  *int64   `parquet:"next_funding_rate_time,optional"`
	Time                 int64    `parquet:"time,timestamp(microsecond)"`
	NatsSeq              uint64   `parquet:"_nats_seq"`
	ReceivedAt           int64    `parquet:"_received_at,timestamp(microsecond)"`
}

// KrakenFuturesTickerSchema parses Kraken Futures v1's flat "ticker" feed
// message.
type KrakenFuturesTickerSchema struct{}

func (KrakenFuturesTickerSchema) SchemaName() string    { return "kraken_futures_ticker" }
func (KrakenFuturesTickerSchema) SchemaVersion() string { return "1" }
func (KrakenFuturesTickerSchema) MessageType() string   { return "ticker" }

func (KrakenFuturesTickerSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "product_id", Type: arrow.BinaryTypes.String},
		{Name: "bid", Type: arrow.PrimitiveTypes.Float64},
		{Name: "bid_size", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ask", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ask_size", Type: arrow.PrimitiveTypes.Float64},
		{Name: "last", Type: arrow.PrimitiveTypes.Float64},
		{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
		{Name: "volume_quote", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "open", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "high", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "low", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "change", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "index_price", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "mark_price", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "open_interest", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "funding_rate", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "funding_rate_prediction", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "next_funding_rate_time", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "time", Type: tsUTC},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

var krakenFuturesTickerRequired = []string{"bid", "bid_size", "ask", "ask_size", "last", "volume"}

func (s KrakenFuturesTickerSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]KrakenFuturesTickerRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		pid, ok := str(d.json, "product_id")
		if !ok {
			continue
		}
		vals := make(map[string]float64, len(krakenFuturesTickerRequired))
		missing := false
		for _, f := range krakenFuturesTickerRequired {
			v, ok := num(d.json, f)
			if !ok {
				missing = true
				break
			}
			vals[f] = v
		}
		if missing {
			continue
		}
		tsMs, ok := num(d.json, "time")
		if !ok {
			continue
		}

		row := KrakenFuturesTickerRow{
			ProductID:  pid,
			Bid:        vals["bid"],
			BidSize:    vals["bid_size"],
			Ask:        vals["ask"],
			AskSize:    vals["ask_size"],
			Last:       vals["last"],
			Volume:     vals["volume"],
			Time:       epochMsToMicros(int64(tsMs)),
			NatsSeq:    d.seq,
			ReceivedAt: d.receivedAt,
		}
		row.VolumeQuote = optFloat64(d.json, "volumeQuote")
		row.Open = optFloat64(d.json, "open")
		row.High = optFloat64(d.json, "high")
		row.Low = optFloat64(d.json, "low")
		row.Change = optFloat64(d.json, "change")
		row.IndexPrice = optFloat64(d.json, "index")
		row.MarkPrice = optFloat64(d.json, "markPrice")
		row.OpenInterest = optFloat64(d.json, "openInterest")
		row.FundingRate = optFloat64(d.json, "funding_rate")
		row.FundingRatePrediction = optFloat64(d.json, "funding_rate_prediction")
		row.NextFundingRateTime = optInt64(d.json, "next_funding_rate_time")
		rows = append(rows, row)
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (KrakenFuturesTickerSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	pid, ok := str(msg, "product_id")
	if !ok {
		return 0, false
	}
	bid, ok1 := num(msg, "bid")
	ask, ok2 := num(msg, "ask")
	last, ok3 := num(msg, "last")
	vol, ok4 := num(msg, "volume")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, false
	}
	return hashDedupKey(pid, formatFloat(bid), formatFloat(ask), formatFloat(last), formatFloat(vol)), true
}

// KrakenFuturesTradeRow is one archived Kraken Futures v1 trade print.
type KrakenFuturesTradeRow struct {
	ProductID  string  `parquet:"product_id"`
	UID        string  `parquet:"uid"`
	Side       string  `parquet:"side"`
	TradeType  string  `parquet:"trade_type"`
	Seq        int64   `parquet:"seq"`
	Qty        float64 `parquet:"qty"`
	Price      float64 `parquet:"price"`
	Time       int64   `parquet:"time,timestamp(microsecond)"`
	NatsSeq    uint64  `parquet:"_nats_seq"`
	ReceivedAt int64   `parquet:"_received_at,timestamp(microsecond)"`
}

// KrakenFuturesTradeSchema parses Kraken Futures v1's flat "trade" feed
// message.
type KrakenFuturesTradeSchema struct{}

func (KrakenFuturesTradeSchema) SchemaName() string    { return "kraken_futures_trade" }
func (KrakenFuturesTradeSchema) SchemaVersion() string { return "1" }
func (KrakenFuturesTradeSchema) MessageType() string   { return "trade" }

func (KrakenFuturesTradeSchema) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "product_id", Type: arrow.BinaryTypes.String},
		{Name: "uid", Type: arrow.BinaryTypes.String},
		{Name: "side", Type: arrow.BinaryTypes.String},
		{Name: "trade_type", Type: arrow.BinaryTypes.String},
		{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
		{Name: "qty", Type: arrow.PrimitiveTypes.Float64},
		{Name: "price", Type: arrow.PrimitiveTypes.Float64},
		{Name: "time", Type: tsUTC},
		{Name: "_nats_seq", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "_received_at", Type: tsUTC},
	}, nil)
}

func (s KrakenFuturesTradeSchema) ParseBatch(msgs []RawMsg) (RecordBatch, error) {
	rows := make([]KrakenFuturesTradeRow, 0, len(msgs))
	for _, d := range decodeMessages(msgs) {
		pid, ok := str(d.json, "product_id")
		if !ok {
			continue
		}
		uid, ok := str(d.json, "uid")
		if !ok {
			continue
		}
		side, ok := str(d.json, "side")
		if !ok {
			continue
		}
		tradeType, ok := str(d.json, "type")
		if !ok {
			continue
		}
		seq, ok := num(d.json, "seq")
		if !ok {
			continue
		}
		qty, ok := num(d.json, "qty")
		if !ok {
			continue
		}
		price, ok := num(d.json, "price")
		if !ok {
			continue
		}
		tsMs, ok := num(d.json, "time")
		if !ok {
			continue
		}

		rows = append(rows, KrakenFuturesTradeRow{
			ProductID:  pid,
			UID:        uid,
			Side:       side,
			TradeType:  tradeType,
			Seq:        int64(seq),
			Qty:        qty,
			Price:      price,
			Time:       epochMsToMicros(int64(tsMs)),
			NatsSeq:    d.seq,
			ReceivedAt: d.receivedAt,
		})
	}
	return RecordBatch{Schema: s.ArrowSchema(), Rows: rows, Len: len(rows)}, nil
}

func (KrakenFuturesTradeSchema) DedupKey(msg map[string]interface{}) (uint64, bool) {
	uid, ok := str(msg, "uid")
	if !ok {
		return 0, false
	}
	return hashDedupKey("trade", uid), true
}

// optFloat64 reads an optional float field, returning nil when absent.
func optFloat64(m map[string]interface{}, key string) *float64 {
	v, ok := num(m, key)
	if !ok {
		return nil
	}
	return &v
}
