package writer

import (
	"context"
	"testing"

	"github.com/ssmd-go/ssmd/internal/bus"
)

func TestPolymarketPublishesTrade(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	sub, err := b.Subscribe(context.Background(), "dev.polymarket.json.trade.0x1234abcd")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tradeJSON := []byte(`{"event_type":"last_trade_price","asset_id":"token123","market":"0x1234abcd","price":"0.55"}`)
	if err := w.Write(context.Background(), tradeJSON); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Subject != "dev.polymarket.json.trade.0x1234abcd" {
		t.Fatalf("got subject %q", msg.Subject)
	}
}

func TestPolymarketPriceChangeRoutesToTicker(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	sub, err := b.Subscribe(context.Background(), "dev.polymarket.json.ticker.0x1234abcd")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	priceChange := []byte(`{"event_type":"price_change","market":"0x1234abcd","price_changes":[{"asset_id":"token123"}]}`)
	if err := w.Write(context.Background(), priceChange); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
}

func TestPolymarketBestBidAskRoutesToTicker(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	sub, err := b.Subscribe(context.Background(), "dev.polymarket.json.ticker.0x1234abcd")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bba := []byte(`{"event_type":"best_bid_ask","market":"0x1234abcd","best_bid":"0.54","best_ask":"0.56"}`)
	if err := w.Write(context.Background(), bba); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
}

func TestPolymarketNewMarketRoutesToLifecycle(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	sub, err := b.Subscribe(context.Background(), "dev.polymarket.json.lifecycle.0x1234abcd")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	newMarket := []byte(`{"event_type":"new_market","market":"0x1234abcd","assets_ids":["token_yes","token_no"]}`)
	if err := w.Write(context.Background(), newMarket); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
}

func TestPolymarketSkipsPong(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	if err := w.Write(context.Background(), []byte("PONG")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected 0 published, got %d", w.MessageCount())
	}
}

func TestPolymarketSkipsTickSizeChange(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	tick := []byte(`{"event_type":"tick_size_change","market":"0x1234abcd","old_tick_size":"0.01","new_tick_size":"0.001"}`)
	if err := w.Write(context.Background(), tick); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected 0 published, got %d", w.MessageCount())
	}
}

func TestPolymarketArrayWrappedMessage(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	sub, err := b.Subscribe(context.Background(), "dev.polymarket.json.trade.0x1234abcd")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	arr := []byte(`[{"event_type":"last_trade_price","asset_id":"token123","market":"0x1234abcd","price":"0.55"}]`)
	if err := w.Write(context.Background(), arr); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
	if w.MessageCount() != 1 {
		t.Fatalf("expected 1, got %d", w.MessageCount())
	}
}

func TestPolymarketBookSnapshotWithoutEventType(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	sub, err := b.Subscribe(context.Background(), "dev.polymarket.json.orderbook.0x1234abcd")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	book := []byte(`[{"asset_id":"token123","market":"0x1234abcd","bids":[{"price":"0.55","size":"1000"}],"asks":[{"price":"0.56","size":"500"}]}]`)
	if err := w.Write(context.Background(), book); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
}

func TestPolymarketInvalidJSONReturnsError(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarket(b, "dev", "polymarket")

	err := w.Write(context.Background(), []byte("not valid json at all"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected 0 published, got %d", w.MessageCount())
	}
}

func TestPolymarketWithPrefix(t *testing.T) {
	b := bus.NewMemory()
	w := NewPolymarketWithPrefix(b, "prod.polymarket", "PROD_POLYMARKET")

	sub, err := b.Subscribe(context.Background(), "prod.polymarket.json.trade.0xdef")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tradeJSON := []byte(`{"event_type":"last_trade_price","asset_id":"t1","market":"0xdef","price":"0.75"}`)
	if err := w.Write(context.Background(), tradeJSON); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
}
