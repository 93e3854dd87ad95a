package writer

import (
	"context"
	"testing"

	"github.com/ssmd-go/ssmd/internal/bus"
)

func TestKrakenPublishesTrade(t *testing.T) {
	b := bus.NewMemory()
	w := NewKraken(b, "dev", "kraken")

	sub, err := b.Subscribe(context.Background(), "dev.kraken.json.trade.BTC-USD")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tradeJSON := []byte(`{"channel":"trade","type":"update","data":[{"symbol":"BTC/USD","side":"buy","price":97000.0,"qty":0.001}]}`)
	if err := w.Write(context.Background(), tradeJSON); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Subject != "dev.kraken.json.trade.BTC-USD" {
		t.Fatalf("got subject %q", msg.Subject)
	}
	if string(msg.Data) != string(tradeJSON) {
		t.Fatalf("payload was transformed")
	}
}

func TestKrakenPublishesTicker(t *testing.T) {
	b := bus.NewMemory()
	w := NewKraken(b, "dev", "kraken")

	sub, err := b.Subscribe(context.Background(), "dev.kraken.json.ticker.ETH-USD")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tickerJSON := []byte(`{"channel":"ticker","type":"update","data":[{"symbol":"ETH/USD","bid":3200.0,"ask":3201.0}]}`)
	if err := w.Write(context.Background(), tickerJSON); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
}

func TestKrakenSkipsHeartbeat(t *testing.T) {
	b := bus.NewMemory()
	w := NewKraken(b, "dev", "kraken")

	if err := w.Write(context.Background(), []byte(`{"channel":"heartbeat","type":"update"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected 0 published, got %d", w.MessageCount())
	}
}

func TestKrakenSkipsPong(t *testing.T) {
	b := bus.NewMemory()
	w := NewKraken(b, "dev", "kraken")

	if err := w.Write(context.Background(), []byte(`{"method":"pong","time_in":"x","time_out":"y"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected 0 published, got %d", w.MessageCount())
	}
}

func TestKrakenSkipsSubscriptionResult(t *testing.T) {
	b := bus.NewMemory()
	w := NewKraken(b, "dev", "kraken")

	sub := []byte(`{"method":"subscribe","result":{"channel":"ticker","symbol":"BTC/USD"},"success":true}`)
	if err := w.Write(context.Background(), sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected 0 published, got %d", w.MessageCount())
	}
}

func TestKrakenWithPrefix(t *testing.T) {
	b := bus.NewMemory()
	w := NewKrakenWithPrefix(b, "prod.kraken.main", "PROD_KRAKEN")

	sub, err := b.Subscribe(context.Background(), "prod.kraken.main.json.ticker.ETH-USD")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tickerJSON := []byte(`{"channel":"ticker","data":[{"symbol":"ETH/USD"}]}`)
	if err := w.Write(context.Background(), tickerJSON); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
}
