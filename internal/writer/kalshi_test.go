package writer

import (
	"context"
	"testing"

	"github.com/ssmd-go/ssmd/internal/bus"
)

func TestKalshiPublishesTrade(t *testing.T) {
	b := bus.NewMemory()
	w := NewKalshi(b, "dev", "kalshi")

	sub, err := b.Subscribe(context.Background(), "dev.kalshi.json.trade.KXTEST-123")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tradeJSON := []byte(`{"type":"trade","sid":2,"seq":1,"msg":{"market_ticker":"KXTEST-123","price":50,"count":10,"side":"yes","ts":1732579880}}`)
	if err := w.Write(context.Background(), tradeJSON); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Subject != "dev.kalshi.json.trade.KXTEST-123" {
		t.Fatalf("got subject %q", msg.Subject)
	}
	if string(msg.Data) != string(tradeJSON) {
		t.Fatalf("payload was transformed")
	}
}

func TestKalshiSkipsControlMessages(t *testing.T) {
	b := bus.NewMemory()
	w := NewKalshi(b, "dev", "kalshi")

	if err := w.Write(context.Background(), []byte(`{"type":"subscribed","id":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected 0 published, got %d", w.MessageCount())
	}
}

func TestKalshiSkipsError(t *testing.T) {
	b := bus.NewMemory()
	w := NewKalshi(b, "dev", "kalshi")

	if err := w.Write(context.Background(), []byte(`{"type":"error","id":7,"msg":{"code":8,"msg":"bad ticker"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected 0 published, got %d", w.MessageCount())
	}
}

func TestKalshiSeriesFilterDropsNonMatchingLifecycle(t *testing.T) {
	b := bus.NewMemory()
	w := NewKalshi(b, "dev", "kalshi").WithSeriesFilter([]string{"KXBTCD"})

	lifecycle := []byte(`{"type":"market_lifecycle_v2","msg":{"market_ticker":"KXETHD-26JAN25-T3000"}}`)
	if err := w.Write(context.Background(), lifecycle); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.MessageCount() != 0 {
		t.Fatalf("expected filtered lifecycle to not publish, count=%d", w.MessageCount())
	}
	if w.LifecycleFilteredCount() != 1 {
		t.Fatalf("expected 1 filtered, got %d", w.LifecycleFilteredCount())
	}
}

func TestKalshiSeriesFilterAllowsMatchingLifecycle(t *testing.T) {
	b := bus.NewMemory()
	w := NewKalshi(b, "dev", "kalshi").WithSeriesFilter([]string{"KXBTCD"})

	sub, err := b.Subscribe(context.Background(), "dev.kalshi.json.lifecycle.KXBTCD-26JAN25-T95000")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	lifecycle := []byte(`{"type":"market_lifecycle_v2","msg":{"market_ticker":"KXBTCD-26JAN25-T95000"}}`)
	if err := w.Write(context.Background(), lifecycle); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
}

func TestKalshiMessageCount(t *testing.T) {
	b := bus.NewMemory()
	w := NewKalshi(b, "dev", "kalshi")
	b.Subscribe(context.Background(), "dev.kalshi.json.trade.KXTEST-123")

	tradeJSON := []byte(`{"type":"trade","msg":{"market_ticker":"KXTEST-123"}}`)
	w.Write(context.Background(), tradeJSON)
	w.Write(context.Background(), tradeJSON)

	if w.MessageCount() != 2 {
		t.Fatalf("expected 2, got %d", w.MessageCount())
	}
}
