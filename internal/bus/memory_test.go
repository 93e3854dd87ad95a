package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "dev.kalshi.json.trade.KXTEST-123")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	payload := []byte(`{"type":"trade"}`)
	if err := b.Publish(ctx, "dev.kalshi.json.trade.KXTEST-123", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Subject != "dev.kalshi.json.trade.KXTEST-123" {
		t.Fatalf("got subject %q", msg.Subject)
	}
	if string(msg.Data) != string(payload) {
		t.Fatalf("got data %q", msg.Data)
	}
}

func TestMemorySubscribeExactSubjectNoFanoutAcrossSubjects(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "dev.kalshi.json.trade.KXTEST-456")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "dev.kalshi.json.ticker.KXTEST-456", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx2); err == nil {
		t.Fatal("expected no message delivered to mismatched subject")
	}
}

func TestMemoryPullConsumerFetchAndAck(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, "dev.kalshi.json.trade.KXTEST-789", []byte("msg")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	pc, err := b.PullConsumer(ctx, "DEV_KALSHI", "dev.kalshi.json.trade.KXTEST-789", "archiver")
	if err != nil {
		t.Fatalf("pull consumer: %v", err)
	}
	defer pc.Close()

	batch1, err := pc.Fetch(ctx, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch1) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(batch1))
	}
	if batch1[0].Seq != 1 || batch1[2].Seq != 3 {
		t.Fatalf("unexpected sequence numbers: %d, %d", batch1[0].Seq, batch1[2].Seq)
	}
	for _, m := range batch1 {
		if err := m.Ack(); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	batch2, err := pc.Fetch(ctx, 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch2) != 2 {
		t.Fatalf("expected remaining batch of 2, got %d", len(batch2))
	}
}

func TestMemoryPullConsumerFetchEmptyTimesOut(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	pc, err := b.PullConsumer(ctx, "DEV_KALSHI", "dev.kalshi.json.trade.EMPTY", "archiver")
	if err != nil {
		t.Fatalf("pull consumer: %v", err)
	}
	defer pc.Close()

	start := time.Now()
	batch, err := pc.Fetch(ctx, 5, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected empty batch, got %d", len(batch))
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("expected fetch to wait for maxWait before returning empty")
	}
}

func TestMemoryMultipleSubscribersFanOut(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	sub1, _ := b.Subscribe(ctx, "dev.kalshi.json.trade.KXTEST-999")
	sub2, _ := b.Subscribe(ctx, "dev.kalshi.json.trade.KXTEST-999")
	defer sub1.Close()
	defer sub2.Close()

	if err := b.Publish(ctx, "dev.kalshi.json.trade.KXTEST-999", []byte("fanout")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	m1, err := sub1.Next(ctx)
	if err != nil || string(m1.Data) != "fanout" {
		t.Fatalf("sub1 did not receive message: %v %v", m1, err)
	}
	m2, err := sub2.Next(ctx)
	if err != nil || string(m2.Data) != "fanout" {
		t.Fatalf("sub2 did not receive message: %v %v", m2, err)
	}
}
