package cdc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ssmd-go/ssmd/internal/bus"
	"github.com/ssmd-go/ssmd/internal/secmaster"
)

func publishInsert(t *testing.T, b *bus.Memory, lsn, ticker, eventTicker string) {
	t.Helper()
	ev := Event{
		LSN:   lsn,
		Table: "markets",
		Op:    "insert",
		Data:  mustJSON(t, marketData{Ticker: ticker, EventTicker: eventTicker}),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := b.Publish(context.Background(), insertSubject, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestLsnGTE(t *testing.T) {
	if !lsnGTE("0/16B3748", "0/16B3748") {
		t.Fatal("equal LSNs should compare GTE")
	}
	if !lsnGTE("0/16B3749", "0/16B3748") {
		t.Fatal("greater LSN should compare GTE")
	}
	if lsnGTE("0/16B3747", "0/16B3748") {
		t.Fatal("lesser LSN should not compare GTE")
	}
	if !lsnGTE("1/0", "0/FFFFFF") {
		t.Fatal("a higher first segment should compare GTE regardless of the second")
	}
}

func TestRunForwardsNewMarketPastSnapshot(t *testing.T) {
	b := bus.NewMemory()
	publishInsert(t, b, "0/2", "KXTEST", "")

	c := New(b, "SECMASTER_CDC", "cdc-test", "0/1", nil, nil, nil)
	newMarkets := make(chan string, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, newMarkets) }()

	select {
	case ticker := <-newMarkets:
		if ticker != "KXTEST" {
			t.Fatalf("expected KXTEST, got %s", ticker)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded ticker")
	}
	cancel()
	<-done
}

func TestRunSkipsEventsBeforeSnapshot(t *testing.T) {
	b := bus.NewMemory()
	publishInsert(t, b, "0/1", "KXOLD", "")

	c := New(b, "SECMASTER_CDC", "cdc-test", "0/5", nil, nil, nil)
	newMarkets := make(chan string, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx, newMarkets)

	select {
	case ticker := <-newMarkets:
		t.Fatalf("expected no forwarded ticker, got %s", ticker)
	default:
	}
	if c.Stats().SkippedLSN != 1 {
		t.Fatalf("expected 1 skipped-by-lsn, got %d", c.Stats().SkippedLSN)
	}
}

func TestRunSkipsAlreadySubscribedMarkets(t *testing.T) {
	b := bus.NewMemory()
	publishInsert(t, b, "0/2", "KXDUP", "")

	c := New(b, "SECMASTER_CDC", "cdc-test", "0/1", nil, []string{"KXDUP"}, nil)
	newMarkets := make(chan string, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx, newMarkets)

	if c.Stats().SkippedDuplicate != 1 {
		t.Fatalf("expected 1 skipped-duplicate, got %d", c.Stats().SkippedDuplicate)
	}
}

func TestRunFiltersByCategoryViaSecmaster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ticker":"KXEVENT-1","category":"sports"}`))
	}))
	defer srv.Close()

	sm := secmaster.New(srv.URL, "", 1, time.Millisecond, nil)

	b := bus.NewMemory()
	publishInsert(t, b, "0/2", "KXGAME", "KXEVENT-1")

	c := New(b, "SECMASTER_CDC", "cdc-test", "0/1", []string{"politics"}, nil, sm)
	newMarkets := make(chan string, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx, newMarkets)

	if c.Stats().SkippedCategory != 1 {
		t.Fatalf("expected 1 skipped-by-category, got %d", c.Stats().SkippedCategory)
	}

	select {
	case ticker := <-newMarkets:
		t.Fatalf("expected no forwarded ticker for non-matching category, got %s", ticker)
	default:
	}
}
