package secmaster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetMarketsByCategories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("category") != "politics" {
			t.Errorf("expected category=politics, got %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"tickers":["KXBTC","KXETH"]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 3, time.Millisecond, nil)
	tickers, err := c.GetMarketsByCategories(context.Background(), []string{"politics"})
	if err != nil {
		t.Fatalf("get markets: %v", err)
	}
	if len(tickers) != 2 {
		t.Fatalf("expected 2 tickers, got %d", len(tickers))
	}
}

func TestGetCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"category":"crypto"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 3, time.Millisecond, nil)
	cat, err := c.GetCategory(context.Background(), "KXBTC")
	if err != nil {
		t.Fatalf("get category: %v", err)
	}
	if cat != "crypto" {
		t.Fatalf("expected crypto, got %s", cat)
	}
}

func TestGetEventNotFoundReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 3, time.Millisecond, nil)
	ev, err := c.GetEvent(context.Background(), "KXEVENT-1")
	if err != nil {
		t.Fatalf("expected nil error for 404, got %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil event, got %+v", ev)
	}
}

func TestGetJSONRetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"category":"sports"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5, time.Millisecond, nil)
	cat, err := c.GetCategory(context.Background(), "KXNFL")
	if err != nil {
		t.Fatalf("get category: %v", err)
	}
	if cat != "sports" {
		t.Fatalf("expected sports, got %s", cat)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestGetJSONExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 2, time.Millisecond, nil)
	_, err := c.GetCategory(context.Background(), "KXNFL")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
