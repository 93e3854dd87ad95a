package archiver

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestHealthReportsOKWhenFresh(t *testing.T) {
	state := NewState("kalshi")
	state.MarkConnected(true)
	state.Touch(time.Now())

	app := NewServer(state)
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthReportsUnavailableWhenStaleAndConnected(t *testing.T) {
	state := NewState("kalshi")
	state.MarkConnected(true)
	state.LastMessageEpoch.Store(time.Now().Add(-10 * time.Minute).Unix())

	app := NewServer(state)
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestReadyRequiresConnection(t *testing.T) {
	state := NewState("kraken")

	app := NewServer(state)
	req, _ := http.NewRequest(http.MethodGet, "/ready", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for not-yet-connected feed", resp.StatusCode)
	}
}

func TestMetricsExposesPrometheusText(t *testing.T) {
	state := NewState("polymarket")
	state.MarkConnected(true)
	state.DedupCount.Store(7)

	app := NewServer(state)
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; version=0.0.4; charset=utf-8" {
		t.Fatalf("content-type = %q", ct)
	}
	if !strings.Contains(string(body), `ssmd_archiver_dedup_total{feed="polymarket"} 7`) {
		t.Fatalf("expected dedup metric in body, got:\n%s", body)
	}
}
