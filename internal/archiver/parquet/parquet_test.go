package parquet

import (
	"testing"
	"time"
)

const completeKrakenTicker = `{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":50000.1,"bid_qty":1.2,"ask":50000.5,"ask_qty":1.1,"last":50000.3,"volume":120.5,"vwap":50010.0,"high":50500.0,"low":49500.0,"change":10.5,"change_pct":0.02}]}`

const incompleteKrakenTicker = `{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":50000.1}]}`

func TestWriteBuffersWithinHourAndFlushesOnRotation(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "kraken", "PROD_KRAKEN")

	hourOne := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	entries, err := w.Write([]byte(completeKrakenTicker), 1, hourOne)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no flush within the hour, got %d", len(entries))
	}
	if len(w.buffers["ticker"].messages) != 1 {
		t.Fatalf("expected 1 buffered message, got %d", len(w.buffers["ticker"].messages))
	}

	hourTwo := hourOne.Add(45 * time.Minute)
	entries, err = w.Write([]byte(completeKrakenTicker), 2, hourTwo)
	if err != nil {
		t.Fatalf("write across hour boundary: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 flushed file crossing the hour, got %d", len(entries))
	}
	if entries[0].Records != 1 {
		t.Fatalf("flushed entry records = %d, want 1", entries[0].Records)
	}
	if entries[0].NatsStartSeq != 1 || entries[0].NatsEndSeq != 1 {
		t.Fatalf("unexpected seq bounds: %+v", entries[0])
	}
}

func TestWriteDedupsIdenticalTickerWithinHour(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "kraken", "PROD_KRAKEN")

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if _, err := w.Write([]byte(completeKrakenTicker), 1, now); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte(completeKrakenTicker), 2, now); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}

	if len(w.buffers["ticker"].messages) != 1 {
		t.Fatalf("expected duplicate to be dropped, buffered %d messages", len(w.buffers["ticker"].messages))
	}
	if w.DedupCount() != 1 {
		t.Fatalf("dedup count = %d, want 1", w.DedupCount())
	}
}

func TestFlushAllReturnsSchemaMismatchWhenAllRowsRejected(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "kraken", "PROD_KRAKEN")

	hourOne := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	if _, err := w.Write([]byte(incompleteKrakenTicker), 1, hourOne); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := w.flushAll(hourOne)
	if err == nil {
		t.Fatal("expected schema mismatch error, got nil")
	}
	if _, ok := err.(*SchemaMismatchError); !ok {
		t.Fatalf("expected *SchemaMismatchError, got %T: %v", err, err)
	}
}

func TestCloseFlushesOpenHour(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "kraken", "PROD_KRAKEN")

	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	if _, err := w.Write([]byte(completeKrakenTicker), 1, now); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := w.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(entries) != 1 || entries[0].Records != 1 {
		t.Fatalf("expected one file with 1 record on close, got %+v", entries)
	}
}

func TestCloseOnUnstartedWriterIsNoop(t *testing.T) {
	w := New(t.TempDir(), "kraken", "PROD_KRAKEN")
	entries, err := w.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries, got %+v", entries)
	}
}
