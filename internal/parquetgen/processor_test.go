package parquetgen

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"
)

type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for name := range m.objects {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *memStore) Get(ctx context.Context, path string) ([]byte, error) {
	return m.objects[path], nil
}

func (m *memStore) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memStore) Put(ctx context.Context, path string, data []byte) error {
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

func gzipLines(lines ...string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, l := range lines {
		gz.Write([]byte(l))
		gz.Write([]byte("\n"))
	}
	gz.Close()
	return buf.Bytes()
}

func TestProcessDateWritesParquetPerMessageType(t *testing.T) {
	store := newMemStore()
	tickerLine := `{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":1,"bid_qty":1,"ask":1,"ask_qty":1,"last":1,"volume":1,"vwap":1,"high":1,"low":1,"change":0,"change_pct":0}]}`
	store.objects["archive/kraken/PROD_KRAKEN/2026-02-14/141500.jsonl.gz"] = gzipLines(tickerLine)

	stats, err := ProcessDate(context.Background(), store, "archive", "kraken", "PROD_KRAKEN", "2026-02-14", true, false)
	if err != nil {
		t.Fatalf("process date: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected one hour of stats, got %d", len(stats))
	}
	if stats[0].ParquetFilesWritten != 1 {
		t.Fatalf("expected 1 parquet file written, got %d", stats[0].ParquetFilesWritten)
	}
	if _, ok := store.objects["archive/kraken/PROD_KRAKEN/2026-02-14/ticker_1400.parquet"]; !ok {
		t.Fatal("expected parquet file to be written to the expected path")
	}
}

func TestProcessDateSkipsExistingUnlessOverwrite(t *testing.T) {
	store := newMemStore()
	tickerLine := `{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":1,"bid_qty":1,"ask":1,"ask_qty":1,"last":1,"volume":1,"vwap":1,"high":1,"low":1,"change":0,"change_pct":0}]}`
	store.objects["archive/kraken/PROD_KRAKEN/2026-02-14/090000.jsonl.gz"] = gzipLines(tickerLine)
	store.objects["archive/kraken/PROD_KRAKEN/2026-02-14/ticker_0900.parquet"] = []byte("existing")

	stats, err := ProcessDate(context.Background(), store, "archive", "kraken", "PROD_KRAKEN", "2026-02-14", false, false)
	if err != nil {
		t.Fatalf("process date: %v", err)
	}
	if stats[0].ParquetFilesWritten != 0 {
		t.Fatalf("expected skip due to existing file, got %d written", stats[0].ParquetFilesWritten)
	}
}

func TestProcessDateDedupsIdenticalTickersAcrossFiles(t *testing.T) {
	store := newMemStore()
	tickerLine := `{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":1,"bid_qty":1,"ask":1,"ask_qty":1,"last":1,"volume":1,"vwap":1,"high":1,"low":1,"change":0,"change_pct":0}]}`
	store.objects["archive/kraken/PROD_KRAKEN/2026-02-14/100000.jsonl.gz"] = gzipLines(tickerLine)
	store.objects["archive/kraken/PROD_KRAKEN/2026-02-14/100030.jsonl.gz"] = gzipLines(tickerLine)

	stats, err := ProcessDate(context.Background(), store, "archive", "kraken", "PROD_KRAKEN", "2026-02-14", true, false)
	if err != nil {
		t.Fatalf("process date: %v", err)
	}
	if stats[0].DedupCount != 1 {
		t.Fatalf("expected 1 dedup across the two files, got %d", stats[0].DedupCount)
	}
	if stats[0].RecordsByType["ticker"] != 1 {
		t.Fatalf("expected 1 surviving record, got %d", stats[0].RecordsByType["ticker"])
	}
}

func TestProcessDateDryRunWritesNothing(t *testing.T) {
	store := newMemStore()
	store.objects["archive/kalshi/PROD_KALSHI/2026-02-14/120000.jsonl.gz"] = gzipLines(`{"type":"ticker","msg":{"market_ticker":"KXBTC","price":55}}`)

	stats, err := ProcessDate(context.Background(), store, "archive", "kalshi", "PROD_KALSHI", "2026-02-14", false, true)
	if err != nil {
		t.Fatalf("process date: %v", err)
	}
	if stats != nil {
		t.Fatalf("expected nil stats for dry run, got %+v", stats)
	}
	for path := range store.objects {
		if path[len(path)-8:] == ".parquet" {
			t.Fatalf("dry run should not have written %s", path)
		}
	}
}

func TestProcessDateEmptyPrefixReturnsNoStats(t *testing.T) {
	store := newMemStore()
	stats, err := ProcessDate(context.Background(), store, "archive", "kalshi", "PROD_KALSHI", "2026-02-14", false, false)
	if err != nil {
		t.Fatalf("process date: %v", err)
	}
	if stats != nil {
		t.Fatalf("expected nil stats for empty prefix, got %+v", stats)
	}
}

func TestGroupFilesByHourSkipsInvalidHours(t *testing.T) {
	files := []string{
		"x/feed/stream/2026-02-14/001500.jsonl.gz",
		"x/feed/stream/2026-02-14/235959.jsonl.gz",
		"x/feed/stream/2026-02-14/249900.jsonl.gz",
		"x/feed/stream/2026-02-14/ab1500.jsonl.gz",
	}
	grouped := groupFilesByHour(files)
	if len(grouped) != 2 {
		t.Fatalf("expected 2 hour groups, got %d: %+v", len(grouped), grouped)
	}
	if len(grouped["00"]) != 1 || len(grouped["23"]) != 1 {
		t.Fatalf("unexpected grouping: %+v", grouped)
	}
	if _, ok := grouped["24"]; ok {
		t.Fatal("hour 24 should have been rejected")
	}
}

func TestParseHourTimestampBounds(t *testing.T) {
	if _, ok := parseHourTimestamp("2026-02-14", "00"); !ok {
		t.Fatal("hour 00 should be valid")
	}
	if _, ok := parseHourTimestamp("2026-02-14", "23"); !ok {
		t.Fatal("hour 23 should be valid")
	}
	if _, ok := parseHourTimestamp("2026-02-14", "24"); ok {
		t.Fatal("hour 24 should be invalid")
	}
	if _, ok := parseHourTimestamp("2026-02-14", "xx"); ok {
		t.Fatal("non-numeric hour should be invalid")
	}
}
