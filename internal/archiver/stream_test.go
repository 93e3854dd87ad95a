package archiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ssmd-go/ssmd/internal/bus"
)

type fakeSink struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	next    []FileEntry
}

func (f *fakeSink) Write(data []byte, seq uint64, now time.Time) ([]FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	entries := f.next
	f.next = nil
	return entries, nil
}

func (f *fakeSink) Close() ([]FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil, nil
}

func TestStreamRunConsumesAndWritesBothSinks(t *testing.T) {
	dir := t.TempDir()
	memBus := bus.NewMemory()
	manifest, err := OpenManifest(dir, "kalshi", "TEST_KALSHI")
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}

	jsonlSink := &fakeSink{}
	parquetSink := &fakeSink{next: []FileEntry{{Name: "ticker_1200.parquet", Records: 3, Bytes: 100}}}
	state := NewState("kalshi")

	cfg := StreamConfig{
		Feed:          "kalshi",
		StreamName:    "TEST_KALSHI",
		SubjectFilter: "dev.kalshi.ticker.FOO",
		DurableName:   "kalshi-archiver-test",
		BasePath:      dir,
		FetchBatch:    10,
		FetchWait:     50 * time.Millisecond,
	}
	stream := NewStream(cfg, memBus, jsonlSink, parquetSink, manifest, state)

	ctx, cancel := context.WithCancel(context.Background())

	if err := memBus.Publish(context.Background(), cfg.SubjectFilter, []byte(`{"type":"ticker"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	time.Sleep(60 * time.Millisecond)
	if !state.Connected.Load() {
		t.Fatal("expected Connected to be set while the stream is running")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("stream run: %v", err)
	}
	if state.Connected.Load() {
		t.Fatal("expected Connected to clear once Run returns")
	}

	jsonlSink.mu.Lock()
	gotJSONL := len(jsonlSink.written)
	jsonlSink.mu.Unlock()
	if gotJSONL != 1 {
		t.Fatalf("jsonl sink received %d messages, want 1", gotJSONL)
	}

	parquetSink.mu.Lock()
	gotParquet := len(parquetSink.written)
	parquetSink.mu.Unlock()
	if gotParquet != 1 {
		t.Fatalf("parquet sink received %d messages, want 1", gotParquet)
	}

	files, _, err := ReadManifest(dir, "kalshi", "TEST_KALSHI")
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(files) != 1 || files[0].Name != "ticker_1200.parquet" {
		t.Fatalf("expected manifest to record the parquet sink's flushed file, got %+v", files)
	}
}

func TestStreamCloseFlushesBothSinks(t *testing.T) {
	dir := t.TempDir()
	manifest, err := OpenManifest(dir, "kraken", "TEST_KRAKEN")
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	jsonlSink := &fakeSink{}
	parquetSink := &fakeSink{}
	state := NewState("kraken")

	cfg := StreamConfig{Feed: "kraken", StreamName: "TEST_KRAKEN", BasePath: dir}
	stream := NewStream(cfg, bus.NewMemory(), jsonlSink, parquetSink, manifest, state)

	stream.Close()

	if !jsonlSink.closed || !parquetSink.closed {
		t.Fatal("expected Close to close both sinks")
	}
}
