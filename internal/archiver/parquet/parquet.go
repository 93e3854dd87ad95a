// Package parquet buffers messages by detected type and flushes each
// buffer to its own Parquet file on an hourly rotation, deduplicating
// within the hour by the schema's own identity hash. A message type whose
// entire buffer fails to parse is treated as a schema mismatch and
// returned as a fatal error: a silent zero-row file would hide a broken
// schema behind what looks like a quiet period.
package parquet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	pq "github.com/parquet-go/parquet-go"

	"github.com/ssmd-go/ssmd/internal/archiver"
	"github.com/ssmd-go/ssmd/internal/schema"
)

// SchemaMismatchError means every message of a message type failed to
// parse into a row: a strong signal the registry's field names no longer
// match what the feed is actually sending, not an empty stream.
type SchemaMismatchError struct {
	MessageType string
	Count       int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("parquet: all %d %q messages failed to parse (0 rows produced), schema mismatch suspected", e.Count, e.MessageType)
}

type messageBuffer struct {
	messages []schema.RawMsg
	rawBytes uint64
	firstSeq uint64
	lastSeq  uint64
	haveSeq  bool
}

func (b *messageBuffer) add(data []byte, seq uint64, receivedAt int64) {
	b.rawBytes += uint64(len(data))
	if !b.haveSeq {
		b.firstSeq = seq
		b.haveSeq = true
	}
	b.lastSeq = seq
	b.messages = append(b.messages, schema.RawMsg{Payload: data, Seq: seq, ReceivedAt: receivedAt})
}

// Writer buffers a feed's messages by detected type and flushes them to
// Parquet on an hourly boundary.
type Writer struct {
	basePath   string
	feed       string
	streamName string
	registry   *schema.Registry

	buffers     map[string]*messageBuffer
	dedupSet    map[uint64]struct{}
	dedupCount  uint64
	currentHour time.Time
}

// New creates a Writer for one feed/stream pair, with the feed's schema
// registry bound up front.
func New(basePath, feed, streamName string) *Writer {
	return &Writer{
		basePath:   basePath,
		feed:       feed,
		streamName: streamName,
		registry:   schema.ForFeed(feed),
		buffers:    make(map[string]*messageBuffer),
		dedupSet:   make(map[uint64]struct{}),
	}
}

// DedupCount returns the number of duplicate messages skipped in the
// current hour, for metrics.
func (w *Writer) DedupCount() uint64 { return w.dedupCount }

func truncateToHour(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
}

// Write decodes data enough to detect its message type and dedup key,
// buffers it, and rotates (flushing every buffered type to its own file)
// if now has crossed into a new hour since the last Write.
func (w *Writer) Write(data []byte, seq uint64, now time.Time) ([]archiver.FileEntry, error) {
	hour := truncateToHour(now)

	var rotated []archiver.FileEntry
	if !w.currentHour.IsZero() && !hour.Equal(w.currentHour) {
		entries, err := w.flushAll(w.currentHour)
		if err != nil {
			return nil, err
		}
		rotated = entries
		w.dedupSet = make(map[uint64]struct{})
		w.dedupCount = 0
	}
	w.currentHour = hour

	msg, ok := decodeJSON(data)
	if !ok {
		return rotated, nil
	}
	msgType, ok := schema.DetectMessageType(w.feed, msg)
	if !ok {
		return rotated, nil
	}
	s, ok := w.registry.Get(msgType)
	if !ok {
		return rotated, nil
	}

	if key, ok := s.DedupKey(msg); ok {
		if _, dup := w.dedupSet[key]; dup {
			w.dedupCount++
			return rotated, nil
		}
		w.dedupSet[key] = struct{}{}
	}

	buf, ok := w.buffers[msgType]
	if !ok {
		buf = &messageBuffer{}
		w.buffers[msgType] = buf
	}
	buf.add(data, seq, now.UnixMicro())

	return rotated, nil
}

// Close flushes whatever hour is still open.
func (w *Writer) Close() ([]archiver.FileEntry, error) {
	if w.currentHour.IsZero() {
		return nil, nil
	}
	return w.flushAll(w.currentHour)
}

func (w *Writer) flushAll(hour time.Time) ([]archiver.FileEntry, error) {
	dir := filepath.Join(w.basePath, w.feed, w.streamName, hour.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("parquet: mkdir %s: %w", dir, err)
	}

	drained := w.buffers
	w.buffers = make(map[string]*messageBuffer)

	var entries []archiver.FileEntry
	var firstMismatch error

	for msgType, buf := range drained {
		if len(buf.messages) == 0 {
			continue
		}
		s, ok := w.registry.Get(msgType)
		if !ok {
			continue
		}

		entry, err := writeFile(s, msgType, buf, dir, hour)
		if err != nil {
			if _, isMismatch := err.(*SchemaMismatchError); isMismatch && firstMismatch == nil {
				firstMismatch = err
				continue
			}
			continue
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}

	if firstMismatch != nil {
		return entries, firstMismatch
	}
	return entries, nil
}

// writeFile parses buf through schema s and, if it produced any rows,
// writes them to a Snappy-compressed Parquet file under a .tmp name and
// atomically renames it into place.
func writeFile(s schema.MessageSchema, msgType string, buf *messageBuffer, dir string, hour time.Time) (*archiver.FileEntry, error) {
	batch, err := s.ParseBatch(buf.messages)
	if err != nil {
		return nil, fmt.Errorf("parquet: parse batch for %q: %w", msgType, err)
	}
	if batch.Len == 0 {
		if len(buf.messages) > 0 {
			return nil, &SchemaMismatchError{MessageType: msgType, Count: len(buf.messages)}
		}
		return nil, nil
	}

	timeStr := hour.Format("1504")
	finalName := fmt.Sprintf("%s_%s.parquet", msgType, timeStr)
	finalPath := filepath.Join(dir, finalName)
	tmpPath := finalPath + ".tmp"

	if err := writeRows(tmpPath, batch, s); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("parquet: rename %s: %w", tmpPath, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("parquet: stat %s: %w", finalPath, err)
	}

	bytes := uint64(info.Size())
	rawBytes := buf.rawBytes
	var ratio *float64
	if bytes > 0 {
		r := float64(rawBytes) / float64(bytes)
		ratio = &r
	}

	return &archiver.FileEntry{
		Name:             finalName,
		Start:            hour,
		End:              hour.Add(time.Hour),
		Records:          uint64(batch.Len),
		Bytes:            bytes,
		RawBytes:         &rawBytes,
		CompressionRatio: ratio,
		NatsStartSeq:     buf.firstSeq,
		NatsEndSeq:       buf.lastSeq,
	}, nil
}

// writeRows encodes batch.Rows (a concrete row slice, e.g. []KalshiTickerRow)
// through reflection so the registry can stay dynamically dispatched over
// per-feed row types without a generic writer per type.
func writeRows(path string, batch schema.RecordBatch, s schema.MessageSchema) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("parquet: create %s: %w", path, err)
	}
	defer f.Close()

	rows := reflect.ValueOf(batch.Rows)
	if rows.Kind() != reflect.Slice || rows.Len() == 0 {
		return fmt.Errorf("parquet: empty or non-slice rows for %s", s.MessageType())
	}
	sample := reflect.Zero(rows.Type().Elem()).Interface()
	pqSchema := pq.SchemaOf(sample)

	writer := pq.NewWriter(f, pqSchema,
		pq.Compression(pq.Snappy),
		pq.MaxRowsPerRowGroup(100_000),
		pq.PageBufferSize(1024*1024),
		pq.CreatedBy("ssmd-archiver", "", ""),
		pq.KeyValueMetadata("ssmd.schema_name", s.SchemaName()),
		pq.KeyValueMetadata("ssmd.schema_version", s.SchemaVersion()),
	)

	for i := 0; i < rows.Len(); i++ {
		if _, err := writer.Write(rows.Index(i).Interface()); err != nil {
			return fmt.Errorf("parquet: write row %d: %w", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("parquet: close writer: %w", err)
	}
	return nil
}

func decodeJSON(data []byte) (map[string]interface{}, bool) {
	var v map[string]interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}
