// Package jsonl writes the raw, undeduplicated message stream to disk as
// newline-delimited JSON, gzip-compressed, rotating on a minute boundary.
// It is the archiver's write-ahead copy: unlike the Parquet sink it never
// drops or reshapes a message, so it is the source of truth for replaying
// a window the Parquet sink rejected as a schema mismatch.
package jsonl

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ssmd-go/ssmd/internal/archiver"
)

// Writer is a rotating gzip JSONL sink. Not safe for concurrent use; the
// archiver drives one Writer per stream from a single goroutine.
type Writer struct {
	basePath   string
	feed       string
	streamName string

	currentMinute time.Time
	file          *os.File
	gz            *gzip.Writer
	buf           *bufio.Writer

	firstSeq uint64
	lastSeq  uint64
	haveSeq  bool
	rawBytes uint64
	lines    uint64
}

// New creates a Writer rooted at basePath/feed/streamName/<date>/.
func New(basePath, feed, streamName string) *Writer {
	return &Writer{basePath: basePath, feed: feed, streamName: streamName}
}

func truncateToMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute).UTC()
}

// Write appends one raw message to the current minute bucket, rotating
// (and returning the entry for) the prior bucket first if now has crossed
// a minute boundary.
func (w *Writer) Write(data []byte, seq uint64, now time.Time) ([]archiver.FileEntry, error) {
	minute := truncateToMinute(now)

	var rotated []archiver.FileEntry
	if !w.currentMinute.IsZero() && !minute.Equal(w.currentMinute) {
		entry, err := w.rotate()
		if err != nil {
			return nil, err
		}
		if entry != nil {
			rotated = append(rotated, *entry)
		}
	}

	if w.file == nil {
		if err := w.open(minute); err != nil {
			return nil, err
		}
	}
	w.currentMinute = minute

	if _, err := w.buf.Write(data); err != nil {
		return rotated, fmt.Errorf("jsonl: write: %w", err)
	}
	if _, err := w.buf.Write([]byte("\n")); err != nil {
		return rotated, fmt.Errorf("jsonl: write newline: %w", err)
	}

	w.rawBytes += uint64(len(data)) + 1
	w.lines++
	if !w.haveSeq {
		w.firstSeq = seq
		w.haveSeq = true
	}
	w.lastSeq = seq

	return rotated, nil
}

// Close flushes and rotates out whatever bucket is still open.
func (w *Writer) Close() ([]archiver.FileEntry, error) {
	entry, err := w.rotate()
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return []archiver.FileEntry{*entry}, nil
}

func (w *Writer) dir(minute time.Time) string {
	return filepath.Join(w.basePath, w.feed, w.streamName, minute.Format("2006-01-02"))
}

func (w *Writer) filename(minute time.Time) string {
	return fmt.Sprintf("%s.jsonl.gz", minute.Format("150405"))
}

func (w *Writer) open(minute time.Time) error {
	dir := w.dir(minute)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jsonl: mkdir %s: %w", dir, err)
	}
	tmpPath := filepath.Join(dir, w.filename(minute)+".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("jsonl: create %s: %w", tmpPath, err)
	}
	w.file = f
	w.gz = gzip.NewWriter(f)
	w.buf = bufio.NewWriter(w.gz)
	w.rawBytes = 0
	w.haveSeq = false
	return nil
}

// rotate closes and atomically renames the current bucket's tmp file,
// returning its manifest entry. A no-op (nil, nil) when nothing is open.
func (w *Writer) rotate() (*archiver.FileEntry, error) {
	if w.file == nil {
		return nil, nil
	}
	minute := w.currentMinute
	dir := w.dir(minute)
	finalName := w.filename(minute)
	tmpPath := filepath.Join(dir, finalName+".tmp")
	finalPath := filepath.Join(dir, finalName)

	if err := w.buf.Flush(); err != nil {
		return nil, fmt.Errorf("jsonl: flush: %w", err)
	}
	if err := w.gz.Close(); err != nil {
		return nil, fmt.Errorf("jsonl: close gzip: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("jsonl: close file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("jsonl: rename %s: %w", tmpPath, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("jsonl: stat %s: %w", finalPath, err)
	}

	rawBytes := w.rawBytes
	compressedBytes := uint64(info.Size())
	var ratio *float64
	if compressedBytes > 0 {
		r := float64(rawBytes) / float64(compressedBytes)
		ratio = &r
	}

	entry := archiver.FileEntry{
		Name:             finalName,
		Start:            minute,
		End:              minute.Add(time.Minute),
		Records:          w.lines,
		Bytes:            compressedBytes,
		RawBytes:         &rawBytes,
		CompressionRatio: ratio,
		NatsStartSeq:     w.firstSeq,
		NatsEndSeq:       w.lastSeq,
	}

	w.file = nil
	w.gz = nil
	w.buf = nil
	w.currentMinute = time.Time{}
	w.lines = 0
	return &entry, nil
}
