package parquetgen

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	pq "github.com/parquet-go/parquet-go"

	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/schema"
)

// HourStats summarizes one hour's reprocessing, returned up the chain so
// a CLI invocation can print a per-hour report.
type HourStats struct {
	Hour                string
	FilesRead           int
	LinesParsed         int
	LinesSkipped        int
	DedupCount          uint64
	ParquetFilesWritten int
	RecordsByType       map[string]int
	BytesWritten        int
}

// ProcessDate rebuilds every hour's Parquet files for one feed/stream/date
// from its already-archived JSONL.gz files under prefix/feed/stream/date.
// dryRun lists the file groups that would be processed without writing
// anything.
func ProcessDate(ctx context.Context, store ObjectStore, prefix, feed, stream, date string, overwrite, dryRun bool) ([]HourStats, error) {
	registry := schema.ForFeed(feed)
	objPrefix := fmt.Sprintf("%s/%s/%s/%s", prefix, feed, stream, date)

	files, err := store.List(ctx, objPrefix)
	if err != nil {
		return nil, fmt.Errorf("parquetgen: list %s: %w", objPrefix, err)
	}
	if len(files) == 0 {
		logger.Warn("parquetgen: no jsonl.gz files under %s", objPrefix)
		return nil, nil
	}
	logger.Info("parquetgen: found %d files under %s", len(files), objPrefix)

	byHour := groupFilesByHour(files)
	hours := make([]string, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Strings(hours)

	if dryRun {
		logger.Info("parquetgen: dry run — %d hour groups", len(hours))
		for _, h := range hours {
			logger.Info("parquetgen: hour=%s files=%d", h, len(byHour[h]))
		}
		return nil, nil
	}

	var all []HourStats
	for _, hourKey := range hours {
		hourTS, ok := parseHourTimestamp(date, hourKey)
		if !ok {
			logger.Warn("parquetgen: invalid hour key %q, skipping", hourKey)
			continue
		}
		stats, err := processHour(ctx, store, registry, prefix, feed, stream, date, hourKey, byHour[hourKey], hourTS, overwrite)
		if err != nil {
			return all, err
		}
		all = append(all, stats)
	}
	return all, nil
}

type bufferedLine struct {
	data       []byte
	seq        uint64
	receivedAt int64
}

func processHour(ctx context.Context, store ObjectStore, registry *schema.Registry, prefix, feed, stream, date, hourKey string, files []string, hourTS time.Time, overwrite bool) (HourStats, error) {
	stats := HourStats{Hour: hourKey, RecordsByType: make(map[string]int)}
	hourTimeStr := hourKey + "00"

	messagesByType := make(map[string][]bufferedLine)
	dedupByType := make(map[string]map[uint64]struct{})
	var lineCounter uint64
	receivedAtMicros := hourTS.UnixMicro()

	for _, filePath := range files {
		compressed, err := store.Get(ctx, filePath)
		if err != nil {
			logger.Warn("parquetgen: download %s failed: %v, skipping", filePath, err)
			continue
		}
		stats.FilesRead++

		if err := forEachGzipLine(compressed, func(line string) {
			line = strings.TrimRight(line, "\r\n")
			if strings.TrimSpace(line) == "" {
				return
			}

			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(line), &parsed); err != nil {
				stats.LinesSkipped++
				return
			}

			msgType, ok := schema.DetectMessageType(feed, parsed)
			if !ok {
				stats.LinesSkipped++
				return
			}

			s, ok := registry.Get(msgType)
			if !ok {
				return
			}

			if key, hasKey := s.DedupKey(parsed); hasKey {
				seen := dedupByType[msgType]
				if seen == nil {
					seen = make(map[uint64]struct{})
					dedupByType[msgType] = seen
				}
				if _, dup := seen[key]; dup {
					stats.DedupCount++
					return
				}
				seen[key] = struct{}{}
			}

			lineCounter++
			stats.LinesParsed++
			messagesByType[msgType] = append(messagesByType[msgType], bufferedLine{
				data:       []byte(line),
				seq:        lineCounter,
				receivedAt: receivedAtMicros,
			})
		}); err != nil {
			logger.Warn("parquetgen: reading %s failed: %v, skipping file", filePath, err)
		}
	}

	for msgType, lines := range messagesByType {
		s, ok := registry.Get(msgType)
		if !ok {
			continue
		}

		parquetPath := fmt.Sprintf("%s/%s/%s/%s/%s_%s.parquet", prefix, feed, stream, date, msgType, hourTimeStr)

		if !overwrite {
			exists, err := store.Exists(ctx, parquetPath)
			if err != nil {
				logger.Warn("parquetgen: exists check for %s failed: %v, proceeding", parquetPath, err)
			} else if exists {
				logger.Info("parquetgen: %s already exists, skipping (use overwrite to replace)", parquetPath)
				continue
			}
		}

		raw := make([]schema.RawMsg, len(lines))
		for i, l := range lines {
			raw[i] = schema.RawMsg{Payload: l.data, Seq: l.seq, ReceivedAt: l.receivedAt}
		}

		batch, err := s.ParseBatch(raw)
		if err != nil {
			logger.Warn("parquetgen: parse batch for %q failed: %v, skipping", msgType, err)
			continue
		}
		if batch.Len == 0 {
			logger.Warn("parquetgen: parse_batch returned 0 rows for %q (%d messages), skipping", msgType, len(lines))
			continue
		}

		data, err := encodeParquet(batch, s)
		if err != nil {
			return stats, fmt.Errorf("parquetgen: encode %s: %w", parquetPath, err)
		}
		if err := store.Put(ctx, parquetPath, data); err != nil {
			return stats, fmt.Errorf("parquetgen: upload %s: %w", parquetPath, err)
		}

		logger.Info("parquetgen: wrote %s records=%d bytes=%d", parquetPath, batch.Len, len(data))
		stats.ParquetFilesWritten++
		stats.RecordsByType[msgType] = batch.Len
		stats.BytesWritten += len(data)
	}

	logger.Info("parquetgen: hour=%s files_read=%d lines_parsed=%d lines_skipped=%d dedup=%d parquet_files=%d",
		stats.Hour, stats.FilesRead, stats.LinesParsed, stats.LinesSkipped, stats.DedupCount, stats.ParquetFilesWritten)
	return stats, nil
}

func forEachGzipLine(compressed []byte, onLine func(string)) error {
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	return scanner.Err()
}

// encodeParquet mirrors the archiver's hourly Parquet writer's encoding
// settings so a backfilled file is byte-for-byte comparable in shape to
// one the live archiver would have produced for the same hour.
func encodeParquet(batch schema.RecordBatch, s schema.MessageSchema) ([]byte, error) {
	rows := reflect.ValueOf(batch.Rows)
	if rows.Kind() != reflect.Slice || rows.Len() == 0 {
		return nil, fmt.Errorf("encodeParquet: empty or non-slice rows for %s", s.MessageType())
	}
	sample := reflect.Zero(rows.Type().Elem()).Interface()
	pqSchema := pq.SchemaOf(sample)

	var buf bytes.Buffer
	writer := pq.NewWriter(&buf, pqSchema,
		pq.Compression(pq.Snappy),
		pq.MaxRowsPerRowGroup(100_000),
		pq.PageBufferSize(1024*1024),
		pq.CreatedBy("ssmd-parquet-gen", "", ""),
		pq.KeyValueMetadata("ssmd.schema_name", s.SchemaName()),
		pq.KeyValueMetadata("ssmd.schema_version", s.SchemaVersion()),
	)

	for i := 0; i < rows.Len(); i++ {
		if _, err := writer.Write(rows.Index(i).Interface()); err != nil {
			return nil, fmt.Errorf("encodeParquet: write row %d: %w", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("encodeParquet: close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// groupFilesByHour groups JSONL.gz paths by the HH prefix of their HHMMSS
// filename (e.g. "141500.jsonl.gz" -> hour "14"), skipping any filename
// that doesn't parse to a valid two-digit hour in [00,23].
func groupFilesByHour(files []string) map[string][]string {
	byHour := make(map[string][]string)
	for _, filePath := range files {
		filename := path.Base(filePath)
		hhmm, ok := strings.CutSuffix(filename, ".jsonl.gz")
		if !ok || len(hhmm) < 2 {
			continue
		}
		hourKey := hhmm[:2]
		hour, err := strconv.Atoi(hourKey)
		if err != nil || hour < 0 || hour > 23 {
			continue
		}
		byHour[hourKey] = append(byHour[hourKey], filePath)
	}
	return byHour
}

func parseHourTimestamp(date, hourKey string) (time.Time, bool) {
	hour, err := strconv.Atoi(hourKey)
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, false
	}
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, time.UTC), true
}
