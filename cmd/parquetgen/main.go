/**
 * @description
 * Offline CLI that rebuilds a feed/stream/date's Parquet files from its
 * already-archived gzip JSONL in GCS, for backfilling a schema change or
 * recovering a window the live archiver's Parquet sink missed.
 *
 * @dependencies
 * - cloud.google.com/go/storage: GCS object access
 * - github.com/ssmd-go/ssmd/internal/parquetgen: grouping/parsing/writing
 */

package main

import (
	"context"
	"flag"
	"log"

	"cloud.google.com/go/storage"

	"github.com/ssmd-go/ssmd/internal/config"
	"github.com/ssmd-go/ssmd/internal/parquetgen"
)

func main() {
	feed := flag.String("feed", "", "feed name: kalshi, kraken, kraken-futures, polymarket")
	stream := flag.String("stream", "", "stream name, e.g. PROD_KALSHI")
	date := flag.String("date", "", "date to reprocess, YYYY-MM-DD")
	overwrite := flag.Bool("overwrite", false, "replace existing Parquet files for this date")
	dryRun := flag.Bool("dry-run", false, "list the file groups that would be processed without writing anything")
	flag.Parse()

	if *feed == "" || *stream == "" || *date == "" {
		log.Fatal("parquetgen: -feed, -stream and -date are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("parquetgen: load config: %v", err)
	}
	if cfg.Archive.GCSBucket == "" {
		log.Fatal("parquetgen: ARCHIVE_GCS_BUCKET is required")
	}

	ctx := context.Background()
	client, err := storage.NewClient(ctx)
	if err != nil {
		log.Fatalf("parquetgen: new GCS client: %v", err)
	}
	defer client.Close()

	store := parquetgen.NewGCSStore(client, cfg.Archive.GCSBucket)

	stats, err := parquetgen.ProcessDate(ctx, store, cfg.Archive.GCSPrefix, *feed, *stream, *date, *overwrite, *dryRun)
	if err != nil {
		log.Fatalf("parquetgen: process date: %v", err)
	}

	for _, s := range stats {
		log.Printf("hour=%s files_read=%d lines_parsed=%d lines_skipped=%d dedup=%d parquet_files=%d bytes=%d",
			s.Hour, s.FilesRead, s.LinesParsed, s.LinesSkipped, s.DedupCount, s.ParquetFilesWritten, s.BytesWritten)
	}
}
