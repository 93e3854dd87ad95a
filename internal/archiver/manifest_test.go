package archiver

import (
	"testing"
	"time"
)

func TestManifestRoundTripsFilesAndGaps(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenManifest(dir, "kalshi", "PROD_KALSHI")
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}

	entry := FileEntry{Name: "ticker_1200.parquet", Start: time.Now(), End: time.Now().Add(time.Hour), Records: 42}
	if err := m.RecordFile(entry); err != nil {
		t.Fatalf("record file: %v", err)
	}

	gap := Gap{Start: time.Now(), End: time.Now(), From: 10, To: 15}
	if err := m.RecordGap(gap); err != nil {
		t.Fatalf("record gap: %v", err)
	}

	files, gaps, err := ReadManifest(dir, "kalshi", "PROD_KALSHI")
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(files) != 1 || files[0].Name != "ticker_1200.parquet" || files[0].Records != 42 {
		t.Fatalf("unexpected files: %+v", files)
	}
	if len(gaps) != 1 || gaps[0].From != 10 || gaps[0].To != 15 {
		t.Fatalf("unexpected gaps: %+v", gaps)
	}
}

func TestReadManifestMissingFileReturnsEmpty(t *testing.T) {
	files, gaps, err := ReadManifest(t.TempDir(), "kraken", "PROD_KRAKEN")
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if files != nil || gaps != nil {
		t.Fatalf("expected nil/nil for a manifest that was never written, got %+v / %+v", files, gaps)
	}
}
