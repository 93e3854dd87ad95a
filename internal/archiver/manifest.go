package archiver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// manifestRecord is one line of a stream's append-only manifest: either a
// file entry or a gap, never both. Exactly one of the two pointers is set.
type manifestRecord struct {
	WrittenAt time.Time  `json:"written_at"`
	File      *FileEntry `json:"file,omitempty"`
	Gap       *Gap       `json:"gap,omitempty"`
}

// Manifest appends FileEntry and Gap records for one feed/stream to a
// JSONL file, one record per line so a reader can recover by scanning
// forward even if the process died mid-write. There is no rewrite or
// compaction step: the manifest is a log, not a database.
type Manifest struct {
	mu   sync.Mutex
	path string
}

// OpenManifest returns a Manifest appending to basePath/feed/streamName/manifest.jsonl.
func OpenManifest(basePath, feed, streamName string) (*Manifest, error) {
	dir := filepath.Join(basePath, feed, streamName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: mkdir %s: %w", dir, err)
	}
	return &Manifest{path: filepath.Join(dir, "manifest.jsonl")}, nil
}

// RecordFile appends a file entry.
func (m *Manifest) RecordFile(entry FileEntry) error {
	return m.append(manifestRecord{WrittenAt: time.Now(), File: &entry})
}

// RecordGap appends a detected sequence gap.
func (m *Manifest) RecordGap(gap Gap) error {
	return m.append(manifestRecord{WrittenAt: time.Now(), Gap: &gap})
}

func (m *Manifest) append(rec manifestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: open %s: %w", m.path, err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("manifest: write: %w", err)
	}
	return nil
}

// ReadManifest loads every record from a stream's manifest file, for
// recovery or inspection tooling. Malformed lines are skipped rather than
// failing the whole read, since a crash mid-append can leave a partial
// final line.
func ReadManifest(basePath, feed, streamName string) ([]FileEntry, []Gap, error) {
	path := filepath.Join(basePath, feed, streamName, "manifest.jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	var files []FileEntry
	var gaps []Gap

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec manifestRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.File != nil {
			files = append(files, *rec.File)
		}
		if rec.Gap != nil {
			gaps = append(gaps, *rec.Gap)
		}
	}
	if err := scanner.Err(); err != nil {
		return files, gaps, fmt.Errorf("manifest: scan %s: %w", path, err)
	}
	return files, gaps, nil
}
