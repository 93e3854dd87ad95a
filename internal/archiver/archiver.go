// Package archiver consumes a feed's bus subject, deduplicates and buffers
// messages by detected type, and writes them out to two independent sinks:
// a rotating gzip JSONL raw log and an hourly Parquet batch per message
// type. Schema mismatches (every message of a type failing to parse) are
// treated as fatal, the same way a bad release of the schema registry
// should surface immediately rather than silently archive zero rows.
package archiver

import (
	"time"

	"github.com/ssmd-go/ssmd/internal/schema"
)

// FileEntry describes one file a sink wrote, for the feed's manifest.
type FileEntry struct {
	Name             string    `json:"name"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Records          uint64    `json:"records"`
	Bytes            uint64    `json:"bytes"`
	RawBytes         *uint64   `json:"raw_bytes,omitempty"`
	CompressionRatio *float64  `json:"compression_ratio,omitempty"`
	NatsStartSeq     uint64    `json:"nats_start_seq"`
	NatsEndSeq       uint64    `json:"nats_end_seq"`
}

// Gap records a detected hole in the bus sequence, surfaced in the
// manifest so a reader of the archive knows a window may be incomplete
// rather than silently trusting a continuous record.
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	From  uint64    `json:"from_seq"`
	To    uint64    `json:"to_seq"`
}

// Output is one archival sink: raw JSONL or Parquet-by-schema. Write
// returns any files a rotation closed out; Close flushes whatever the
// current bucket is still holding, for graceful shutdown.
type Output interface {
	Write(data []byte, seq uint64, now time.Time) ([]FileEntry, error)
	Close() ([]FileEntry, error)
}

// rawMessage is what both sinks buffer between rotations: the raw bytes a
// message arrived as (for JSONL) plus its bus position and receive time
// (for both sinks' manifest bookkeeping and the Parquet schema's
// _nats_seq/_received_at columns).
type rawMessage struct {
	data       []byte
	seq        uint64
	receivedAt time.Time
}

func (m rawMessage) toRawMsg() schema.RawMsg {
	return schema.RawMsg{Payload: m.data, Seq: m.seq, ReceivedAt: m.receivedAt.UnixMicro()}
}
