package archiver

import (
	"context"
	"log"
	"time"

	"github.com/ssmd-go/ssmd/internal/bus"
)

// StreamConfig names the bus subject range a Stream task consumes and the
// directory tree its sinks write under.
type StreamConfig struct {
	Feed          string
	StreamName    string
	SubjectFilter string
	DurableName   string
	BasePath      string
	FetchBatch    int
	FetchWait     time.Duration
}

// Stream drives one feed's archival: it pulls messages off a durable bus
// consumer, fans each one out to both sinks, records whatever files the
// sinks rotate out to the manifest, and records any bus-reported sequence
// gap against the same manifest.
type Stream struct {
	cfg      StreamConfig
	factory  bus.StreamFactory
	jsonl    Output
	parquet  Output
	manifest *Manifest
	state    *State
}

// NewStream wires a feed's JSONL and Parquet sinks, its manifest, and its
// liveness State into a single task ready to Run.
func NewStream(cfg StreamConfig, factory bus.StreamFactory, jsonl, parquet Output, manifest *Manifest, state *State) *Stream {
	if cfg.FetchBatch == 0 {
		cfg.FetchBatch = 256
	}
	if cfg.FetchWait == 0 {
		cfg.FetchWait = 2 * time.Second
	}
	return &Stream{cfg: cfg, factory: factory, jsonl: jsonl, parquet: parquet, manifest: manifest, state: state}
}

// Run consumes until ctx is canceled or the pull consumer fails terminally.
// It returns nil once ctx is canceled, and the consumer's error otherwise.
func (s *Stream) Run(ctx context.Context) error {
	consumer, err := s.factory.PullConsumer(ctx, s.cfg.StreamName, s.cfg.SubjectFilter, s.cfg.DurableName)
	if err != nil {
		return err
	}
	defer consumer.Close()

	s.state.MarkConnected(true)
	defer s.state.MarkConnected(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := consumer.Fetch(ctx, s.cfg.FetchBatch, s.cfg.FetchWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, m := range msgs {
			s.handle(m)
		}
	}
}

func (s *Stream) handle(m *bus.Msg) {
	now := time.Now()
	s.state.Touch(now)

	if m.Gap != nil {
		gap := Gap{
			Start: now,
			End:   now,
			From:  m.Gap.ExpectedSeq,
			To:    m.Gap.ActualSeq,
		}
		if err := s.manifest.RecordGap(gap); err != nil {
			log.Printf("archiver[%s]: record gap: %v", s.cfg.Feed, err)
		}
	}

	if entries, err := s.jsonl.Write(m.Data, m.Seq, now); err != nil {
		log.Printf("archiver[%s]: jsonl write: %v", s.cfg.Feed, err)
	} else {
		s.recordEntries(entries)
	}

	if entries, err := s.parquet.Write(m.Data, m.Seq, now); err != nil {
		log.Printf("archiver[%s]: parquet write (schema mismatch or write failure): %v", s.cfg.Feed, err)
	} else {
		s.recordEntries(entries)
	}
	if d, ok := s.parquet.(interface{ DedupCount() uint64 }); ok {
		s.state.DedupCount.Store(d.DedupCount())
	}

	if err := m.Ack(); err != nil {
		log.Printf("archiver[%s]: ack: %v", s.cfg.Feed, err)
	}
}

func (s *Stream) recordEntries(entries []FileEntry) {
	for _, e := range entries {
		s.state.FilesWritten.Add(1)
		s.state.BytesWritten.Add(e.Bytes)
		if err := s.manifest.RecordFile(e); err != nil {
			log.Printf("archiver[%s]: record file %s: %v", s.cfg.Feed, e.Name, err)
		}
	}
}

// Close flushes both sinks' open buckets and records whatever files fall
// out, for a clean shutdown.
func (s *Stream) Close() {
	if entries, err := s.jsonl.Close(); err != nil {
		log.Printf("archiver[%s]: jsonl close: %v", s.cfg.Feed, err)
	} else {
		s.recordEntries(entries)
	}
	if entries, err := s.parquet.Close(); err != nil {
		log.Printf("archiver[%s]: parquet close: %v", s.cfg.Feed, err)
	} else {
		s.recordEntries(entries)
	}
}
