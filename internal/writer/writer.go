/**
 * @description
 * Shared contract for per-exchange writers: a writer takes raw frames off a
 * connector's output channel, routes each one to a bus subject with a
 * fast, partial JSON parse (never the full typed message), and publishes
 * the original bytes unmodified. No per-message transformation or
 * re-serialization; the archiver and every downstream reader depend on the
 * bytes on the bus matching the bytes the exchange sent.
 *
 * @dependencies
 * - github.com/ssmd-go/ssmd/internal/bus: Transport.Publish
 * - github.com/ssmd-go/ssmd/internal/subject: subject construction
 */

package writer

import (
	"context"
	"time"

	"github.com/ssmd-go/ssmd/internal/ringbuffer"
)

// Writer publishes a single raw exchange frame onto its configured bus
// subject tree, or silently drops it (control frames, heartbeats, filtered
// lifecycle events).
type Writer interface {
	Write(ctx context.Context, data []byte) error
	Close() error
	MessageCount() uint64
}

// Run drains frames until in is closed or ctx is canceled, writing each one
// and logging (not failing) per-message errors so one malformed frame never
// takes down the whole ingestion pipeline.
func Run(ctx context.Context, w Writer, in <-chan []byte, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-in:
			if !ok {
				return
			}
			if err := w.Write(ctx, data); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// ringPollInterval bounds how long RunRing sleeps between empty polls of the
// ring buffer. A memory-mapped SPSC ring has no blocking receive, so a
// drain loop has to poll; this keeps it from spinning a full core while a
// shard is idle between frames.
const ringPollInterval = 200 * time.Microsecond

// RunRing drains a connector's hot-path ring buffer instead of a plain
// channel. cmd/connector uses it for whichever exchange it runs when the
// -ring-buffer flag is set, so the WebSocket read goroutine does not
// contend with bus publish latency on the writer side. Every frame is copied out of the ring (TryRead allocates a
// fresh slice per read) before Write is called, since the ring's backing
// storage is reused on the next wrap.
func RunRing(ctx context.Context, w Writer, r *ringbuffer.Ring, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, ok := r.TryRead()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ringPollInterval):
			}
			continue
		}

		if err := w.Write(ctx, data); err != nil && onError != nil {
			onError(err)
		}
	}
}
