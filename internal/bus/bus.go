// Package bus defines the message-bus transport used to move raw exchange
// frames from connectors to writers, and from writers to the archiver and
// CDC consumer. Two implementations exist: Memory, an in-process fan-out bus
// for tests, and NATS, a JetStream-backed transport for production.
package bus

import (
	"context"
	"time"
)

// Gap describes a detected discontinuity in a stream's sequence numbers,
// attached to the first message observed after the jump.
type Gap struct {
	ExpectedSeq uint64
	ActualSeq   uint64
}

// Msg is a single bus message. Seq carries the stream sequence number where
// the transport supplies one: Memory stamps it on every delivery, Subscribe
// included, and the NATS pull consumer reads it from JetStream metadata.
// Gap is set only by the NATS pull consumer, on the first message after a
// sequence jump.
type Msg struct {
	Subject string
	Data    []byte
	Seq     uint64
	Gap     *Gap

	ackFn func() error
}

// Ack acknowledges the message against its originating consumer. It is a
// no-op for messages obtained via Subscribe rather than a PullConsumer.
func (m *Msg) Ack() error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn()
}

// Subscription is a live, unacknowledged stream of messages delivered as
// they are published.
type Subscription interface {
	// Next blocks until a message is available, ctx is canceled, or the
	// subscription is closed.
	Next(ctx context.Context) (*Msg, error)
	Close() error
}

// Transport publishes to and subscribes on bus subjects.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string) (Subscription, error)
	Close() error
}

// PullConsumer is a durable, ack-based consumer that fetches messages in
// batches on demand, tracking delivery by sequence number so a crashed
// archiver can resume without reprocessing already-acked messages.
type PullConsumer interface {
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]*Msg, error)
	Close() error
}

// StreamFactory creates a durable pull consumer bound to a subject filter
// within a named stream. NATS backs this with a JetStream stream + durable
// consumer pair; Memory backs it with a per-subject cursor over its
// in-process log.
type StreamFactory interface {
	PullConsumer(ctx context.Context, streamName, subjectFilter, durableName string) (PullConsumer, error)
}
