package bus

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process fan-out transport: every Subscribe call gets its
// own channel fed by every matching Publish call. It also keeps a
// per-subject append-only log so PullConsumer can replay from a cursor,
// which is enough for archiver tests without a real NATS server.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
	log  map[string][]*Msg
}

// NewMemory constructs an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string][]*memorySub),
		log:  make(map[string][]*Msg),
	}
}

func (b *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &Msg{Subject: subject, Data: data}

	b.mu.Lock()
	entries := b.log[subject]
	msg.Seq = uint64(len(entries)) + 1
	b.log[subject] = append(entries, msg)
	subs := append([]*memorySub(nil), b.subs[subject]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	s := &memorySub{ch: make(chan *Msg, 256), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()
	return s, nil
}

// PullConsumer returns a cursor-based consumer over the named subject's
// append-only log, starting at sequence 1. streamName and durableName are
// accepted for interface parity with the NATS binding but otherwise unused:
// the in-memory bus has no durable state across process restarts.
func (b *Memory) PullConsumer(ctx context.Context, streamName, subjectFilter, durableName string) (PullConsumer, error) {
	return &memoryPullConsumer{bus: b, subject: subjectFilter}, nil
}

func (b *Memory) Close() error { return nil }

type memorySub struct {
	ch       chan *Msg
	done     chan struct{}
	closeMu  sync.Once
}

func (s *memorySub) Next(ctx context.Context) (*Msg, error) {
	select {
	case m := <-s.ch:
		return m, nil
	case <-s.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.closeMu.Do(func() { close(s.done) })
	return nil
}

type memoryPullConsumer struct {
	bus     *Memory
	subject string
	mu      sync.Mutex
	cursor  int
}

func (c *memoryPullConsumer) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]*Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bus.mu.Lock()
	entries := c.bus.log[c.subject]
	c.bus.mu.Unlock()

	if c.cursor >= len(entries) {
		// No backlog: wait up to maxWait for one to appear, matching the
		// blocking-fetch semantics of a real pull subscription.
		deadline := time.Now().Add(maxWait)
		for c.cursor >= len(entries) {
			if time.Now().After(deadline) {
				return nil, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
			c.bus.mu.Lock()
			entries = c.bus.log[c.subject]
			c.bus.mu.Unlock()
		}
	}

	end := c.cursor + batch
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]*Msg, 0, end-c.cursor)
	for _, m := range entries[c.cursor:end] {
		copied := *m
		copied.ackFn = func() error { return nil }
		out = append(out, &copied)
	}
	c.cursor = end
	return out, nil
}

func (c *memoryPullConsumer) Close() error { return nil }
