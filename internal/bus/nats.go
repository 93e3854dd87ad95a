package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ssmd-go/ssmd/internal/logger"
)

// NATS is a JetStream-backed Transport and StreamFactory. Publish goes
// straight through the JetStream context so every message is durably
// stored; Subscribe wraps a core (non-durable) NATS subscription for
// low-latency fan-out consumers that don't need replay.
type NATS struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials url and returns a NATS transport with JetStream enabled.
func Connect(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}
	return &NATS{conn: conn, js: js}, nil
}

func (n *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := n.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	sub, err := n.conn.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return &natsSub{sub: sub}, nil
}

// EnsureStream creates the JetStream stream if it does not already exist,
// matching subjects under subjectFilter.
func (n *NATS) EnsureStream(streamName, subjectFilter string) error {
	_, err := n.js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	_, err = n.js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectFilter},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("bus: create stream %s: %w", streamName, err)
	}
	return nil
}

// PullConsumer creates (or binds to an existing) durable pull consumer on
// streamName filtered to subjectFilter.
func (n *NATS) PullConsumer(ctx context.Context, streamName, subjectFilter, durableName string) (PullConsumer, error) {
	if err := n.EnsureStream(streamName, subjectFilter); err != nil {
		return nil, err
	}
	sub, err := n.js.PullSubscribe(subjectFilter, durableName,
		nats.BindStream(streamName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: pull subscribe %s/%s: %w", streamName, durableName, err)
	}
	return &natsPullConsumer{sub: sub, lastSeq: 0}, nil
}

func (n *NATS) Close() error {
	n.conn.Drain()
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Next(ctx context.Context) (*Msg, error) {
	m, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &Msg{Subject: m.Subject, Data: m.Data}, nil
}

func (s *natsSub) Close() error {
	return s.sub.Unsubscribe()
}

type natsPullConsumer struct {
	sub     *nats.Subscription
	lastSeq uint64
}

func (c *natsPullConsumer) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]*Msg, error) {
	msgs, err := c.sub.Fetch(batch, nats.MaxWait(maxWait))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: fetch: %w", err)
	}

	out := make([]*Msg, 0, len(msgs))
	for _, m := range msgs {
		meta, metaErr := m.Metadata()
		var seq uint64
		var gap *Gap
		if metaErr == nil {
			seq = meta.Sequence.Stream
			if c.lastSeq != 0 && seq > c.lastSeq+1 {
				gap = &Gap{ExpectedSeq: c.lastSeq + 1, ActualSeq: seq}
			}
			c.lastSeq = seq
		}
		msg := m
		out = append(out, &Msg{
			Subject: msg.Subject,
			Data:    msg.Data,
			Seq:     seq,
			Gap:     gap,
			ackFn:   msg.Ack,
		})
	}
	return out, nil
}

func (c *natsPullConsumer) Close() error {
	return c.sub.Unsubscribe()
}

// subjectFilterFromWildcard returns prefix unchanged when it already ends in
// a NATS wildcard (">" or "*"), and otherwise appends ".>" so the filter
// matches every subject under the prefix.
func subjectFilterFromWildcard(prefix string) string {
	if strings.HasSuffix(prefix, ">") || strings.HasSuffix(prefix, "*") {
		return prefix
	}
	return prefix + ".>"
}
