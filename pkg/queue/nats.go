package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/driftline/driftline/pkg/types"
)

// NATS is a durable, at-least-once Adapter backed by JetStream. Pushes
// publish onto a subject per envelope type; Poll runs a durable pull
// consumer subscribed to all of them, with manual ack so an unacked message
// is redelivered after AckWait rather than lost.
type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	stream string
}

// NATSConfig configures the JetStream stream and consumer.
type NATSConfig struct {
	StreamName    string
	Subjects      []string
	ConsumerName  string
	AckWait       time.Duration
	MaxAckPending int
}

// DefaultNATSConfig returns the documented stream/consumer defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		StreamName:    "EVENTS",
		Subjects:      []string{"events.>"},
		ConsumerName:  "worker",
		AckWait:       30 * time.Second,
		MaxAckPending: 1000,
	}
}

// NewNATS connects to url, creates the stream and durable pull consumer if
// they do not already exist, and returns a ready Adapter.
func NewNATS(url string, cfg NATSConfig) (*NATS, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: cfg.Subjects,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
		}
	}

	sub, err := js.PullSubscribe("events.>", cfg.ConsumerName, nats.ManualAck(),
		nats.AckWait(cfg.AckWait), nats.MaxAckPending(cfg.MaxAckPending),
		nats.BindStream(cfg.StreamName))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create pull consumer %s: %w", cfg.ConsumerName, err)
	}

	return &NATS{conn: conn, js: js, sub: sub, stream: cfg.StreamName}, nil
}

func (n *NATS) publish(envType types.EnvelopeType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", envType, err)
	}
	subject := "events." + string(envType)
	if _, err := n.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) PushDecisionEvent(_ context.Context, e types.DecisionEvent) error {
	return n.publish(types.EnvelopeDecision, e)
}

func (n *NATS) PushDecisionEvents(_ context.Context, events []types.DecisionEvent) error {
	return n.publish(types.EnvelopeDecisions, events)
}

func (n *NATS) PushRun(_ context.Context, r types.Run) error {
	return n.publish(types.EnvelopeRun, r)
}

func (n *NATS) PushStep(_ context.Context, s types.Step) error {
	return n.publish(types.EnvelopeStep, s)
}

// Poll fetches up to maxMessages from the durable pull consumer, waiting up
// to 2 seconds for at least one to arrive. A subject of "events.<type>"
// determines each message's envelope type.
func (n *NATS) Poll(ctx context.Context, maxMessages int) ([]*Message, error) {
	msgs, err := n.sub.Fetch(maxMessages, nats.MaxWait(2*time.Second))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch from %s: %w", n.stream, err)
	}

	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		msg := m
		meta, err := msg.Metadata()
		id := ""
		if err == nil {
			id = fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream)
		}
		out = append(out, &Message{
			ID:   id,
			Type: envelopeTypeFromSubject(msg.Subject),
			Data: msg.Data,
			ack: func() error { return msg.Ack() },
			nack: func() error { return msg.Nak() },
		})
	}
	return out, nil
}

func envelopeTypeFromSubject(subject string) types.EnvelopeType {
	const prefix = "events."
	if len(subject) > len(prefix) {
		return types.EnvelopeType(subject[len(prefix):])
	}
	return ""
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
