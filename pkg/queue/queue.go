// Package queue defines the durable-broker adapter interface the ingestion
// boundary enqueues onto and the worker polls from, plus three
// implementations: an in-memory adapter for tests and single-process
// deployments, an HTTP-fronted adapter for forwarding to a remote ingestion
// tier, and a NATS JetStream adapter for the durable, at-least-once case.
package queue

import (
	"context"

	"github.com/driftline/driftline/pkg/types"
)

// Message is one dequeued item handed to the worker. Ack must be called
// exactly once per message the worker successfully finishes processing;
// Nack (or simply letting the message's redelivery timer expire) causes the
// broker to redeliver it.
type Message struct {
	ID       string
	Type     types.EnvelopeType
	Data     []byte
	ack      func() error
	nack     func() error
}

// Ack acknowledges successful processing.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nack signals processing failed; the broker should redeliver.
func (m *Message) Nack() error {
	if m.nack == nil {
		return nil
	}
	return m.nack()
}

// Adapter is the durable-broker interface. Push* methods are called from
// the ingestion boundary; Poll is called from the worker's loop.
type Adapter interface {
	PushDecisionEvent(ctx context.Context, e types.DecisionEvent) error
	PushDecisionEvents(ctx context.Context, events []types.DecisionEvent) error
	PushRun(ctx context.Context, r types.Run) error
	PushStep(ctx context.Context, s types.Step) error

	// Poll returns up to maxMessages queued messages, blocking no longer
	// than is convenient for the adapter's transport (callers apply their
	// own polling cadence on top).
	Poll(ctx context.Context, maxMessages int) ([]*Message, error)

	Close() error
}
