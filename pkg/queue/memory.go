package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/driftline/driftline/pkg/types"
)

// Memory is an in-process Adapter backed by a mutex-guarded slice. Acking a
// message removes it permanently; Nacking (or never acking) leaves it
// available for the next Poll, approximating broker redelivery without a
// real network hop. Intended for tests and single-process deployments.
type Memory struct {
	mu      sync.Mutex
	pending []*memoryEnvelope
}

type memoryEnvelope struct {
	id      string
	envType types.EnvelopeType
	data    []byte
	inFlight bool
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) push(envType types.EnvelopeType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, &memoryEnvelope{id: uuid.NewString(), envType: envType, data: data})
	return nil
}

func (m *Memory) PushDecisionEvent(_ context.Context, e types.DecisionEvent) error {
	return m.push(types.EnvelopeDecision, e)
}

func (m *Memory) PushDecisionEvents(_ context.Context, events []types.DecisionEvent) error {
	return m.push(types.EnvelopeDecisions, events)
}

func (m *Memory) PushRun(_ context.Context, r types.Run) error {
	return m.push(types.EnvelopeRun, r)
}

func (m *Memory) PushStep(_ context.Context, s types.Step) error {
	return m.push(types.EnvelopeStep, s)
}

// Poll returns up to maxMessages envelopes that are not already in flight,
// marking them in flight until acked or nacked.
func (m *Memory) Poll(_ context.Context, maxMessages int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Message
	for _, env := range m.pending {
		if env.inFlight {
			continue
		}
		if len(out) >= maxMessages {
			break
		}
		env.inFlight = true
		e := env
		out = append(out, &Message{
			ID:   e.id,
			Type: e.envType,
			Data: e.data,
			ack: func() error {
				m.mu.Lock()
				defer m.mu.Unlock()
				for i, p := range m.pending {
					if p.id == e.id {
						m.pending = append(m.pending[:i], m.pending[i+1:]...)
						break
					}
				}
				return nil
			},
			nack: func() error {
				m.mu.Lock()
				defer m.mu.Unlock()
				e.inFlight = false
				return nil
			},
		})
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
