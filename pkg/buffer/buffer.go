// Package buffer implements the bounded, drop-oldest, size-and-time-flushed
// batcher that sits between the capture façade and the transport. Its job is
// to never let observability ever add a blocking or failing code path to the
// application: Add is always non-blocking and total, and only ForceFlush may
// block, for the explicit graceful-shutdown case.
//
// The drop rules and stats-snapshot discipline here follow the same shape as
// a buffered ingestion policy: bounded storage with an explicit eviction
// rule, a flush that empties the buffer into a sink, and a lock held only
// around buffer bookkeeping, never across the sink call.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftline/driftline/pkg/types"
)

// Sink is the thing a flushed batch is handed to. The transport implements
// this; tests can substitute a recording stub.
type Sink interface {
	SendDecisionEvents(ctx context.Context, events []types.DecisionEvent)
}

// Observer receives best-effort notifications about buffer behavior. Both
// methods default to no-ops; set only what you need.
type Observer interface {
	OnDrop(e types.DecisionEvent)
	OnFlush(n int)
}

type noopObserver struct{}

func (noopObserver) OnDrop(types.DecisionEvent) {}
func (noopObserver) OnFlush(int)                {}

// Config configures a Buffer. Zero values are replaced with the documented
// defaults by New.
type Config struct {
	MaxSize       int
	BatchSize     int
	FlushInterval time.Duration
	Observer      Observer
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:       1000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}
}

// Buffer is a bounded FIFO of DecisionEvents that flushes to a Sink on three
// triggers: batch-size threshold, a periodic timer, and explicit ForceFlush.
type Buffer struct {
	cfg  Config
	sink Sink

	mu     sync.Mutex
	events []types.DecisionEvent

	flushing atomic.Bool // coalesces overlapping flush triggers

	timer    *time.Timer
	timerMu  sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Buffer with the given config and sink. Configured-value
// fields at their zero value fall back to DefaultConfig's — per the spec's
// explicit resolution that the *configured* MaxSize (not any package
// constant) is authoritative, a zero Config still needs sane defaults to be
// authoritative over.
func New(cfg Config, sink Sink) *Buffer {
	d := DefaultConfig()
	if cfg.MaxSize > 0 {
		d.MaxSize = cfg.MaxSize
	}
	if cfg.BatchSize > 0 {
		d.BatchSize = cfg.BatchSize
	}
	if cfg.FlushInterval > 0 {
		d.FlushInterval = cfg.FlushInterval
	}
	if cfg.Observer != nil {
		d.Observer = cfg.Observer
	} else {
		d.Observer = noopObserver{}
	}

	b := &Buffer{
		cfg:    d,
		sink:   sink,
		stopCh: make(chan struct{}),
	}
	b.startTimer()
	return b
}

// Add appends e, non-blocking and total. If the buffer is already at the
// configured MaxSize, the oldest event is dropped first.
func (b *Buffer) Add(e types.DecisionEvent) {
	b.mu.Lock()
	if len(b.events) >= b.cfg.MaxSize {
		dropped := b.events[0]
		b.events = b.events[1:]
		b.cfg.Observer.OnDrop(dropped)
	}
	b.events = append(b.events, e)
	shouldFlush := len(b.events) >= b.cfg.BatchSize
	b.mu.Unlock()

	if shouldFlush {
		b.triggerFlush()
	}
}

// triggerFlush schedules a fire-and-forget flush unless one is already
// running, in which case this trigger is coalesced away (the running flush
// will pick up anything added after it started on its next invocation).
func (b *Buffer) triggerFlush() {
	if !b.flushing.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.flushing.Store(false)
		b.flushOnce(context.Background())
	}()
}

// flushOnce drains the current contents and hands them to the sink. A sink
// failure drops the batch rather than re-enqueuing it: the sink (transport)
// has already done its own bounded retry, so a further retry here would
// only risk an unbounded retry storm.
func (b *Buffer) flushOnce(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	b.cfg.Observer.OnFlush(len(batch))
	b.sink.SendDecisionEvents(ctx, batch)
}

func (b *Buffer) startTimer() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	b.timer = time.AfterFunc(b.cfg.FlushInterval, b.onTick)
}

func (b *Buffer) onTick() {
	select {
	case <-b.stopCh:
		return
	default:
	}
	b.triggerFlush()
	b.timerMu.Lock()
	if b.timer != nil {
		b.timer.Reset(b.cfg.FlushInterval)
	}
	b.timerMu.Unlock()
}

// ForceFlush drains all remaining events and stops the periodic timer. It is
// the only Buffer operation that may block the caller — intended for
// graceful shutdown, where losing buffered events is the documented
// trade-off of not calling it.
func (b *Buffer) ForceFlush(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.timerMu.Lock()
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timerMu.Unlock()
	})

	// Wait for any in-flight flush to finish, then do one final drain.
	b.wg.Wait()
	b.flushOnce(ctx)
}

// Len reports the current in-memory event count, for tests and metrics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
