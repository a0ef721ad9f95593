// Package memory provides an in-memory transport for development and tests.
// It is single-process and non-durable; delivery is at-least-once with
// redelivery on ReturnMessage.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xsaga"
)

const TransportName = "memory"

func init() {
	if err := xsaga.RegisterTransport(TransportName, func(cfg map[string]any, deps xsaga.BackendDeps) (xsaga.Transport, error) {
		return New(ConfigFromMap(cfg), deps), nil
	}); err != nil {
		panic(fmt.Errorf("xsaga/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// PollInterval bounds the wait inside ReadNextMessage (default: 100ms).
	PollInterval time.Duration
	// RedeliveryDelay is the delay before a returned message becomes
	// visible again (default: 0 = immediate).
	RedeliveryDelay time.Duration
}

// ConfigFromMap reads Config from the generic builder config blob.
func ConfigFromMap(cfg map[string]any) Config {
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}
	return Config{
		PollInterval:    getDur("poll_interval", 100*time.Millisecond),
		RedeliveryDelay: getDur("redelivery_delay", 0),
	}
}

// RawMessage is the transport-specific envelope. SeenCount increments on
// every delivery, so the first read observes 1. Each delivery hands out its
// own copy, so a later redelivery does not change an earlier one's count.
type RawMessage struct {
	ID         string
	Name       string
	Payload    []byte
	Attributes xsaga.MessageAttributes
	SeenCount  int
}

// Stats is transport telemetry.
type Stats struct {
	Published uint64
	Read      uint64
	Deleted   uint64
	Returned  uint64
}

type transportMetrics struct {
	published atomic.Uint64
	read      atomic.Uint64
	deleted   atomic.Uint64
	returned  atomic.Uint64
}

// Transport implements xsaga.Transport on a mutex-guarded slice queue.
type Transport struct {
	cfg        Config
	serializer *xsaga.Serializer

	mu             sync.Mutex
	queue          []*RawMessage
	inflight       map[string]*RawMessage
	pendingReturns int

	signal  chan struct{}
	closed  atomic.Bool
	metrics transportMetrics
}

var _ xsaga.Transport = (*Transport)(nil)

// New creates an in-memory transport.
func New(cfg Config, deps xsaga.BackendDeps) *Transport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Transport{
		cfg:        cfg,
		serializer: deps.Serializer,
		inflight:   make(map[string]*RawMessage),
		signal:     make(chan struct{}, 1),
	}
}

// Publish enqueues an event. Commands and events share the single
// process-local queue.
func (t *Transport) Publish(ctx context.Context, event xsaga.Message, attrs xsaga.MessageAttributes) error {
	return t.enqueue(event, attrs)
}

// Send enqueues a command.
func (t *Transport) Send(ctx context.Context, command xsaga.Message, attrs xsaga.MessageAttributes) error {
	return t.enqueue(command, attrs)
}

func (t *Transport) enqueue(msg xsaga.Message, attrs xsaga.MessageAttributes) error {
	if t.closed.Load() {
		return errors.New("memory transport is closed")
	}
	payload, err := t.serializer.Serialize(msg)
	if err != nil {
		return err
	}
	raw := &RawMessage{
		ID:         nextID(),
		Name:       msg.MessageName(),
		Payload:    payload,
		Attributes: attrs.Clone(),
	}
	t.mu.Lock()
	t.queue = append(t.queue, raw)
	t.mu.Unlock()
	t.metrics.published.Add(1)
	t.wake()
	return nil
}

func (t *Transport) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// ReadNextMessage pops the next visible message, waiting up to PollInterval
// when the queue is empty.
func (t *Transport) ReadNextMessage(ctx context.Context) (*xsaga.TransportMessage, error) {
	deadline := time.NewTimer(t.cfg.PollInterval)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			raw := t.queue[0]
			t.queue = t.queue[1:]
			raw.SeenCount++
			t.inflight[raw.ID] = raw
			delivered := *raw
			t.mu.Unlock()
			t.metrics.read.Add(1)
			return &xsaga.TransportMessage{
				ID:         raw.ID,
				Name:       raw.Name,
				Payload:    raw.Payload,
				Attributes: raw.Attributes.Clone(),
				Raw:        &delivered,
			}, nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-t.signal:
		}
	}
}

// DeleteMessage acknowledges the in-flight lease.
func (t *Transport) DeleteMessage(ctx context.Context, tm *xsaga.TransportMessage) error {
	t.mu.Lock()
	delete(t.inflight, tm.ID)
	t.mu.Unlock()
	t.metrics.deleted.Add(1)
	return nil
}

// ReturnMessage releases the message back to the queue, visible again after
// RedeliveryDelay.
func (t *Transport) ReturnMessage(ctx context.Context, tm *xsaga.TransportMessage) error {
	t.mu.Lock()
	raw, ok := t.inflight[tm.ID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("message %s is not in flight", tm.ID)
	}
	delete(t.inflight, tm.ID)
	t.metrics.returned.Add(1)

	if t.cfg.RedeliveryDelay <= 0 {
		t.queue = append(t.queue, raw)
		t.mu.Unlock()
		t.wake()
		return nil
	}

	t.pendingReturns++
	t.mu.Unlock()

	timer := time.NewTimer(t.cfg.RedeliveryDelay)
	go func() {
		defer timer.Stop()
		<-timer.C
		t.mu.Lock()
		t.pendingReturns--
		t.queue = append(t.queue, raw)
		t.mu.Unlock()
		t.wake()
	}()
	return nil
}

// Start marks the transport ready for reading.
func (t *Transport) Start(ctx context.Context) error {
	t.closed.Store(false)
	return nil
}

// Stop closes the transport for new work. Queued messages survive a
// restart within the same process.
func (t *Transport) Stop(ctx context.Context) error {
	t.closed.Store(true)
	return nil
}

// Depth counts messages not yet acknowledged: visible, in flight, and
// awaiting delayed redelivery.
func (t *Transport) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue) + len(t.inflight) + t.pendingReturns
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.metrics.published.Load(),
		Read:      t.metrics.read.Load(),
		Deleted:   t.metrics.deleted.Load(),
		Returned:  t.metrics.returned.Load(),
	}
}

// Monotonic ID generator; single-process dev semantics.
var idSeq uint64

func nextID() string {
	n := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("mem-%d", n)
}
