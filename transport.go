package xsaga

import (
	"context"
	"errors"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Transport is the Strategy interface for message queues/brokers. The bus
// distinguishes only success from failure; visibility timeouts, redelivery
// backoff and dead-letter policy belong to the transport.
type Transport interface {
	// Publish enqueues an event for every subscriber.
	Publish(ctx context.Context, event Message, attrs MessageAttributes) error
	// Send enqueues a command for its single intended handler.
	Send(ctx context.Context, command Message, attrs MessageAttributes) error
	// ReadNextMessage returns the next in-flight message, or (nil, nil)
	// after a bounded wait when the queue is empty.
	ReadNextMessage(ctx context.Context) (*TransportMessage, error)
	// DeleteMessage acknowledges successful processing.
	DeleteMessage(ctx context.Context, tm *TransportMessage) error
	// ReturnMessage releases the message back to the queue for redelivery.
	ReturnMessage(ctx context.Context, tm *TransportMessage) error
	// Start prepares the transport for reading.
	Start(ctx context.Context) error
	// Stop releases transport resources.
	Stop(ctx context.Context) error
}

// BackendDeps are the core collaborators handed to transport and persistence
// factories, so backends serialize and log the same way the bus does.
type BackendDeps struct {
	Serializer *Serializer
	Logger     *xlog.Logger
	Clock      xclock.Clock
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any, deps BackendDeps) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any, deps BackendDeps) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg, deps)
}
