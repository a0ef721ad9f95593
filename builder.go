package xsaga

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type pendingHandler struct {
	factory func() Message
	handler Handler
	opts    []RegisterOption
}

// Builder assembles a Bus. It is the only legal way to install
// dependencies; Initialize wires everything once and returns the bus in the
// Initialized state.
type Builder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	persistenceName string
	persistenceCfg  map[string]any
	persistenceInst Persistence

	serializerName string
	serializerInst Codec

	logger      *xlog.Logger
	clock       xclock.Clock
	concurrency int

	handlers  []pendingHandler
	workflows []WorkflowBinding
}

// Configure returns a builder with defaults: JSON serialization, one
// in-flight message, the process default logger and clock.
func Configure() *Builder {
	return &Builder{
		serializerName: "json",
		concurrency:    1,
	}
}

// WithTransport selects a registered transport by name with config.
func (b *Builder) WithTransport(name string, cfg map[string]any) *Builder {
	b.transportName = name
	b.transportCfg = cfg
	return b
}

// WithTransportInstance accepts a ready Transport instance.
func (b *Builder) WithTransportInstance(t Transport) *Builder {
	b.transportInst = t
	return b
}

// WithPersistence selects a registered persistence backend by name.
func (b *Builder) WithPersistence(name string, cfg map[string]any) *Builder {
	b.persistenceName = name
	b.persistenceCfg = cfg
	return b
}

// WithPersistenceInstance accepts a ready Persistence instance.
func (b *Builder) WithPersistenceInstance(p Persistence) *Builder {
	b.persistenceInst = p
	return b
}

// WithSerializer selects a registered codec by name (default "json").
func (b *Builder) WithSerializer(name string) *Builder {
	b.serializerName = name
	return b
}

// WithSerializerInstance accepts a ready Codec instance.
func (b *Builder) WithSerializerInstance(c Codec) *Builder {
	b.serializerInst = c
	return b
}

// WithLogger injects a custom xlog logger.
func (b *Builder) WithLogger(l *xlog.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock injects a custom xclock clock.
func (b *Builder) WithClock(c xclock.Clock) *Builder {
	b.clock = c
	return b
}

// WithConcurrency bounds the number of messages handled in flight at once.
func (b *Builder) WithConcurrency(n int) *Builder {
	if n > 0 {
		b.concurrency = n
	}
	return b
}

// WithHandler subscribes a handler to the message type factory produces.
func (b *Builder) WithHandler(factory func() Message, handler Handler, opts ...RegisterOption) *Builder {
	b.handlers = append(b.handlers, pendingHandler{factory: factory, handler: handler, opts: opts})
	return b
}

// WithWorkflow registers a workflow definition built with NewWorkflow.
func (b *Builder) WithWorkflow(wf WorkflowBinding) *Builder {
	b.workflows = append(b.workflows, wf)
	return b
}

// Initialize wires handlers and workflows into the registries, initializes
// persistence, and returns the bus in the Initialized state. It constructs
// the transport but makes no call on it; Start starts it. It is the
// one-time transition out of Uninitialized.
func (b *Builder) Initialize(ctx context.Context) (*Bus, error) {
	logger := b.logger
	if logger == nil {
		logger = xlog.Default()
	}
	clock := b.clock
	if clock == nil {
		clock = xclock.Default()
	}

	codec := b.serializerInst
	if codec == nil {
		var err error
		codec, err = NewCodec(b.serializerName)
		if err != nil {
			return nil, err
		}
	}
	serializer := NewSerializer(codec)
	deps := BackendDeps{Serializer: serializer, Logger: logger, Clock: clock}

	transport := b.transportInst
	switch {
	case transport != nil:
	case b.transportName != "":
		var err error
		transport, err = NewTransport(b.transportName, b.transportCfg, deps)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	persistence := b.persistenceInst
	if persistence == nil && b.persistenceName != "" {
		var err error
		persistence, err = NewPersistence(b.persistenceName, b.persistenceCfg, deps)
		if err != nil {
			return nil, err
		}
	}
	if len(b.workflows) > 0 && persistence == nil {
		return nil, ErrPersistenceNotConfigured
	}

	registry := NewHandlerRegistry(logger)
	for _, h := range b.handlers {
		if err := registry.Register(h.factory, h.handler, h.opts...); err != nil {
			return nil, err
		}
	}

	workflows := NewWorkflowRegistry(logger)
	for _, wf := range b.workflows {
		if err := workflows.Register(wf); err != nil {
			return nil, err
		}
	}

	if persistence != nil {
		if err := persistence.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	if err := workflows.Initialize(ctx, registry, persistence, serializer); err != nil {
		return nil, err
	}
	registry.Seal()

	bus := &Bus{
		transport:   transport,
		persistence: persistence,
		serializer:  serializer,
		registry:    registry,
		workflows:   workflows,
		hooks:       newHookEmitter(),
		logger:      logger,
		clock:       clock,
		concurrency: b.concurrency,
	}
	bus.state.Store(int32(Initialized))
	return bus, nil
}
