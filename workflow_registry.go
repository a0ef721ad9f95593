package xsaga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
)

// WorkflowRegistry buffers workflow definitions during configuration and
// wires them into the handler registry on Initialize. It is a
// register-before-init, init-once registry: registration after initialize,
// double initialize and concurrent initialize all fail.
type WorkflowRegistry struct {
	mu           sync.Mutex
	logger       *xlog.Logger
	buffered     []WorkflowBinding
	names        map[string]struct{}
	persistence  Persistence
	initialized  bool
	initializing bool
}

// NewWorkflowRegistry returns an empty workflow registry.
func NewWorkflowRegistry(logger *xlog.Logger) *WorkflowRegistry {
	if logger == nil {
		logger = xlog.Default()
	}
	return &WorkflowRegistry{
		logger: logger,
		names:  make(map[string]struct{}),
	}
}

// Register buffers a workflow for wire-up at Initialize.
func (r *WorkflowRegistry) Register(wf WorkflowBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized || r.initializing {
		return ErrWorkflowRegistryInitialized
	}
	name := wf.WorkflowName()
	if _, dup := r.names[name]; dup {
		return &WorkflowAlreadyRegisteredError{WorkflowName: name}
	}
	r.names[name] = struct{}{}
	r.buffered = append(r.buffered, wf)
	return nil
}

// Initialize wires every buffered workflow into the handler registry:
// startedBy messages get instance-creating handlers, when messages get
// lookup-and-dispatch handlers, and the persistence backend is told to
// prepare storage. The buffer is cleared afterwards.
func (r *WorkflowRegistry) Initialize(ctx context.Context, handlers *HandlerRegistry, persistence Persistence, serializer *Serializer) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return ErrWorkflowRegistryInitialized
	}
	if r.initializing {
		r.mu.Unlock()
		return fmt.Errorf("%w: concurrent initialize", ErrWorkflowRegistryInitialized)
	}
	r.initializing = true
	buffered := r.buffered
	r.mu.Unlock()

	if len(buffered) > 0 && persistence == nil {
		r.mu.Lock()
		r.initializing = false
		r.mu.Unlock()
		return ErrPersistenceNotConfigured
	}

	dispatcher := &stateDispatcher{
		persistence: persistence,
		serializer:  serializer,
		logger:      r.logger,
	}

	for _, wf := range buffered {
		if err := r.wire(ctx, wf, handlers, persistence, dispatcher); err != nil {
			r.mu.Lock()
			r.initializing = false
			r.mu.Unlock()
			return err
		}
	}

	r.mu.Lock()
	r.persistence = persistence
	r.buffered = nil
	r.initializing = false
	r.initialized = true
	r.mu.Unlock()
	return nil
}

func (r *WorkflowRegistry) wire(ctx context.Context, wf WorkflowBinding, handlers *HandlerRegistry, persistence Persistence, dispatcher *stateDispatcher) error {
	for _, binding := range wf.startedByBindings() {
		if err := handlers.registerUnique(binding.messageFactory, r.startedByHandler(wf, binding, persistence)); err != nil {
			return err
		}
	}

	var mapsToFields []string
	for _, binding := range wf.whenBindings() {
		binding := binding
		mapsToFields = append(mapsToFields, binding.mapping.MapsTo)
		handler := func(ctx context.Context, hctx HandlerContext) error {
			return dispatcher.dispatchAll(ctx, wf, binding, hctx.Message, hctx.Attributes)
		}
		if err := handlers.registerUnique(binding.messageFactory, handler); err != nil {
			return err
		}
	}

	return persistence.InitializeWorkflow(ctx, wf.WorkflowName(), wf.newWorkflowState, mapsToFields)
}

// startedByHandler creates a fresh instance for each trigger message: new
// UUID, status Running, version 0, then the initializer step, then a save
// unless the step dropped its output.
func (r *WorkflowRegistry) startedByHandler(wf WorkflowBinding, binding startedByBinding, persistence Persistence) Handler {
	return func(ctx context.Context, hctx HandlerContext) error {
		state := wf.newWorkflowState()
		base := state.Base()
		base.ID = uuid.NewString()
		base.Name = wf.WorkflowName()
		base.Version = 0
		base.Status = StatusRunning

		result, err := binding.step(ctx, hctx.Message, hctx.Attributes, state)
		if err != nil {
			return err
		}
		switch result {
		case StepNoop:
			r.logger.Debug().
				Str("workflow", wf.WorkflowName()).
				Str("message", hctx.Message.MessageName()).
				Msg("workflow initializer returned no state")
			return nil
		case StepDiscard:
			r.logger.Debug().
				Str("workflow", wf.WorkflowName()).
				Str("message", hctx.Message.MessageName()).
				Msg("discarding workflow initializer output")
			return nil
		case StepComplete:
			base.Status = StatusComplete
		}

		if err := persistence.SaveWorkflowState(ctx, state); err != nil {
			r.logger.Warn().
				Str("workflow", wf.WorkflowName()).
				Str("workflowId", base.ID).
				Err(err).
				Msg("failed to persist new workflow instance")
			return err
		}
		r.logger.Debug().
			Str("workflow", wf.WorkflowName()).
			Str("workflowId", base.ID).
			Msg("started workflow instance")
		return nil
	}
}

// Dispose releases the persistence backend. A missing backend is not an
// error here; every other failure propagates.
func (r *WorkflowRegistry) Dispose(ctx context.Context) error {
	r.mu.Lock()
	persistence := r.persistence
	r.mu.Unlock()
	if persistence == nil {
		return nil
	}
	if err := persistence.Dispose(ctx); err != nil {
		if errors.Is(err, ErrPersistenceNotConfigured) {
			return nil
		}
		return err
	}
	return nil
}
