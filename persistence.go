package xsaga

import (
	"context"
	"errors"
	"sync"
)

// WorkflowMapping tells a persistence backend how to find the workflow
// instances a message addresses: Lookup extracts a scalar key from the
// message, MapsTo names the state field that must equal it. Lookup must be
// pure and side-effect-free.
type WorkflowMapping struct {
	Lookup func(msg Message, attrs MessageAttributes) any
	MapsTo string
}

// Persistence stores workflow state by name and lookup key.
//
// SaveWorkflowState is an optimistic upsert: version 0 inserts at version 1;
// any other version updates the row matching (id, version) and bumps the
// version by one, reflecting the new version on the passed state. Zero
// affected rows signal a concurrent writer via WorkflowStateNotFoundError.
type Persistence interface {
	// Initialize prepares the backend. Called once by the bus builder.
	Initialize(ctx context.Context) error
	// Dispose releases backend resources.
	Dispose(ctx context.Context) error
	// InitializeWorkflow ensures storage exists for stateName and that each
	// mapped field is efficiently queryable.
	InitializeWorkflow(ctx context.Context, stateName string, newState func() WorkflowState, mapsToFields []string) error
	// GetWorkflowState returns the instances whose mapped field equals the
	// key mapping.Lookup extracts from the message. A falsy key yields an
	// empty result. Completed instances are excluded unless requested.
	GetWorkflowState(ctx context.Context, stateName string, mapping WorkflowMapping, msg Message, attrs MessageAttributes, includeCompleted bool) ([]WorkflowState, error)
	// SaveWorkflowState persists a state under optimistic concurrency.
	SaveWorkflowState(ctx context.Context, state WorkflowState) error
}

// IsEmptyKey reports whether a lookup key is falsy: nil, the empty string,
// a zero number or false. Messages with falsy keys address no workflow
// instance.
func IsEmptyKey(key any) bool {
	switch k := key.(type) {
	case nil:
		return true
	case string:
		return k == ""
	case int:
		return k == 0
	case int8:
		return k == 0
	case int16:
		return k == 0
	case int32:
		return k == 0
	case uint:
		return k == 0
	case uint8:
		return k == 0
	case uint16:
		return k == 0
	case uint32:
		return k == 0
	case int64:
		return k == 0
	case uint64:
		return k == 0
	case float32:
		return k == 0
	case float64:
		return k == 0
	case bool:
		return !k
	default:
		return false
	}
}

// PersistenceFactory constructs persistence backends from a config blob.
type PersistenceFactory func(cfg map[string]any, deps BackendDeps) (Persistence, error)

var (
	persistenceRegistryMu sync.RWMutex
	persistenceRegistry   = map[string]PersistenceFactory{}
)

// RegisterPersistence registers a persistence backend factory.
func RegisterPersistence(name string, factory PersistenceFactory) error {
	if name == "" {
		return errors.New("persistence name must not be empty")
	}
	if factory == nil {
		return errors.New("persistence factory must not be nil")
	}
	persistenceRegistryMu.Lock()
	persistenceRegistry[name] = factory
	persistenceRegistryMu.Unlock()
	return nil
}

// NewPersistence constructs a persistence backend by name with config.
func NewPersistence(name string, cfg map[string]any, deps BackendDeps) (Persistence, error) {
	persistenceRegistryMu.RLock()
	f, ok := persistenceRegistry[name]
	persistenceRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownPersistence{name: name}
	}
	return f(cfg, deps)
}
