// Package memory provides a non-durable persistence backend for tests and
// prototyping. Rows are held as serialized bytes so readers always get
// isolated copies, never the live row.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xsaga"
)

const PersistenceName = "memory"

func init() {
	if err := xsaga.RegisterPersistence(PersistenceName, func(cfg map[string]any, deps xsaga.BackendDeps) (xsaga.Persistence, error) {
		return New(deps), nil
	}); err != nil {
		panic(fmt.Errorf("xsaga/persistence/memory: failed to register: %w", err))
	}
}

type storedRow struct {
	data    []byte
	version int
}

type workflowTable struct {
	newState func() xsaga.WorkflowState
	rows     map[string]storedRow
}

// Store implements xsaga.Persistence on mutex-guarded maps.
type Store struct {
	serializer *xsaga.Serializer

	mu        sync.RWMutex
	workflows map[string]*workflowTable
}

var _ xsaga.Persistence = (*Store)(nil)

// New creates an empty in-memory store.
func New(deps xsaga.BackendDeps) *Store {
	return &Store{
		serializer: deps.Serializer,
		workflows:  make(map[string]*workflowTable),
	}
}

func (s *Store) Initialize(ctx context.Context) error { return nil }

func (s *Store) Dispose(ctx context.Context) error { return nil }

func (s *Store) InitializeWorkflow(ctx context.Context, stateName string, newState func() xsaga.WorkflowState, mapsToFields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[stateName]; !ok {
		s.workflows[stateName] = &workflowTable{
			newState: newState,
			rows:     make(map[string]storedRow),
		}
	}
	return nil
}

func (s *Store) table(stateName string) (*workflowTable, error) {
	t, ok := s.workflows[stateName]
	if !ok {
		return nil, fmt.Errorf("workflow %q not initialized", stateName)
	}
	return t, nil
}

func (s *Store) GetWorkflowState(ctx context.Context, stateName string, mapping xsaga.WorkflowMapping, msg xsaga.Message, attrs xsaga.MessageAttributes, includeCompleted bool) ([]xsaga.WorkflowState, error) {
	key := mapping.Lookup(msg, attrs)
	if xsaga.IsEmptyKey(key) {
		return nil, nil
	}
	want := fmt.Sprint(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	table, err := s.table(stateName)
	if err != nil {
		return nil, err
	}

	var out []xsaga.WorkflowState
	for _, row := range table.rows {
		plain := map[string]any{}
		if err := s.serializer.Codec().Unmarshal(row.data, &plain); err != nil {
			return nil, err
		}
		if fmt.Sprint(plain[mapping.MapsTo]) != want {
			continue
		}
		status, _ := plain["$status"].(string)
		if status != string(xsaga.StatusRunning) && !includeCompleted {
			continue
		}
		state, err := s.serializer.DecodeState(row.data, table.newState)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *Store) SaveWorkflowState(ctx context.Context, state xsaga.WorkflowState) error {
	base := state.Base()
	old := base.Version

	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.table(base.Name)
	if err != nil {
		return err
	}

	if old == 0 {
		if _, exists := table.rows[base.ID]; exists {
			return &xsaga.WorkflowStateNotFoundError{WorkflowID: base.ID, StateName: base.Name, Version: old}
		}
	} else {
		row, exists := table.rows[base.ID]
		if !exists || row.version != old {
			return &xsaga.WorkflowStateNotFoundError{WorkflowID: base.ID, StateName: base.Name, Version: old}
		}
	}

	base.Version = old + 1
	data, err := s.serializer.Serialize(state)
	if err != nil {
		base.Version = old
		return err
	}
	table.rows[base.ID] = storedRow{data: data, version: base.Version}
	return nil
}
