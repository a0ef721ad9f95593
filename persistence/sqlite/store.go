// Package sqlite provides the reference durable persistence backend. Each
// workflow gets its own table of (id, version, data) rows with a
// json_extract expression index per mapped field; saves use an optimistic
// version predicate.
//
// It expects an *sql.DB backed by a SQLite driver, e.g.:
//
//	import _ "modernc.org/sqlite"
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/trickstertwo/xsaga"
)

const PersistenceName = "sqlite"

func init() {
	if err := xsaga.RegisterPersistence(PersistenceName, func(cfg map[string]any, deps xsaga.BackendDeps) (xsaga.Persistence, error) {
		dsn, _ := cfg["dsn"].(string)
		if dsn == "" {
			return nil, fmt.Errorf("sqlite persistence: dsn required")
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		return New(db, deps), nil
	}); err != nil {
		panic(fmt.Errorf("xsaga/persistence/sqlite: failed to register: %w", err))
	}
}

type workflowTable struct {
	table    string
	newState func() xsaga.WorkflowState
}

// Store implements xsaga.Persistence on SQLite.
type Store struct {
	db         *sql.DB
	serializer *xsaga.Serializer

	mu        sync.RWMutex
	workflows map[string]workflowTable
}

var _ xsaga.Persistence = (*Store)(nil)

// New wraps an opened database. The caller owns driver selection; Dispose
// closes the handle.
func New(db *sql.DB, deps xsaga.BackendDeps) *Store {
	return &Store{
		db:         db,
		serializer: deps.Serializer,
		workflows:  make(map[string]workflowTable),
	}
}

func (s *Store) Initialize(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Dispose(ctx context.Context) error {
	return s.db.Close()
}

func (s *Store) InitializeWorkflow(ctx context.Context, stateName string, newState func() xsaga.WorkflowState, mapsToFields []string) error {
	table := tableName(stateName)

	s.mu.Lock()
	s.workflows[stateName] = workflowTable{table: table, newState: newState}
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			data TEXT NOT NULL
		);`, table),
	)
	if err != nil {
		return err
	}

	for _, field := range mapsToFields {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s);`,
			table, identifier(field), table, jsonField(field),
		))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) lookup(stateName string) (workflowTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.workflows[stateName]
	if !ok {
		return workflowTable{}, fmt.Errorf("workflow %q not initialized", stateName)
	}
	return t, nil
}

func (s *Store) GetWorkflowState(ctx context.Context, stateName string, mapping xsaga.WorkflowMapping, msg xsaga.Message, attrs xsaga.MessageAttributes, includeCompleted bool) ([]xsaga.WorkflowState, error) {
	key := mapping.Lookup(msg, attrs)
	if xsaga.IsEmptyKey(key) {
		return nil, nil
	}
	t, err := s.lookup(stateName)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s = ?`, t.table, jsonField(mapping.MapsTo))
	if !includeCompleted {
		query += fmt.Sprintf(` AND %s = '%s'`, jsonField("$status"), xsaga.StatusRunning)
	}

	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []xsaga.WorkflowState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		state, err := s.serializer.DecodeState(data, t.newState)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *Store) SaveWorkflowState(ctx context.Context, state xsaga.WorkflowState) error {
	base := state.Base()
	old := base.Version
	t, err := s.lookup(base.Name)
	if err != nil {
		return err
	}

	base.Version = old + 1
	data, err := s.serializer.Serialize(state)
	if err != nil {
		base.Version = old
		return err
	}

	if old == 0 {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, version, data) VALUES (?, 1, ?)`, t.table,
		), base.ID, data)
		if err != nil {
			base.Version = old
			if strings.Contains(err.Error(), "UNIQUE") {
				return &xsaga.WorkflowStateNotFoundError{WorkflowID: base.ID, StateName: base.Name, Version: old}
			}
			return err
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET version = ?, data = ? WHERE id = ? AND version = ?`, t.table,
	), base.Version, data, base.ID, old)
	if err != nil {
		base.Version = old
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		base.Version = old
		return err
	}
	if affected == 0 {
		base.Version = old
		return &xsaga.WorkflowStateNotFoundError{WorkflowID: base.ID, StateName: base.Name, Version: old}
	}
	return nil
}

// tableName derives a safe table name from a workflow name.
func tableName(stateName string) string {
	return "wf_" + identifier(stateName)
}

// identifier lowercases and replaces anything that is not [a-z0-9] with an
// underscore.
func identifier(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// jsonField renders the json_extract expression for a state field. Field
// names come from workflow definitions, never user input; quotes are
// stripped regardless.
func jsonField(field string) string {
	clean := strings.NewReplacer(`"`, ``, `'`, ``).Replace(field)
	return fmt.Sprintf(`json_extract(data, '$."%s"')`, clean)
}
