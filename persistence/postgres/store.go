// Package postgres provides a durable persistence backend on PostgreSQL.
// Layout mirrors the sqlite reference: one table per workflow with
// (id UUID, version INTEGER, data JSONB) and a data->>field expression
// index per mapped field.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trickstertwo/xsaga"
)

const PersistenceName = "postgres"

func init() {
	if err := xsaga.RegisterPersistence(PersistenceName, func(cfg map[string]any, deps xsaga.BackendDeps) (xsaga.Persistence, error) {
		dsn, _ := cfg["dsn"].(string)
		if dsn == "" {
			return nil, fmt.Errorf("postgres persistence: dsn required")
		}
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		return New(pool, deps), nil
	}); err != nil {
		panic(fmt.Errorf("xsaga/persistence/postgres: failed to register: %w", err))
	}
}

type workflowTable struct {
	table    string
	newState func() xsaga.WorkflowState
}

// Store implements xsaga.Persistence on a pgx connection pool.
type Store struct {
	pool       *pgxpool.Pool
	serializer *xsaga.Serializer

	mu        sync.RWMutex
	workflows map[string]workflowTable
}

var _ xsaga.Persistence = (*Store)(nil)

// New wraps a connection pool. Dispose closes it.
func New(pool *pgxpool.Pool, deps xsaga.BackendDeps) *Store {
	return &Store{
		pool:       pool,
		serializer: deps.Serializer,
		workflows:  make(map[string]workflowTable),
	}
}

func (s *Store) Initialize(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Dispose(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Store) InitializeWorkflow(ctx context.Context, stateName string, newState func() xsaga.WorkflowState, mapsToFields []string) error {
	table := tableName(stateName)

	s.mu.Lock()
	s.workflows[stateName] = workflowTable{table: table, newState: newState}
	s.mu.Unlock()

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			version INTEGER NOT NULL,
			data JSONB NOT NULL
		);`, table),
	)
	if err != nil {
		return err
	}

	for _, field := range mapsToFields {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s ((%s));`,
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

	// ->> yields text, so the key is compared in its text form.
	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s = $1`, t.table, jsonField(mapping.MapsTo))
	if !includeCompleted {
		query += fmt.Sprintf(` AND %s = '%s'`, jsonField("$status"), xsaga.StatusRunning)
	}

	rows, err := s.pool.Query(ctx, query, fmt.Sprint(key))
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

	var tag pgconn.CommandTag
	if old == 0 {
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, version, data) VALUES ($1, 1, $2) ON CONFLICT (id) DO NOTHING`, t.table,
		), base.ID, data)
	} else {
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET version = $1, data = $2 WHERE id = $3 AND version = $4`, t.table,
		), base.Version, data, base.ID, old)
	}
	if err != nil {
		base.Version = old
		return err
	}
	if tag.RowsAffected() == 0 {
		base.Version = old
		return &xsaga.WorkflowStateNotFoundError{WorkflowID: base.ID, StateName: base.Name, Version: old}
	}
	return nil
}

func tableName(stateName string) string {
	return "wf_" + identifier(stateName)
}

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

func jsonField(field string) string {
	clean := strings.NewReplacer(`"`, ``, `'`, ``).Replace(field)
	return fmt.Sprintf(`data->>'%s'`, clean)
}
