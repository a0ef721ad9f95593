package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/trickstertwo/xsaga"
	sqlitestore "github.com/trickstertwo/xsaga/persistence/sqlite"
)

const paymentWorkflow = "payment"

type paymentState struct {
	xsaga.StateBase
	InvoiceID string  `json:"invoiceId"`
	Attempt   int     `json:"attempt"`
	Amount    float64 `json:"amount"`
}

type paymentSettled struct {
	InvoiceID string `json:"invoiceId"`
}

func (paymentSettled) MessageName() string { return "payment-settled" }

func newPaymentState() xsaga.WorkflowState { return &paymentState{} }

var settledMapping = xsaga.WorkflowMapping{
	Lookup: func(msg xsaga.Message, _ xsaga.MessageAttributes) any {
		return msg.(*paymentSettled).InvoiceID
	},
	MapsTo: "invoiceId",
}

func newStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	store := sqlitestore.New(db, xsaga.BackendDeps{Serializer: xsaga.NewSerializer(nil)})
	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.InitializeWorkflow(ctx, paymentWorkflow, newPaymentState, []string{"invoiceId"}))
	t.Cleanup(func() { _ = store.Dispose(context.Background()) })
	return store
}

func save(t *testing.T, store *sqlitestore.Store, invoiceID string) *paymentState {
	t.Helper()
	s := &paymentState{
		StateBase: xsaga.StateBase{
			ID:     uuid.NewString(),
			Name:   paymentWorkflow,
			Status: xsaga.StatusRunning,
		},
		InvoiceID: invoiceID,
		Amount:    99.5,
	}
	require.NoError(t, store.SaveWorkflowState(context.Background(), s))
	return s
}

func TestInsertAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := save(t, store, "inv-1")
	assert.Equal(t, 1, s.Base().Version)

	states, err := store.GetWorkflowState(ctx, paymentWorkflow, settledMapping, &paymentSettled{InvoiceID: "inv-1"}, xsaga.MessageAttributes{}, false)
	require.NoError(t, err)
	require.Len(t, states, 1)

	loaded := states[0].(*paymentState)
	assert.Equal(t, s.Base().ID, loaded.Base().ID)
	assert.Equal(t, 1, loaded.Base().Version)
	assert.Equal(t, "inv-1", loaded.InvoiceID)
	assert.Equal(t, 99.5, loaded.Amount)
}

func TestUpdateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := save(t, store, "inv-1")

	s.Attempt = 1
	require.NoError(t, store.SaveWorkflowState(ctx, s))
	assert.Equal(t, 2, s.Base().Version)

	states, err := store.GetWorkflowState(ctx, paymentWorkflow, settledMapping, &paymentSettled{InvoiceID: "inv-1"}, xsaga.MessageAttributes{}, false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 2, states[0].(*paymentState).Base().Version)
	assert.Equal(t, 1, states[0].(*paymentState).Attempt)
}

func TestStaleUpdateFailsOptimistically(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := save(t, store, "inv-1")

	stale := &paymentState{StateBase: *s.Base(), InvoiceID: "inv-1"}
	s.Attempt = 1
	require.NoError(t, store.SaveWorkflowState(ctx, s)) // row now at version 2

	err := store.SaveWorkflowState(ctx, stale)
	var notFound *xsaga.WorkflowStateNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 1, notFound.Version)
	assert.Equal(t, 1, stale.Base().Version)
}

func TestDuplicateInsertFailsOptimistically(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := save(t, store, "inv-1")

	dup := &paymentState{
		StateBase: xsaga.StateBase{ID: s.Base().ID, Name: paymentWorkflow, Status: xsaga.StatusRunning},
		InvoiceID: "inv-1",
	}
	err := store.SaveWorkflowState(ctx, dup)
	var notFound *xsaga.WorkflowStateNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCompletedRowsExcludedFromActiveLookup(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	save(t, store, "inv-1")

	done := save(t, store, "inv-1")
	done.Base().Status = xsaga.StatusComplete
	require.NoError(t, store.SaveWorkflowState(ctx, done))

	running, err := store.GetWorkflowState(ctx, paymentWorkflow, settledMapping, &paymentSettled{InvoiceID: "inv-1"}, xsaga.MessageAttributes{}, false)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	all, err := store.GetWorkflowState(ctx, paymentWorkflow, settledMapping, &paymentSettled{InvoiceID: "inv-1"}, xsaga.MessageAttributes{}, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEmptyKeyReturnsNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	save(t, store, "inv-1")

	states, err := store.GetWorkflowState(ctx, paymentWorkflow, settledMapping, &paymentSettled{}, xsaga.MessageAttributes{}, false)
	require.NoError(t, err)
	assert.Empty(t, states)
}
