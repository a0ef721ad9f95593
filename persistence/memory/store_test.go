package memory_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsaga"
	"github.com/trickstertwo/xsaga/persistence/memory"
)

const shipmentWorkflow = "shipment"

type shipmentState struct {
	xsaga.StateBase
	TrackingID string `json:"trackingId"`
	Hops       int    `json:"hops"`
}

type shipmentScanned struct {
	TrackingID string `json:"trackingId"`
}

func (shipmentScanned) MessageName() string { return "shipment-scanned" }

func newShipmentState() xsaga.WorkflowState { return &shipmentState{} }

var scanMapping = xsaga.WorkflowMapping{
	Lookup: func(msg xsaga.Message, _ xsaga.MessageAttributes) any {
		return msg.(*shipmentScanned).TrackingID
	},
	MapsTo: "trackingId",
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New(xsaga.BackendDeps{Serializer: xsaga.NewSerializer(nil)})
	require.NoError(t, store.Initialize(context.Background()))
	require.NoError(t, store.InitializeWorkflow(context.Background(), shipmentWorkflow, newShipmentState, []string{"trackingId"}))
	return store
}

func save(t *testing.T, store *memory.Store, trackingID string) *shipmentState {
	t.Helper()
	s := &shipmentState{
		StateBase: xsaga.StateBase{
			ID:     uuid.NewString(),
			Name:   shipmentWorkflow,
			Status: xsaga.StatusRunning,
		},
		TrackingID: trackingID,
	}
	require.NoError(t, store.SaveWorkflowState(context.Background(), s))
	return s
}

func TestSaveInsertsAtVersionOne(t *testing.T) {
	store := newStore(t)
	s := save(t, store, "T-1")
	assert.Equal(t, 1, s.Base().Version)
}

func TestSaveBumpsVersionByOne(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := save(t, store, "T-1")

	s.Hops = 1
	require.NoError(t, store.SaveWorkflowState(ctx, s))
	assert.Equal(t, 2, s.Base().Version)
}

func TestStaleSaveFailsOptimistically(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := save(t, store, "T-1")

	stale := &shipmentState{StateBase: *s.Base(), TrackingID: "T-1"}
	stale.Base().Version = 1
	s.Hops = 1
	require.NoError(t, store.SaveWorkflowState(ctx, s)) // now at version 2

	err := store.SaveWorkflowState(ctx, stale)
	var notFound *xsaga.WorkflowStateNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, s.Base().ID, notFound.WorkflowID)
	assert.Equal(t, 1, notFound.Version)
	// The failed save leaves the caller's version untouched.
	assert.Equal(t, 1, stale.Base().Version)
}

func TestInsertConflictFailsOptimistically(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	s := save(t, store, "T-1")

	dup := &shipmentState{
		StateBase:  xsaga.StateBase{ID: s.Base().ID, Name: shipmentWorkflow, Status: xsaga.StatusRunning},
		TrackingID: "T-1",
	}
	err := store.SaveWorkflowState(ctx, dup)
	var notFound *xsaga.WorkflowStateNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestGetFiltersByKeyAndStatus(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	save(t, store, "T-1")
	save(t, store, "T-1")
	save(t, store, "T-2")

	done := save(t, store, "T-1")
	done.Base().Status = xsaga.StatusComplete
	require.NoError(t, store.SaveWorkflowState(ctx, done))

	running, err := store.GetWorkflowState(ctx, shipmentWorkflow, scanMapping, &shipmentScanned{TrackingID: "T-1"}, xsaga.MessageAttributes{}, false)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	all, err := store.GetWorkflowState(ctx, shipmentWorkflow, scanMapping, &shipmentScanned{TrackingID: "T-1"}, xsaga.MessageAttributes{}, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetEmptyKeyReturnsNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	save(t, store, "T-1")

	states, err := store.GetWorkflowState(ctx, shipmentWorkflow, scanMapping, &shipmentScanned{TrackingID: ""}, xsaga.MessageAttributes{}, false)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestGetReturnsIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	save(t, store, "T-1")

	first, err := store.GetWorkflowState(ctx, shipmentWorkflow, scanMapping, &shipmentScanned{TrackingID: "T-1"}, xsaga.MessageAttributes{}, false)
	require.NoError(t, err)
	require.Len(t, first, 1)
	first[0].(*shipmentState).Hops = 99

	second, err := store.GetWorkflowState(ctx, shipmentWorkflow, scanMapping, &shipmentScanned{TrackingID: "T-1"}, xsaga.MessageAttributes{}, false)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 0, second[0].(*shipmentState).Hops)
}

func TestSaveUnknownWorkflowFails(t *testing.T) {
	store := memory.New(xsaga.BackendDeps{Serializer: xsaga.NewSerializer(nil)})
	s := &shipmentState{StateBase: xsaga.StateBase{ID: uuid.NewString(), Name: "never-initialized"}}
	require.Error(t, store.SaveWorkflowState(context.Background(), s))
}
