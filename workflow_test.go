package xsaga_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsaga"
	memadapter "github.com/trickstertwo/xsaga/adapter/memory"
	pmem "github.com/trickstertwo/xsaga/persistence/memory"
)

const orderWorkflowName = "order-workflow"

type orderState struct {
	xsaga.StateBase
	OrderID string `json:"orderId"`
	Events  int    `json:"events"`
}

func newOrderState() *orderState { return &orderState{} }

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

func (orderPlaced) MessageName() string { return "wf-order-placed" }

type orderAdvanced struct {
	OrderID string `json:"orderId"`
}

func (orderAdvanced) MessageName() string { return "wf-order-advanced" }

func advancedLookup(msg *orderAdvanced, _ xsaga.MessageAttributes) any { return msg.OrderID }

func newWorkflowBus(t *testing.T, ctx context.Context, wf xsaga.WorkflowBinding) (*xsaga.Bus, *memadapter.Transport, *pmem.Store) {
	t.Helper()
	tr := newTestTransport()
	store := pmem.New(testDeps())
	bus, err := xsaga.Configure().
		WithTransportInstance(tr).
		WithPersistenceInstance(store).
		WithWorkflow(wf).
		Initialize(ctx)
	require.NoError(t, err)
	return bus, tr, store
}

func seedOrder(t *testing.T, ctx context.Context, store *pmem.Store, orderID string) *orderState {
	t.Helper()
	s := &orderState{
		StateBase: xsaga.StateBase{
			ID:     uuid.NewString(),
			Name:   orderWorkflowName,
			Status: xsaga.StatusRunning,
		},
		OrderID: orderID,
	}
	require.NoError(t, store.SaveWorkflowState(ctx, s))
	require.Equal(t, 1, s.Base().Version)
	return s
}

func fetchOrders(ctx context.Context, store *pmem.Store, orderID string, includeCompleted bool) ([]*orderState, error) {
	mapping := xsaga.WorkflowMapping{
		Lookup: func(xsaga.Message, xsaga.MessageAttributes) any { return orderID },
		MapsTo: "orderId",
	}
	states, err := store.GetWorkflowState(ctx, orderWorkflowName, mapping, &orderAdvanced{}, xsaga.MessageAttributes{}, includeCompleted)
	if err != nil {
		return nil, err
	}
	out := make([]*orderState, 0, len(states))
	for _, s := range states {
		out = append(out, s.(*orderState))
	}
	return out, nil
}

func TestWorkflowStartedByCreatesInstance(t *testing.T) {
	ctx := context.Background()

	wf := xsaga.NewWorkflow(orderWorkflowName, newOrderState)
	xsaga.StartedBy(wf, func() *orderPlaced { return &orderPlaced{} },
		func(ctx context.Context, msg *orderPlaced, attrs xsaga.MessageAttributes, state *orderState) (xsaga.StepResult, error) {
			state.OrderID = msg.OrderID
			return xsaga.StepUpdate, nil
		})
	xsaga.When(wf, func() *orderAdvanced { return &orderAdvanced{} },
		func(ctx context.Context, msg *orderAdvanced, attrs xsaga.MessageAttributes, state *orderState) (xsaga.StepResult, error) {
			return xsaga.StepNoop, nil
		},
		advancedLookup, "orderId")

	bus, tr, store := newWorkflowBus(t, ctx, wf)
	require.NoError(t, bus.Start(ctx))
	defer func() { require.NoError(t, bus.Stop(ctx)) }()

	require.NoError(t, bus.Publish(ctx, &orderPlaced{OrderID: "A"}))
	require.NoError(t, bus.Publish(ctx, &orderPlaced{OrderID: "A"}))

	require.Eventually(t, func() bool {
		states, err := fetchOrders(ctx, store, "A", false)
		return err == nil && len(states) == 2 && tr.Depth() == 0
	}, waitFor, tick)

	states, err := fetchOrders(ctx, store, "A", false)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.NotEqual(t, states[0].Base().ID, states[1].Base().ID)
	for _, s := range states {
		base := s.Base()
		_, err := uuid.Parse(base.ID)
		assert.NoError(t, err)
		assert.Equal(t, orderWorkflowName, base.Name)
		assert.Equal(t, xsaga.StatusRunning, base.Status)
		assert.Equal(t, 1, base.Version)
		assert.Equal(t, "A", s.OrderID)
	}
}

func TestWorkflowLookupDispatchesPerInstance(t *testing.T) {
	ctx := context.Background()
	var stepCalls atomic.Int64

	wf := xsaga.NewWorkflow(orderWorkflowName, newOrderState)
	xsaga.When(wf, func() *orderAdvanced { return &orderAdvanced{} },
		func(ctx context.Context, msg *orderAdvanced, attrs xsaga.MessageAttributes, state *orderState) (xsaga.StepResult, error) {
			stepCalls.Add(1)
			state.Events++
			return xsaga.StepUpdate, nil
		},
		advancedLookup, "orderId")

	bus, tr, store := newWorkflowBus(t, ctx, wf)
	seedOrder(t, ctx, store, "X")
	seedOrder(t, ctx, store, "X")
	seedOrder(t, ctx, store, "Y")

	require.NoError(t, bus.Start(ctx))
	defer func() { require.NoError(t, bus.Stop(ctx)) }()

	require.NoError(t, bus.Publish(ctx, &orderAdvanced{OrderID: "X"}))

	require.Eventually(t, func() bool {
		return stepCalls.Load() == 2 && tr.Depth() == 0
	}, waitFor, tick)

	xs, err := fetchOrders(ctx, store, "X", false)
	require.NoError(t, err)
	require.Len(t, xs, 2)
	for _, s := range xs {
		assert.Equal(t, 2, s.Base().Version)
		assert.Equal(t, 1, s.Events)
	}

	ys, err := fetchOrders(ctx, store, "Y", false)
	require.NoError(t, err)
	require.Len(t, ys, 1)
	assert.Equal(t, 1, ys[0].Base().Version)
	assert.Equal(t, 0, ys[0].Events)
}

func TestWorkflowDiscardSkipsPersistence(t *testing.T) {
	ctx := context.Background()
	var stepCalls atomic.Int64

	wf := xsaga.NewWorkflow(orderWorkflowName, newOrderState)
	xsaga.When(wf, func() *orderAdvanced { return &orderAdvanced{} },
		func(ctx context.Context, msg *orderAdvanced, attrs xsaga.MessageAttributes, state *orderState) (xsaga.StepResult, error) {
			stepCalls.Add(1)
			state.Events = 42
			return xsaga.StepDiscard, nil
		},
		advancedLookup, "orderId")

	bus, tr, store := newWorkflowBus(t, ctx, wf)
	seedOrder(t, ctx, store, "X")

	require.NoError(t, bus.Start(ctx))
	defer func() { require.NoError(t, bus.Stop(ctx)) }()

	require.NoError(t, bus.Publish(ctx, &orderAdvanced{OrderID: "X"}))

	require.Eventually(t, func() bool {
		return stepCalls.Load() == 1 && tr.Depth() == 0
	}, waitFor, tick)

	states, err := fetchOrders(ctx, store, "X", false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].Base().Version)
	assert.Equal(t, 0, states[0].Events)
}

func TestWorkflowStepSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	var stepCalls atomic.Int64

	wf := xsaga.NewWorkflow(orderWorkflowName, newOrderState)
	xsaga.When(wf, func() *orderAdvanced { return &orderAdvanced{} },
		func(ctx context.Context, msg *orderAdvanced, attrs xsaga.MessageAttributes, state *orderState) (xsaga.StepResult, error) {
			stepCalls.Add(1)
			// Mutations on the snapshot must not leak into the store
			// without a persist.
			state.Events = 1000
			state.OrderID = "mutated"
			return xsaga.StepNoop, nil
		},
		advancedLookup, "orderId")

	bus, tr, store := newWorkflowBus(t, ctx, wf)
	seedOrder(t, ctx, store, "X")

	require.NoError(t, bus.Start(ctx))
	defer func() { require.NoError(t, bus.Stop(ctx)) }()

	require.NoError(t, bus.Publish(ctx, &orderAdvanced{OrderID: "X"}))

	require.Eventually(t, func() bool {
		return stepCalls.Load() == 1 && tr.Depth() == 0
	}, waitFor, tick)

	states, err := fetchOrders(ctx, store, "X", false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "X", states[0].OrderID)
	assert.Equal(t, 0, states[0].Events)
	assert.Equal(t, 1, states[0].Base().Version)
}

func TestWorkflowCompleteLeavesActiveLookup(t *testing.T) {
	ctx := context.Background()
	var stepCalls atomic.Int64

	wf := xsaga.NewWorkflow(orderWorkflowName, newOrderState)
	xsaga.When(wf, func() *orderAdvanced { return &orderAdvanced{} },
		func(ctx context.Context, msg *orderAdvanced, attrs xsaga.MessageAttributes, state *orderState) (xsaga.StepResult, error) {
			stepCalls.Add(1)
			return xsaga.StepComplete, nil
		},
		advancedLookup, "orderId")

	bus, tr, store := newWorkflowBus(t, ctx, wf)
	seedOrder(t, ctx, store, "X")

	require.NoError(t, bus.Start(ctx))
	defer func() { require.NoError(t, bus.Stop(ctx)) }()

	require.NoError(t, bus.Publish(ctx, &orderAdvanced{OrderID: "X"}))
	require.Eventually(t, func() bool {
		return stepCalls.Load() == 1 && tr.Depth() == 0
	}, waitFor, tick)

	active, err := fetchOrders(ctx, store, "X", false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := fetchOrders(ctx, store, "X", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, xsaga.StatusComplete, all[0].Base().Status)
	assert.Equal(t, 2, all[0].Base().Version)

	// A further message finds no live instance and is simply deleted.
	require.NoError(t, bus.Publish(ctx, &orderAdvanced{OrderID: "X"}))
	require.Eventually(t, func() bool { return tr.Depth() == 0 }, waitFor, tick)
	assert.Equal(t, int64(1), stepCalls.Load())
}

func TestWorkflowOptimisticConcurrencyRetries(t *testing.T) {
	ctx := context.Background()
	var stepCalls atomic.Int64
	var errorHooks atomic.Int64
	store := pmem.New(testDeps())

	wf := xsaga.NewWorkflow(orderWorkflowName, newOrderState)
	xsaga.When(wf, func() *orderAdvanced { return &orderAdvanced{} },
		func(ctx context.Context, msg *orderAdvanced, attrs xsaga.MessageAttributes, state *orderState) (xsaga.StepResult, error) {
			if stepCalls.Add(1) == 1 {
				// Advance the row out of band so the engine's save loses
				// the version race.
				rows, err := fetchOrders(ctx, store, "X", false)
				if err != nil {
					return xsaga.StepNoop, err
				}
				rows[0].Events = 99
				if err := store.SaveWorkflowState(ctx, rows[0]); err != nil {
					return xsaga.StepNoop, err
				}
			}
			state.Events++
			return xsaga.StepUpdate, nil
		},
		advancedLookup, "orderId")

	tr := newTestTransport()
	bus, err := xsaga.Configure().
		WithTransportInstance(tr).
		WithPersistenceInstance(store).
		WithWorkflow(wf).
		Initialize(ctx)
	require.NoError(t, err)

	bus.On(xsaga.HookError, func(ev xsaga.HookEvent) error {
		errorHooks.Add(1)
		return nil
	})

	seedOrder(t, ctx, store, "X")
	require.NoError(t, bus.Start(ctx))
	defer func() { require.NoError(t, bus.Stop(ctx)) }()

	require.NoError(t, bus.Publish(ctx, &orderAdvanced{OrderID: "X"}))

	require.Eventually(t, func() bool {
		return stepCalls.Load() == 2 && tr.Depth() == 0
	}, waitFor, tick)

	states, err := fetchOrders(ctx, store, "X", false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	// seed(1) + out-of-band(2) + retried step(3)
	assert.Equal(t, 3, states[0].Base().Version)
	assert.Equal(t, 100, states[0].Events)

	// Optimistic failures recover via redelivery, not the error hook.
	assert.Equal(t, int64(0), errorHooks.Load())
}

func TestWorkflowEmptyLookupKeyIgnoresMessage(t *testing.T) {
	ctx := context.Background()
	var stepCalls atomic.Int64

	wf := xsaga.NewWorkflow(orderWorkflowName, newOrderState)
	xsaga.When(wf, func() *orderAdvanced { return &orderAdvanced{} },
		func(ctx context.Context, msg *orderAdvanced, attrs xsaga.MessageAttributes, state *orderState) (xsaga.StepResult, error) {
			stepCalls.Add(1)
			return xsaga.StepUpdate, nil
		},
		advancedLookup, "orderId")

	bus, tr, store := newWorkflowBus(t, ctx, wf)
	seedOrder(t, ctx, store, "X")

	require.NoError(t, bus.Start(ctx))
	defer func() { require.NoError(t, bus.Stop(ctx)) }()

	require.NoError(t, bus.Publish(ctx, &orderAdvanced{OrderID: ""}))

	require.Eventually(t, func() bool { return tr.Depth() == 0 }, waitFor, tick)
	assert.Equal(t, int64(0), stepCalls.Load())
	assert.Equal(t, uint64(1), tr.Stats().Deleted)
}

func TestWorkflowRequiresPersistence(t *testing.T) {
	wf := xsaga.NewWorkflow(orderWorkflowName, newOrderState)

	_, err := xsaga.Configure().
		WithTransportInstance(newTestTransport()).
		WithWorkflow(wf).
		Initialize(context.Background())
	require.ErrorIs(t, err, xsaga.ErrPersistenceNotConfigured)
}

func TestDuplicateWorkflowNameFails(t *testing.T) {
	a := xsaga.NewWorkflow(orderWorkflowName, newOrderState)
	b := xsaga.NewWorkflow(orderWorkflowName, newOrderState)

	_, err := xsaga.Configure().
		WithTransportInstance(newTestTransport()).
		WithPersistenceInstance(pmem.New(testDeps())).
		WithWorkflow(a).
		WithWorkflow(b).
		Initialize(context.Background())

	var dup *xsaga.WorkflowAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, orderWorkflowName, dup.WorkflowName)
}
