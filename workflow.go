package xsaga

import "context"

// Status is the lifecycle of a workflow instance.
type Status string

const (
	// StatusRunning marks a live instance that still consumes messages.
	StatusRunning Status = "running"
	// StatusComplete terminates an instance; it leaves active lookups but
	// is never deleted.
	StatusComplete Status = "complete"
	// StatusDiscard is a step-returned sentinel meaning "ignore this step's
	// output". It is never persisted.
	StatusDiscard Status = "discard"
)

// StateBase carries the fields every workflow state persists. Embed it in
// your state struct; the engine manages all four fields.
type StateBase struct {
	// ID is assigned on creation and immutable thereafter.
	ID string `json:"$workflowId"`
	// Name matches the owning workflow's name.
	Name string `json:"$name"`
	// Version is 0 before the first save and increments on every
	// successful save. It is the optimistic-concurrency pin.
	Version int `json:"$version"`
	// Status is Running until a step completes the instance.
	Status Status `json:"$status"`
}

// Base lets the engine reach the bookkeeping fields of any embedding state.
func (s *StateBase) Base() *StateBase { return s }

// WorkflowState is any struct embedding StateBase.
type WorkflowState interface {
	Base() *StateBase
}

// StepResult tells the engine what to do with the snapshot a step mutated.
type StepResult int

const (
	// StepNoop persists nothing; the snapshot is dropped.
	StepNoop StepResult = iota
	// StepUpdate persists the mutated snapshot, bumping the version.
	StepUpdate
	// StepComplete persists the snapshot with status Complete.
	StepComplete
	// StepDiscard drops the snapshot without persisting, by design of the
	// step rather than for lack of changes.
	StepDiscard
)

func (r StepResult) String() string {
	switch r {
	case StepNoop:
		return "noop"
	case StepUpdate:
		return "update"
	case StepComplete:
		return "complete"
	case StepDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// erasedStep is the type-erased form every typed step compiles down to. The
// state argument is always a defensive snapshot owned by the step.
type erasedStep func(ctx context.Context, msg Message, attrs MessageAttributes, state WorkflowState) (StepResult, error)

type startedByBinding struct {
	messageFactory func() Message
	step           erasedStep
}

type whenBinding struct {
	messageFactory func() Message
	step           erasedStep
	mapping        WorkflowMapping
}

// Workflow is a declarative, immutable-after-registration definition: which
// message starts an instance, which messages advance existing instances and
// how those instances are looked up.
type Workflow[S WorkflowState] struct {
	name      string
	newState  func() S
	startedBy []startedByBinding
	when      []whenBinding
}

// NewWorkflow declares a workflow. The name must be unique across the
// application; newState constructs an empty state value.
func NewWorkflow[S WorkflowState](name string, newState func() S) *Workflow[S] {
	return &Workflow[S]{name: name, newState: newState}
}

// Name returns the workflow's unique name.
func (w *Workflow[S]) Name() string { return w.name }

// StartedBy maps a message type to the step that creates a new instance.
// The step receives a fresh state (new id, status Running, version 0) and
// usually returns StepUpdate to persist it.
func StartedBy[S WorkflowState, M Message](
	w *Workflow[S],
	factory func() M,
	step func(ctx context.Context, msg M, attrs MessageAttributes, state S) (StepResult, error),
) *Workflow[S] {
	w.startedBy = append(w.startedBy, startedByBinding{
		messageFactory: func() Message { return factory() },
		step:           eraseStep(step),
	})
	return w
}

// When maps a message type to the step advancing existing instances. lookup
// extracts a scalar key from the message; mapsTo names the state field that
// must equal it. Instances are matched among Running states only.
func When[S WorkflowState, M Message](
	w *Workflow[S],
	factory func() M,
	step func(ctx context.Context, msg M, attrs MessageAttributes, state S) (StepResult, error),
	lookup func(msg M, attrs MessageAttributes) any,
	mapsTo string,
) *Workflow[S] {
	w.when = append(w.when, whenBinding{
		messageFactory: func() Message { return factory() },
		step:           eraseStep(step),
		mapping: WorkflowMapping{
			Lookup: func(msg Message, attrs MessageAttributes) any {
				m, ok := msg.(M)
				if !ok {
					return nil
				}
				return lookup(m, attrs)
			},
			MapsTo: mapsTo,
		},
	})
	return w
}

func eraseStep[S WorkflowState, M Message](
	step func(ctx context.Context, msg M, attrs MessageAttributes, state S) (StepResult, error),
) erasedStep {
	return func(ctx context.Context, msg Message, attrs MessageAttributes, state WorkflowState) (StepResult, error) {
		return step(ctx, msg.(M), attrs, state.(S))
	}
}

// WorkflowBinding is the erased view the registry consumes. Workflow[S]
// values satisfy it; user code never implements it directly.
type WorkflowBinding interface {
	WorkflowName() string
	newWorkflowState() WorkflowState
	startedByBindings() []startedByBinding
	whenBindings() []whenBinding
}

func (w *Workflow[S]) WorkflowName() string { return w.name }

func (w *Workflow[S]) newWorkflowState() WorkflowState { return w.newState() }

func (w *Workflow[S]) startedByBindings() []startedByBinding { return w.startedBy }

func (w *Workflow[S]) whenBindings() []whenBinding { return w.when }
