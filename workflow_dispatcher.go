package xsaga

import (
	"context"
	"strconv"
	"sync"

	"github.com/trickstertwo/xlog"
)

// stateDispatcher runs a workflow step against one or more live instances:
// snapshot the state, invoke the step on the snapshot, persist the outcome
// under optimistic concurrency.
type stateDispatcher struct {
	persistence Persistence
	serializer  *Serializer
	logger      *xlog.Logger
}

// dispatchAll loads the instances a message addresses and runs the step
// against each concurrently. Instances live in distinct rows and do not
// contend; any failure propagates so the bus returns the message.
func (d *stateDispatcher) dispatchAll(ctx context.Context, wf WorkflowBinding, binding whenBinding, msg Message, attrs MessageAttributes) error {
	states, err := d.persistence.GetWorkflowState(ctx, wf.WorkflowName(), binding.mapping, msg, attrs, false)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		d.logger.Debug().
			Str("workflow", wf.WorkflowName()).
			Str("message", msg.MessageName()).
			Msg("message addresses no live workflow instance")
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, state := range states {
		wg.Add(1)
		go func(state WorkflowState) {
			defer wg.Done()
			if err := d.dispatch(ctx, wf, binding, msg, attrs, state); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(state)
	}
	wg.Wait()
	return firstErr
}

// dispatch runs one step against one instance. The step only ever sees a
// defensive copy; the mutated copy is what gets persisted.
func (d *stateDispatcher) dispatch(ctx context.Context, wf WorkflowBinding, binding whenBinding, msg Message, attrs MessageAttributes, state WorkflowState) error {
	snapshot, err := d.serializer.CloneState(state, wf.newWorkflowState)
	if err != nil {
		return err
	}

	result, err := binding.step(ctx, msg, attrs, snapshot)
	if err != nil {
		return err
	}

	base := snapshot.Base()
	switch result {
	case StepNoop:
		d.logger.Debug().
			Str("workflow", wf.WorkflowName()).
			Str("workflowId", base.ID).
			Msg("workflow step returned no changes")
		return nil
	case StepDiscard:
		d.logger.Debug().
			Str("workflow", wf.WorkflowName()).
			Str("workflowId", base.ID).
			Msg("discarding workflow step output")
		return nil
	case StepComplete:
		base.Status = StatusComplete
	}

	if err := d.persistence.SaveWorkflowState(ctx, snapshot); err != nil {
		d.logger.Warn().
			Str("workflow", wf.WorkflowName()).
			Str("workflowId", base.ID).
			Str("version", strconv.Itoa(base.Version)).
			Err(err).
			Msg("failed to persist workflow state")
		return err
	}
	d.logger.Debug().
		Str("workflow", wf.WorkflowName()).
		Str("workflowId", base.ID).
		Str("version", strconv.Itoa(base.Version)).
		Msg("persisted workflow state")
	return nil
}
