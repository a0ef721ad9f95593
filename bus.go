package xsaga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// State is the bus lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Initialized
	Starting
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// readRetryDelay paces the dispatch loop after a transport read failure.
const readRetryDelay = 100 * time.Millisecond

// Bus couples a transport to registered handlers and workflows: it reads
// messages, decodes them, fans them out and acknowledges or returns them.
// Construct only through Configure().
type Bus struct {
	transport   Transport
	persistence Persistence
	serializer  *Serializer
	registry    *HandlerRegistry
	workflows   *WorkflowRegistry
	hooks       *hookEmitter
	logger      *xlog.Logger
	clock       xclock.Clock
	concurrency int

	state      atomic.Int32
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	inflight   sync.WaitGroup
}

// State returns the current lifecycle state.
func (b *Bus) State() State { return State(b.state.Load()) }

// Registry exposes the handler registry for inspection.
func (b *Bus) Registry() *HandlerRegistry { return b.registry }

// On registers a hook callback for send, publish or error.
func (b *Bus) On(hook Hook, cb HookCallback) { b.hooks.on(hook, cb) }

// Off removes a previously registered hook callback.
func (b *Bus) Off(hook Hook, cb HookCallback) { b.hooks.off(hook, cb) }

func (b *Bus) transition(from, to State) bool {
	return b.state.CompareAndSwap(int32(from), int32(to))
}

// Start begins the dispatch loop. Valid from Initialized or Stopped.
func (b *Bus) Start(ctx context.Context) error {
	if !b.transition(Initialized, Starting) && !b.transition(Stopped, Starting) {
		return &LifecycleError{Op: "start", State: b.State()}
	}
	if err := b.transport.Start(ctx); err != nil {
		b.state.Store(int32(Stopped))
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.loopCancel = cancel
	b.loopDone = make(chan struct{})
	go b.dispatchLoop(loopCtx)

	b.state.Store(int32(Started))
	b.logger.Info().Msg("bus started")
	return nil
}

// Stop stops accepting new messages and waits for in-flight handlers to
// drain. Valid from Started only. A handler that never returns blocks Stop;
// handlers are expected to be bounded.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.transition(Started, Stopping) {
		return &LifecycleError{Op: "stop", State: b.State()}
	}
	b.loopCancel()
	<-b.loopDone
	b.inflight.Wait()

	err := b.transport.Stop(ctx)
	b.state.Store(int32(Stopped))
	b.logger.Info().Msg("bus stopped")
	return err
}

// Dispose releases the workflow registry's persistence backend. Call after
// the final Stop.
func (b *Bus) Dispose(ctx context.Context) error {
	return b.workflows.Dispose(ctx)
}

// Publish broadcasts an event. The publish hook fires synchronously before
// the transport call; sticky attributes and the correlation id of the
// ambient handler frame are merged in.
func (b *Bus) Publish(ctx context.Context, event Message, attrs ...MessageAttributes) error {
	return b.outbound(ctx, HookPublish, event, firstAttrs(attrs))
}

// Send dispatches a command to its intended handler. Same hook and frame
// semantics as Publish.
func (b *Bus) Send(ctx context.Context, command Message, attrs ...MessageAttributes) error {
	return b.outbound(ctx, HookSend, command, firstAttrs(attrs))
}

func firstAttrs(attrs []MessageAttributes) MessageAttributes {
	if len(attrs) > 0 {
		return attrs[0]
	}
	return MessageAttributes{}
}

func (b *Bus) outbound(ctx context.Context, hook Hook, msg Message, attrs MessageAttributes) error {
	merged := mergeFrameAttributes(ctx, attrs)
	if err := b.hooks.emit(hook, HookEvent{Message: msg, Attributes: merged}); err != nil {
		return err
	}
	if hook == HookSend {
		return b.transport.Send(ctx, msg, merged)
	}
	return b.transport.Publish(ctx, msg, merged)
}

// dispatchLoop is the single logical worker: it leases up to concurrency
// in-flight messages, each handled on its own goroutine. Every transport
// call is a suspension point; the loop never polls without yielding.
func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.loopDone)
	slots := make(chan struct{}, b.concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		tm, err := b.transport.ReadNextMessage(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("failed to read from transport")
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		if tm == nil {
			<-slots
			continue
		}

		b.inflight.Add(1)
		go func(tm *TransportMessage) {
			defer func() {
				<-slots
				b.inflight.Done()
			}()
			b.handleMessage(tm)
		}(tm)
	}
}

// handleMessage runs one in-flight message to completion. In-flight work is
// never cancelled by Stop; it uses a fresh context.
func (b *Bus) handleMessage(tm *TransportMessage) {
	ctx := injectLogger(context.Background(), b.logger)

	domain, err := b.decodeMessage(tm)
	if err != nil {
		b.logger.Warn().Str("message", tm.Name).Err(err).Msg("failed to decode message")
		b.failMessage(ctx, nil, err, tm)
		return
	}

	handlers := b.registry.Get(domain)
	if len(handlers) == 0 {
		if err := b.transport.DeleteMessage(ctx, tm); err != nil {
			b.logger.Warn().Str("message", tm.Name).Err(err).Msg("failed to delete unhandled message")
		}
		return
	}

	hctx := HandlerContext{Message: domain, Attributes: tm.Attributes}
	fctx := withMessageFrame(ctx, tm.Attributes)

	start := b.clock.Now()
	var handlerErr error
	for _, handler := range handlers {
		if handlerErr = b.invoke(fctx, handler, hctx); handlerErr != nil {
			break
		}
	}
	duration := b.clock.Since(start)

	if handlerErr != nil {
		b.logger.Warn().
			Str("message", tm.Name).
			Dur("duration", duration).
			Err(handlerErr).
			Msg("message handling failed")
		b.failMessage(ctx, domain, handlerErr, tm)
		return
	}

	if err := b.transport.DeleteMessage(ctx, tm); err != nil {
		b.logger.Warn().Str("message", tm.Name).Err(err).Msg("failed to delete message")
		return
	}
	b.logger.Debug().
		Str("message", tm.Name).
		Dur("duration", duration).
		Msg("message handled")
}

func (b *Bus) invoke(ctx context.Context, handler Handler, hctx HandlerContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic recovered: %v", r)
		}
	}()
	return handler(ctx, hctx)
}

// failMessage emits the error hook and returns the message for redelivery.
// Optimistic-concurrency failures skip the hook: redelivery re-runs the step
// against the now-current state, which is the intended recovery.
func (b *Bus) failMessage(ctx context.Context, domain Message, cause error, tm *TransportMessage) {
	var stale *WorkflowStateNotFoundError
	if !errors.As(cause, &stale) {
		if hookErr := b.hooks.emit(HookError, HookEvent{
			Message:          domain,
			Attributes:       tm.Attributes,
			Err:              cause,
			TransportMessage: tm,
		}); hookErr != nil {
			b.logger.Warn().Err(hookErr).Msg("error hook failed")
		}
	}
	if err := b.transport.ReturnMessage(ctx, tm); err != nil {
		b.logger.Error().Str("message", tm.Name).Err(err).Msg("failed to return message to transport")
	}
}

// decodeMessage resolves the constructor for the wire name and decodes the
// payload. Unregistered names decode to a GenericMessage so resolver
// predicates can still route them.
func (b *Bus) decodeMessage(tm *TransportMessage) (Message, error) {
	if factory, ok := b.registry.MessageFactory(tm.Name); ok {
		return b.serializer.Deserialize(tm.Payload, factory)
	}
	fields := map[string]any{}
	if err := b.serializer.Codec().Unmarshal(tm.Payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return &GenericMessage{Name: tm.Name, Fields: fields}, nil
}
