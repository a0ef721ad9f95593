package xsaga

import (
	"reflect"
	"sync"
)

// Hook names the observable bus operations.
type Hook string

const (
	// HookSend fires synchronously before a command reaches the transport.
	HookSend Hook = "send"
	// HookPublish fires synchronously before an event reaches the transport.
	HookPublish Hook = "publish"
	// HookError fires after decoding or a handler invocation fails, before
	// the message returns to the transport.
	HookError Hook = "error"
)

// HookEvent is the argument to a hook callback. Message and Attributes are
// set for every hook, except that Message is nil when HookError reports a
// decode failure; Err and TransportMessage are set only for HookError.
type HookEvent struct {
	Message          Message
	Attributes       MessageAttributes
	Err              error
	TransportMessage *TransportMessage
}

// HookCallback observes a bus operation. Returning an error makes the bus
// treat the triggering operation as failed; there is no error isolation
// between listeners.
type HookCallback func(ev HookEvent) error

type hookEmitter struct {
	mu        sync.RWMutex
	listeners map[Hook][]registeredCallback
}

type registeredCallback struct {
	fn  HookCallback
	key uintptr
}

func newHookEmitter() *hookEmitter {
	return &hookEmitter{listeners: make(map[Hook][]registeredCallback)}
}

func (e *hookEmitter) on(h Hook, cb HookCallback) {
	e.mu.Lock()
	e.listeners[h] = append(e.listeners[h], registeredCallback{
		fn:  cb,
		key: reflect.ValueOf(cb).Pointer(),
	})
	e.mu.Unlock()
}

func (e *hookEmitter) off(h Hook, cb HookCallback) {
	key := reflect.ValueOf(cb).Pointer()
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.listeners[h]
	for i, reg := range list {
		if reg.key == key {
			e.listeners[h] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// emit invokes listeners synchronously in registration order. The listener
// list is snapshotted at fire time: callbacks registered during a firing are
// not invoked for that firing. The first listener error aborts the rest and
// propagates to the caller.
func (e *hookEmitter) emit(h Hook, ev HookEvent) error {
	e.mu.RLock()
	list := e.listeners[h]
	snapshot := make([]registeredCallback, len(list))
	copy(snapshot, list)
	e.mu.RUnlock()

	for _, reg := range snapshot {
		if err := reg.fn(ev); err != nil {
			return err
		}
	}
	return nil
}
