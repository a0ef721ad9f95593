package xsaga

import (
	"reflect"
	"sort"
	"sync"

	"github.com/trickstertwo/xlog"
)

// RegisterOption customizes a handler registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	resolver        Resolver
	topicIdentifier string
}

// WithResolver additionally records a predicate entry so the handler can
// receive messages that arrive without a registered name.
func WithResolver(r Resolver) RegisterOption {
	return func(o *registerOptions) { o.resolver = r }
}

// WithTopicIdentifier names the external topic a resolver-routed message
// originates from. Transports may use it to bind extra subscriptions.
func WithTopicIdentifier(topic string) RegisterOption {
	return func(o *registerOptions) { o.topicIdentifier = topic }
}

// A handler's identity is its function pointer for user registrations, or a
// unique token for engine-generated closures (distinct closures over one
// body share a code pointer and must not collide).
type registeredHandler struct {
	fn  Handler
	key any
}

type handlerRegistration struct {
	factory  func() Message
	handlers []registeredHandler
}

type resolverRegistration struct {
	predicate       Resolver
	handler         registeredHandler
	topicIdentifier string
	factory         func() Message
}

// HandlerRegistry maps message names to ordered handler lists, plus a
// separate resolver list for messages arriving without a recognized name.
// It is mutated only during configuration; the bus seals it at Initialize
// and any later write raises.
type HandlerRegistry struct {
	mu            sync.RWMutex
	logger        *xlog.Logger
	registrations map[string]*handlerRegistration
	resolvers     []resolverRegistration
	unhandled     map[string]struct{}
	sealed        bool
}

// NewHandlerRegistry returns an empty registry logging through logger.
func NewHandlerRegistry(logger *xlog.Logger) *HandlerRegistry {
	if logger == nil {
		logger = xlog.Default()
	}
	return &HandlerRegistry{
		logger:        logger,
		registrations: make(map[string]*handlerRegistration),
		unhandled:     make(map[string]struct{}),
	}
}

func handlerKey(h Handler) any {
	return reflect.ValueOf(h).Pointer()
}

// Register records handler against the name produced by factory's messages.
// Registering the same handler function twice for one name fails with
// HandlerAlreadyRegisteredError.
func (r *HandlerRegistry) Register(factory func() Message, handler Handler, opts ...RegisterOption) error {
	return r.register(factory, handler, handlerKey(handler), opts...)
}

// registerUnique records an engine-generated handler under a fresh identity
// token, exempting it from function-pointer deduplication.
func (r *HandlerRegistry) registerUnique(factory func() Message, handler Handler, opts ...RegisterOption) error {
	return r.register(factory, handler, new(int), opts...)
}

func (r *HandlerRegistry) register(factory func() Message, handler Handler, key any, opts ...RegisterOption) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	name := factory().MessageName()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return &LifecycleError{Op: "register handler", State: Initialized}
	}

	reg, ok := r.registrations[name]
	if !ok {
		reg = &handlerRegistration{factory: factory}
		r.registrations[name] = reg
	}
	for _, h := range reg.handlers {
		if h.key == key {
			return &HandlerAlreadyRegisteredError{MessageName: name}
		}
	}
	reg.handlers = append(reg.handlers, registeredHandler{fn: handler, key: key})

	if o.resolver != nil {
		r.resolvers = append(r.resolvers, resolverRegistration{
			predicate:       o.resolver,
			handler:         registeredHandler{fn: handler, key: key},
			topicIdentifier: o.topicIdentifier,
			factory:         factory,
		})
	}
	return nil
}

// Get returns the ordered handlers for a message: those keyed by its name
// first, then resolver matches in registration order. A handler matched both
// ways runs once. An empty result for a named message is logged once per
// name.
func (r *HandlerRegistry) Get(msg Message) []Handler {
	name := msg.MessageName()

	r.mu.RLock()
	var out []Handler
	seen := map[any]struct{}{}
	if reg, ok := r.registrations[name]; ok {
		for _, h := range reg.handlers {
			out = append(out, h.fn)
			seen[h.key] = struct{}{}
		}
	}
	for _, res := range r.resolvers {
		if _, dup := seen[res.handler.key]; dup {
			continue
		}
		if res.predicate(msg) {
			out = append(out, res.handler.fn)
			seen[res.handler.key] = struct{}{}
		}
	}
	r.mu.RUnlock()

	if len(out) == 0 && name != "" {
		r.mu.Lock()
		if _, logged := r.unhandled[name]; !logged {
			r.unhandled[name] = struct{}{}
			r.logger.Warn().Str("message", name).Msg("no handlers registered for message")
		}
		r.mu.Unlock()
	}
	return out
}

// MessageNames returns the sorted names the registry knows.
func (r *HandlerRegistry) MessageNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.registrations))
	for name := range r.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MessageFactory is the reverse lookup from a name to its constructor.
func (r *HandlerRegistry) MessageFactory(name string) (func() Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[name]
	if !ok {
		return nil, false
	}
	return reg.factory, true
}

// Seal freezes the registry. Any Register after Seal raises.
func (r *HandlerRegistry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Reset clears all state. Intended for tests.
func (r *HandlerRegistry) Reset() {
	r.mu.Lock()
	r.registrations = make(map[string]*handlerRegistration)
	r.resolvers = nil
	r.unhandled = make(map[string]struct{})
	r.sealed = false
	r.mu.Unlock()
}
