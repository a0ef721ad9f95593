package xsaga

import "context"

// HandlerContext carries the decoded message and its attributes into a
// handler invocation.
type HandlerContext struct {
	Message    Message
	Attributes MessageAttributes
}

// Handler processes a single message. A non-nil error returns the message to
// the transport for redelivery.
type Handler func(ctx context.Context, hctx HandlerContext) error

// MessageHandler is the struct-based handler form: any type with a single
// Handle method. HandlerOf normalizes it to the function form the registry
// stores.
type MessageHandler interface {
	Handle(ctx context.Context, hctx HandlerContext) error
}

// HandlerOf adapts a MessageHandler to a Handler.
func HandlerOf(h MessageHandler) Handler {
	return h.Handle
}

// Resolver decides whether a handler wants a message, typically one that
// arrived without a registered name. Predicates must be pure; they run on
// every message the registry looks up, named or not.
type Resolver func(msg Message) bool
