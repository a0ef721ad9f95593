package xsaga

import (
	"context"
	"maps"

	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xsaga (prevents collisions).
type ctxKey string

const (
	frameCtxKey  ctxKey = "xsaga:frame"
	loggerCtxKey ctxKey = "xsaga:logger"
)

// withMessageFrame installs the context frame for a handler invocation.
// Send/Publish calls made with this context inherit its correlation id and
// sticky attributes.
func withMessageFrame(ctx context.Context, attrs MessageAttributes) context.Context {
	return context.WithValue(ctx, frameCtxKey, attrs.Clone())
}

// MessageFrameFromContext returns the attributes of the handler invocation
// the context belongs to, if any.
func MessageFrameFromContext(ctx context.Context) (MessageAttributes, bool) {
	if v := ctx.Value(frameCtxKey); v != nil {
		if a, ok := v.(MessageAttributes); ok {
			return a, true
		}
	}
	return MessageAttributes{}, false
}

// mergeFrameAttributes combines caller-supplied attributes with the ambient
// frame. Sticky attributes accumulate down the causal chain; the innermost
// caller wins on key collision. The correlation id is inherited unless the
// caller sets its own.
func mergeFrameAttributes(ctx context.Context, attrs MessageAttributes) MessageAttributes {
	frame, ok := MessageFrameFromContext(ctx)
	if !ok {
		return attrs.Clone()
	}
	out := attrs.Clone()
	if out.CorrelationID == "" {
		out.CorrelationID = frame.CorrelationID
	}
	if len(frame.StickyAttributes) > 0 {
		merged := maps.Clone(frame.StickyAttributes)
		maps.Copy(merged, out.StickyAttributes)
		out.StickyAttributes = merged
	}
	return out
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the bus logger previously injected into a
// handler context.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}
