package xsaga

import "maps"

// Message is any value traveling the bus. The name is the routing
// discriminator: it decides which handlers receive the message and which
// factory decodes it off the wire.
//
// Commands and events are conventions, not types. A command is addressed
// point-to-point and has one intended handler; an event is broadcast to any
// number of handlers. The dispatch core treats both identically.
type Message interface {
	MessageName() string
}

// MessageAttributes is the metadata accompanying every message.
type MessageAttributes struct {
	// CorrelationID ties together related messages across a causal chain.
	CorrelationID string
	// Attributes travel with this message only.
	Attributes map[string]any
	// StickyAttributes propagate to every message subsequently sent or
	// published from within a handler invocation, nested or not.
	StickyAttributes map[string]any
}

// Clone returns a deep copy so a frame can be mutated without aliasing the
// caller's maps.
func (a MessageAttributes) Clone() MessageAttributes {
	out := MessageAttributes{CorrelationID: a.CorrelationID}
	if a.Attributes != nil {
		out.Attributes = maps.Clone(a.Attributes)
	}
	if a.StickyAttributes != nil {
		out.StickyAttributes = maps.Clone(a.StickyAttributes)
	}
	return out
}

// TransportMessage pairs the wire form of a domain message with the
// transport-specific raw envelope. Its lifetime is bounded by the in-flight
// lease the transport holds until DeleteMessage or ReturnMessage.
type TransportMessage struct {
	// ID is the transport-assigned identifier.
	ID string
	// Name is the domain message name carried on the wire.
	Name string
	// Payload is the codec-encoded domain message.
	Payload []byte
	// Attributes are the decoded message attributes.
	Attributes MessageAttributes
	// Raw is the transport-specific envelope (lease token, receipt handle,
	// stream entry). Only the owning transport interprets it.
	Raw any
}

// GenericMessage carries a message that arrived without a registered name,
// typically authored outside this bus. Resolver predicates inspect Fields to
// decide whether a handler wants it.
type GenericMessage struct {
	Name   string
	Fields map[string]any
}

func (m *GenericMessage) MessageName() string { return m.Name }
