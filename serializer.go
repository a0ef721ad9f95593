package xsaga

import "fmt"

// Serializer converts domain messages and workflow states between their
// typed form, a plain map form, and codec-encoded bytes. It is symmetric:
// ToClass(ToPlain(x)) reproduces x for any serializable value, modulo fields
// the codec does not carry.
type Serializer struct {
	codec Codec
}

// NewSerializer wraps a codec. A nil codec falls back to JSON.
func NewSerializer(c Codec) *Serializer {
	if c == nil {
		c = JSONCodec{}
	}
	return &Serializer{codec: c}
}

// Codec returns the wire codec backing this serializer.
func (s *Serializer) Codec() Codec { return s.codec }

// Serialize encodes a value to its wire form.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return data, nil
}

// Deserialize decodes wire bytes into a fresh instance from factory.
func (s *Serializer) Deserialize(data []byte, factory func() Message) (Message, error) {
	msg := factory()
	if err := s.codec.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return msg, nil
}

// ToPlain converts a typed value into a plain map.
func (s *Serializer) ToPlain(v any) (map[string]any, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	plain := map[string]any{}
	if err := s.codec.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return plain, nil
}

// ToClass populates a typed value from a plain map.
func (s *Serializer) ToClass(plain map[string]any, v any) error {
	data, err := s.codec.Marshal(plain)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	if err := s.codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return nil
}

// CloneState produces a defensive deep copy of a workflow state via a codec
// round trip. Workflow steps only ever see such copies, never the live row.
func (s *Serializer) CloneState(state WorkflowState, fresh func() WorkflowState) (WorkflowState, error) {
	data, err := s.codec.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	out := fresh()
	if err := s.codec.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return out, nil
}

// DecodeState decodes stored row bytes into a fresh state instance.
func (s *Serializer) DecodeState(data []byte, fresh func() WorkflowState) (WorkflowState, error) {
	out := fresh()
	if err := s.codec.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return out, nil
}
