package duplex

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// JSONCodec encodes messages as JSON documents.
// Decoded messages are the generic encoding/json values (map[string]any,
// []any, string, float64, bool, nil). An empty payload is not valid JSON
// and fails to decode.
type JSONCodec struct {
	// UseNumber decodes numbers as json.Number instead of float64.
	UseNumber bool
}

// Decode parses payload as a single JSON value.
func (c JSONCodec) Decode(payload []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	if c.UseNumber {
		dec.UseNumber()
	}

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "json decode")
	}
	if dec.More() {
		return nil, errors.New("json decode: trailing data after value")
	}
	return v, nil
}

// Encode marshals m as JSON.
func (c JSONCodec) Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "json encode")
	}
	return data, nil
}

// BytesCodec passes payloads through untouched. Decoded messages are []byte;
// Encode accepts []byte or string.
type BytesCodec struct{}

// Decode returns a copy of payload.
func (BytesCodec) Decode(payload []byte) (Message, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// Encode returns the raw bytes of m.
func (BytesCodec) Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.Errorf("bytes encode: unsupported message type %T", m)
	}
}

// ProtoCodec encodes messages with Protocol Buffers.
// New must return an empty message of the type carried on the wire.
type ProtoCodec struct {
	New func() proto.Message
}

// Decode unmarshals payload into a fresh message from New.
func (c ProtoCodec) Decode(payload []byte) (Message, error) {
	if c.New == nil {
		return nil, ErrInvalidCodec
	}
	msg := c.New()
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, errors.Wrap(err, "proto decode")
	}
	return msg, nil
}

// Encode marshals m, which must implement proto.Message.
func (c ProtoCodec) Encode(m Message) ([]byte, error) {
	pm, ok := m.(proto.Message)
	if !ok {
		return nil, errors.Errorf("proto encode: %T is not a proto.Message", m)
	}
	data, err := proto.Marshal(pm)
	if err != nil {
		return nil, errors.Wrap(err, "proto encode")
	}
	return data, nil
}
