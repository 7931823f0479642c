// Package codec provides the engine's message encoders: JSON, CSV, and a
// pass-through null encoder.
package codec

import (
	"encoding/json"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// JSON encodes/decodes a Message's payload as a JSON body. The message
// type is carried out-of-band by the caller (e.g. a sink's own envelope);
// Decode takes the type name as a separate argument.
//
// If payload implements core.JSONEmbedder, Encode marshals the value it
// returns instead of the payload itself. If NewPayload is set and its
// returned zero value implements core.JSONUnembedder, Decode constructs
// that zero value and calls FromJSONEmbedding with the parsed body instead
// of unmarshaling directly into it.
type JSON struct {
	// NewPayload optionally constructs a concrete payload type for a given
	// type name. If nil or it returns nil, Decode yields a generic
	// map[string]any payload.
	NewPayload func(typeName string) any
}

func (JSON) MimeType() string { return "application/json" }

func (e JSON) Encode(msg core.Message) ([]byte, error) {
	body := any(msg.Payload)
	if embedder, ok := msg.Payload.(core.JSONEmbedder); ok {
		embedded, err := embedder.ToJSONEmbedding()
		if err != nil {
			return nil, err
		}
		body = embedded
	}
	return json.Marshal(body)
}

func (e JSON) Decode(data []byte, typeName string) (core.Message, error) {
	var payload any
	if e.NewPayload != nil {
		payload = e.NewPayload(typeName)
	}

	if payload == nil {
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return core.Message{}, err
		}
		return core.Message{Type: typeName, Payload: generic}, nil
	}

	if unembedder, ok := payload.(core.JSONUnembedder); ok {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return core.Message{}, err
		}
		if err := unembedder.FromJSONEmbedding(raw); err != nil {
			return core.Message{}, err
		}
		return core.Message{Type: typeName, Payload: payload}, nil
	}

	// payload is expected to be a pointer (e.g. &MyPayload{}) so Unmarshal
	// can populate it in place.
	if err := json.Unmarshal(data, payload); err != nil {
		return core.Message{}, err
	}
	return core.Message{Type: typeName, Payload: payload}, nil
}
