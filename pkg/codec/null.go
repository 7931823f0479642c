package codec

import (
	"fmt"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// Null passes bytes through unchanged; Payload must be, or decode into,
// []byte.
type Null struct{}

func (Null) MimeType() string { return "application/octet-stream" }

func (Null) Encode(msg core.Message) ([]byte, error) {
	b, ok := msg.Payload.([]byte)
	if !ok {
		return nil, fmt.Errorf("codec: null encoder requires []byte payload, got %T", msg.Payload)
	}
	return b, nil
}

func (Null) Decode(data []byte, typeName string) (core.Message, error) {
	return core.Message{Type: typeName, Payload: data}, nil
}
