package codec

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// CSV encodes/decodes a Message payload as a single positional CSV row.
// Headers names the columns in order; a blank header skips that column on
// encode and decode. Payload must be, or decode into, map[string]string.
type CSV struct {
	Headers []string
}

func (CSV) MimeType() string { return "text/csv" }

func (e CSV) Encode(msg core.Message) ([]byte, error) {
	row, ok := msg.Payload.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("codec: csv encoder requires map[string]string payload, got %T", msg.Payload)
	}

	record := make([]string, 0, len(e.Headers))
	for _, h := range e.Headers {
		if h == "" {
			continue
		}
		record = append(record, row[h])
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(record); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e CSV) Decode(data []byte, typeName string) (core.Message, error) {
	r := csv.NewReader(bytes.NewReader(data))
	record, err := r.Read()
	if err != nil {
		return core.Message{}, err
	}

	activeHeaders := 0
	for _, h := range e.Headers {
		if h != "" {
			activeHeaders++
		}
	}
	if len(record) > activeHeaders {
		return core.Message{}, fmt.Errorf("codec: csv row has %d columns, more than %d configured headers", len(record), activeHeaders)
	}

	row := make(map[string]string, activeHeaders)
	col := 0
	for _, h := range e.Headers {
		if h == "" {
			continue
		}
		if col < len(record) {
			row[h] = record[col]
		}
		col++
	}

	return core.Message{Type: typeName, Payload: row}, nil
}
