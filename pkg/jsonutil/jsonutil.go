// Package jsonutil wraps github.com/go-json-experiment/json behind an
// encoding/json-shaped API. It is used on every hot path that serializes
// tool results or audit events.
package jsonutil

import (
	"io"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Unmarshal parses the JSON-encoded data and stores the result in v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalIndent returns the indented JSON encoding of v.
func MarshalIndent(v any, _ string, indent string) ([]byte, error) {
	return json.Marshal(v, jsontext.WithIndent(indent))
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return jsontext.Value(data).IsValid()
}

// Encoder is a streaming encoder that writes one value per line, matching
// encoding/json.Encoder behaviour. The audit JSONL sink is built on it.
type Encoder struct {
	w io.Writer
}

// NewStreamEncoder creates an encoder that writes to w.
func NewStreamEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the JSON encoding of v to the stream, followed by a newline.
func (e *Encoder) Encode(v any) error {
	if err := json.MarshalWrite(e.w, v); err != nil {
		return err
	}
	_, err := e.w.Write([]byte{'\n'})
	return err
}

// Decoder is a streaming decoder compatible with encoding/json.Decoder.
type Decoder struct {
	r io.Reader
}

// NewStreamDecoder creates a decoder that reads from r.
func NewStreamDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next JSON-encoded value from the stream and stores it in v.
func (d *Decoder) Decode(v any) error {
	return json.UnmarshalRead(d.r, v)
}
