package jsonutil

import (
	"bytes"
	"strings"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	in := sample{Name: "exploit/multi/handler", Count: 3}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestStreamEncoderNewlineDelimited(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewStreamEncoder(&buf)
	for _, s := range []sample{{Name: "a"}, {Name: "b"}} {
		if err := enc.Encode(s); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		if !Valid([]byte(line)) {
			t.Errorf("line is not valid JSON: %q", line)
		}
	}
}

func TestStreamDecoder(t *testing.T) {
	t.Parallel()

	dec := NewStreamDecoder(strings.NewReader(`{"name":"x","count":1}` + "\n" + `{"name":"y","count":2}`))
	var a, b sample
	if err := dec.Decode(&a); err != nil {
		t.Fatalf("Decode first: %v", err)
	}
	if err := dec.Decode(&b); err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if a.Name != "x" || b.Count != 2 {
		t.Errorf("decoded %+v %+v", a, b)
	}
}
