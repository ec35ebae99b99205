package jsonlines

import (
	"bufio"
	"encoding/json"
	"io"
)

// Encoder encodes values as JSON lines.
type Encoder interface {
	// Encode writes the JSON encoding of the given value followed by a
	// newline, and flushes it to the underlying writer.
	Encode(interface{}) error
}

type flusher interface {
	Flush() error
}

type encoder struct {
	w io.Writer
	f flusher
}

// NewEncoder creates a new encoder with the given writer. Every encoded
// value is flushed immediately; a record must be visible to the peer as
// soon as Encode returns.
func NewEncoder(w io.Writer) Encoder {
	e := &encoder{w: w}
	if f, ok := w.(flusher); ok {
		e.f = f
	} else {
		bw := bufio.NewWriter(w)
		e.w = bw
		e.f = bw
	}
	return e
}

func (e *encoder) Encode(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	return e.f.Flush()
}
