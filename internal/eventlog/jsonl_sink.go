package eventlog

import (
	"encoding/json"
	"io"
	"sync"
)

// JSONLSink appends one JSON object per line to an io.Writer, typically a
// file opened in append mode.
type JSONLSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewJSONLSink wraps w as a Sink.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w, enc: json.NewEncoder(w)}
}

func (s *JSONLSink) WriteCycle(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(r)
}
