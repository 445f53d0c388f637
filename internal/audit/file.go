package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileSink appends events to a writer as newline-delimited JSON. Used for
// local compliance capture and for feeding recorded events back into
// offline analysis.
type FileSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewFileSink opens (or creates) path in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	return &FileSink{w: f, closer: f}, nil
}

// NewWriterSink wraps an arbitrary writer. The caller owns the writer's
// lifecycle.
func NewWriterSink(w io.Writer) *FileSink {
	return &FileSink{w: w}
}

func (s *FileSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.NewEncoder(s.w).Encode(ev)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
