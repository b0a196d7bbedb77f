package observers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/daalu-io/daalu/pkg/engine"
)

// JSONL appends one JSON document per event. Each line is flushed before
// OnEvent returns so a crash leaves a readable prefix.
type JSONL struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	path   string
}

// NewJSONL creates a JSON-lines observer writing to w.
func NewJSONL(w io.Writer) *JSONL {
	j := &JSONL{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		j.closer = c
	}
	return j
}

// OpenJSONL creates (or appends to) the file at path.
func OpenJSONL(path string) (*JSONL, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	j := NewJSONL(f)
	j.path = path
	return j, nil
}

// Path returns the file path, empty when writing to an arbitrary writer.
func (j *JSONL) Path() string { return j.path }

// Name implements engine.Observer.
func (j *JSONL) Name() string { return "jsonl" }

// OnEvent implements engine.Observer.
func (j *JSONL) OnEvent(_ context.Context, e engine.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return j.w.Flush()
}

// Close flushes and closes the underlying writer when it is closable.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.w.Flush(); err != nil {
		return err
	}
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// ReadJSONL decodes a JSON-lines event log.
func ReadJSONL(r io.Reader) ([]engine.Event, error) {
	var events []engine.Event
	dec := json.NewDecoder(r)
	for dec.More() {
		var e engine.Event
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, nil
}
