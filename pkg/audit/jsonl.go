package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/msfmcp/msfmcp/pkg/jsonutil"
)

// JSONLWriter appends events to a newline-delimited JSON file. This is the
// durable audit trail; one line per event, append-only, mode 0600.
type JSONLWriter struct {
	mu  sync.Mutex
	f   *os.File
	bw  *bufio.Writer
	enc *jsonutil.Encoder
}

// NewJSONLWriter opens (or creates) the audit file at path.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	return &JSONLWriter{f: f, bw: bw, enc: jsonutil.NewStreamEncoder(bw)}, nil
}

// Write appends one event line.
func (w *JSONLWriter) Write(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(event)
}

// Flush drains the buffer to disk.
func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Close flushes and closes the underlying file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// SupportsEvent reports true for every type; the trail is complete.
func (w *JSONLWriter) SupportsEvent(EventType) bool { return true }
