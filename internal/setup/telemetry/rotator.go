package telemetry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// lineRing keeps the most recent lines written to a log file.
type lineRing struct {
	lines    []string
	head     int // next write position
	size     int // lines currently held
	pending  int // lines written since the file was last compacted
	capacity int
}

func newLineRing(capacity int) *lineRing {
	return &lineRing{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

func (r *lineRing) push(line string) {
	r.lines[r.head] = line
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	}

	r.pending++
}

// snapshot returns the held lines oldest first.
func (r *lineRing) snapshot() []string {
	out := make([]string, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity

	for i := range r.size {
		out[i] = r.lines[(start+i)%r.capacity]
	}

	return out
}

// LineCappedWriter writes through to a log file and compacts it down to the
// last maxLines lines once twice that many have been written.
type LineCappedWriter struct {
	mu     sync.Mutex
	writer io.Writer
	ring   *lineRing
	path   string
}

// NewLineCappedWriter wraps writer, which must be the open file at path.
// A non-positive maxLines disables compaction.
func NewLineCappedWriter(writer io.Writer, maxLines int, path string) io.Writer {
	if maxLines <= 0 {
		return writer
	}

	return &LineCappedWriter{
		writer: writer,
		ring:   newLineRing(maxLines),
		path:   path,
	}
}

// Write implements io.Writer.
func (w *LineCappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.writer.Write(p)
	if err != nil {
		return n, err
	}

	for line := range strings.SplitSeq(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}

		w.ring.push(line)

		if w.ring.pending >= w.ring.capacity*2 {
			if err := w.compact(); err != nil {
				return n, fmt.Errorf("failed to compact log file: %w", err)
			}

			w.ring.pending = w.ring.size
		}
	}

	return n, nil
}

// compact replaces the file with the lines held in the ring.
func (w *LineCappedWriter) compact() error {
	temp, err := os.CreateTemp(filepath.Dir(w.path), "compact-log-")
	if err != nil {
		return err
	}

	tempPath := temp.Name()

	if _, err := temp.WriteString(strings.Join(w.ring.snapshot(), "\n") + "\n"); err != nil {
		temp.Close()
		os.Remove(tempPath)

		return err
	}

	temp.Close()

	if closer, ok := w.writer.(io.Closer); ok {
		closer.Close()
	}

	if err := os.Rename(tempPath, w.path); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w.writer = file

	return nil
}
