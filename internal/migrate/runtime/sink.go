package runtime

import (
	"fmt"
	"io"
	"sync"
)

// Sink receives live progress lines from blocks. Implementations must be
// safe for concurrent use: an assisted block writes from its stdout and
// stderr readers at the same time.
type Sink interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Infof(string, ...any) {}
func (NopSink) Warnf(string, ...any) {}

// WriterSink writes level-tagged lines to one writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

func (s *WriterSink) Infof(format string, args ...any) { s.emit("INFO", format, args...) }
func (s *WriterSink) Warnf(format string, args ...any) { s.emit("WARN", format, args...) }

func (s *WriterSink) emit(level, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s %s\n", level, fmt.Sprintf(format, args...))
}
