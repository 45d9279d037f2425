package block

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

// Shared subprocess plumbing for CommandBlock and AssistedBlock. Shell and
// process-group control are platform-specific and live in proc_unix.go /
// proc_windows.go.

const (
	// killGrace bounds how long we wait for a forcibly killed process to be
	// reaped before giving up on it.
	killGrace = 3 * time.Second
	// stdinJoinBound bounds the join on the stdin writer task; it finishes
	// almost immediately after the prompt is flushed.
	stdinJoinBound = 2 * time.Second
)

// lineBuffer accumulates lines from one stream. The mutex matters on the
// timeout and cancel paths, where the block assembles its outcome while the
// reader goroutines may still be flushing.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *lineBuffer) Append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.lines...)
}

func (b *lineBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// streamLines reads r line by line until EOF or read error, invoking fn for
// each line as it arrives. Lines up to 1 MiB are tolerated; a longer line
// stops the read and is reported, since silently dropping the rest of the
// stream would masquerade as a hung process.
func streamLines(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	return sc.Err()
}

// waitBounded waits for done to close within bound. A false return means the
// bound elapsed first; the task is then abandoned and never awaited again.
func waitBounded(done <-chan struct{}, bound time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(bound):
		return false
	}
}
