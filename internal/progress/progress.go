// Package progress prints percent-complete progress lines for long-running adapter calls.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Bar reports progress as a single line rewritten in place.
// It is safe for concurrent use by worker goroutines.
type Bar struct {
	mu      sync.Mutex
	w       io.Writer
	label   string
	total   int
	done    int
	enabled bool
}

// New creates a progress bar writing to stderr. A disabled bar is a no-op.
func New(label string, total int, enabled bool) *Bar {
	return NewWriter(os.Stderr, label, total, enabled)
}

// NewWriter creates a progress bar writing to w
func NewWriter(w io.Writer, label string, total int, enabled bool) *Bar {
	return &Bar{w: w, label: label, total: total, enabled: enabled}
}

// Add marks n more units of work as completed
func (b *Bar) Add(n int) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done += n
	if b.done > b.total {
		b.done = b.total
	}
	pct := 100.0
	if b.total > 0 {
		pct = float64(b.done) / float64(b.total) * 100
	}
	fmt.Fprintf(b.w, "\r%s: %.1f%% complete", b.label, pct)
}

// Finish terminates the progress line
func (b *Bar) Finish() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintln(b.w)
}
