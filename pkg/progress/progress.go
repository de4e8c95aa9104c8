// Package progress provides progress reporting for long-running restores and cleanups.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Callback receives progress updates during long operations.
type Callback func(op string, current, total int, message string)

// Noop is a no-op callback for default behavior.
func Noop(op string, current, total int, message string) {}

// Progress tracks operation progress.
type Progress struct {
	Op      string
	Total   int
	current int
	cb      Callback
}

// New creates a new Progress tracker.
func New(op string, total int, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{Op: op, Total: total, cb: cb}
}

// Increment advances the progress and calls the callback.
func (p *Progress) Increment(message string) {
	p.current++
	p.cb(p.Op, p.current, p.Total, message)
}

// Done marks the operation as complete.
func (p *Progress) Done(message string) {
	p.current = p.Total
	p.cb(p.Op, p.current, p.Total, message)
}

// Current returns the current progress value.
func (p *Progress) Current() int {
	return p.current
}

// Terminal renders a single-line progress bar, used by attendctl for restores.
type Terminal struct {
	mu          sync.Mutex
	w           io.Writer
	lastLineLen int
}

// NewTerminal creates a progress bar writing to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

// Callback returns a Callback drawing into the terminal.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, message string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.render(op, current, total, message)
		if current >= total {
			fmt.Fprintln(t.w)
			t.lastLineLen = 0
		}
	}
}

func (t *Terminal) render(op string, current, total int, message string) {
	if total <= 0 {
		total = 1
	}
	const barWidth = 30
	filled := barWidth * current / total
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	clear := "\r"
	if t.lastLineLen > 0 {
		clear = "\r" + strings.Repeat(" ", t.lastLineLen) + "\r"
	}
	line := fmt.Sprintf("%s [%s] %d/%d", op, bar, current, total)
	if message != "" {
		line += " " + message
	}
	fmt.Fprint(t.w, clear+line)
	t.lastLineLen = len(line)
}
