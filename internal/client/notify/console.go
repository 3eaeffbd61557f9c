package notify

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// ConsoleSink prints progress for a human. On a terminal it redraws a single
// status line; otherwise it prints only status changes, one per line.
type ConsoleSink struct {
	mu   sync.Mutex
	w    io.Writer
	tty  bool
	last Status
}

// NewConsoleSink writes to f and detects whether f is a terminal.
func NewConsoleSink(f *os.File) *ConsoleSink {
	return NewConsoleSinkWriter(f, term.IsTerminal(int(f.Fd())))
}

// NewConsoleSinkWriter writes to w; tty selects line redrawing.
func NewConsoleSinkWriter(w io.Writer, tty bool) *ConsoleSink {
	return &ConsoleSink{w: w, tty: tty}
}

func (c *ConsoleSink) Progress(e ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var line string
	switch e.Status {
	case StatusError:
		line = fmt.Sprintf("%s %s failed: %s", e.Operation, e.Target, e.Error)
	case StatusRetrying:
		line = fmt.Sprintf("%s %s: retrying (%s)", e.Operation, e.Target, e.Error)
	case StatusCompleted:
		line = fmt.Sprintf("%s %s: done, %s", e.Operation, e.Target, humanize.IBytes(uint64(max(e.Total, 0))))
	default:
		line = fmt.Sprintf("%s %s: %3d%% (%s / %s)", e.Operation, e.Target, e.Percent,
			humanize.IBytes(uint64(max(e.Current, 0))), humanize.IBytes(uint64(max(e.Total, 0))))
	}

	if c.tty {
		// \033[K clears what is left of a longer previous line.
		fmt.Fprintf(c.w, "\r%s\033[K", line)
		if e.Status == StatusCompleted || e.Status == StatusError {
			fmt.Fprintln(c.w)
		}
		c.last = e.Status
		return
	}

	if e.Status == c.last && e.Status != StatusRetrying {
		return
	}
	c.last = e.Status
	fmt.Fprintln(c.w, line)
}

func (c *ConsoleSink) Migration(e MigrationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tty && c.last != "" && c.last != StatusCompleted && c.last != StatusError {
		fmt.Fprintln(c.w)
	}
	c.last = ""
	fmt.Fprintf(c.w, "[%d/%d] %s\n", e.Index, e.Total, e.CurrentFile)
}
