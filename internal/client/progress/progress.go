// Package progress wraps byte streams to report transfer progress with a
// throttle that keeps the notification rate low on fast streams.
package progress

import (
	"io"
	"sync"
	"time"
)

const (
	minInterval = time.Second
	minStep     = 5
	heartbeat   = 5 * time.Second
)

// Reporter receives progress notifications.
type Reporter interface {
	Report(percent int, current, total int64)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(percent int, current, total int64)

func (f ReporterFunc) Report(percent int, current, total int64) { f(percent, current, total) }

// Option configures a tracker.
type Option func(*tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *tracker) { t.now = now }
}

type tracker struct {
	mu       sync.Mutex
	total    int64
	current  int64
	reporter Reporter
	now      func() time.Time

	started     bool
	finished    bool
	lastPercent int
	lastEmit    time.Time
}

func newTracker(total int64, r Reporter, opts []Option) *tracker {
	t := &tracker{total: total, reporter: r, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// begin emits the 0% milestone on the first intercepted operation.
func (t *tracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return
	}
	t.started = true
	if t.total <= 0 {
		return
	}
	t.emit(0)
}

func (t *tracker) add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current += int64(n)
	if t.total <= 0 || t.finished {
		return
	}

	pct := int(t.current * 100 / t.total)
	if pct > 100 {
		pct = 100
	}
	if pct < t.lastPercent {
		pct = t.lastPercent
	}

	if pct == 100 {
		t.finished = true
		t.emit(pct)
		return
	}

	elapsed := t.now().Sub(t.lastEmit)
	if elapsed >= minInterval && (pct-t.lastPercent >= minStep || elapsed >= heartbeat) {
		t.emit(pct)
	}
}

func (t *tracker) emit(pct int) {
	t.lastPercent = pct
	t.lastEmit = t.now()
	if t.reporter != nil {
		t.reporter.Report(pct, t.current, t.total)
	}
}

func (t *tracker) transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Reader counts bytes read from an upload source.
type Reader struct {
	r io.Reader
	t *tracker
}

// NewReader wraps r. total <= 0 means the size is unknown and nothing is
// reported.
func NewReader(r io.Reader, total int64, reporter Reporter, opts ...Option) *Reader {
	return &Reader{r: r, t: newTracker(total, reporter, opts)}
}

func (r *Reader) Read(p []byte) (int, error) {
	r.t.begin()
	n, err := r.r.Read(p)
	if n > 0 {
		r.t.add(n)
	}
	return n, err
}

// Transferred returns the number of bytes read so far.
func (r *Reader) Transferred() int64 { return r.t.transferred() }

// Writer counts bytes written to a download sink.
type Writer struct {
	w io.Writer
	t *tracker
}

// NewWriter wraps w. total <= 0 means the size is unknown and nothing is
// reported.
func NewWriter(w io.Writer, total int64, reporter Reporter, opts ...Option) *Writer {
	return &Writer{w: w, t: newTracker(total, reporter, opts)}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.t.begin()
	n, err := w.w.Write(p)
	if n > 0 {
		w.t.add(n)
	}
	return n, err
}

// Transferred returns the number of bytes written so far.
func (w *Writer) Transferred() int64 { return w.t.transferred() }
