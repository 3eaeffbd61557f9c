// Package notify delivers transfer and migration progress to whoever is
// watching: the terminal, the log, or nothing. Delivery is fire-and-forget.
package notify

import (
	"context"

	"github.com/dmitrijs2005/msgvault/internal/logging"
)

// Status of a transfer as seen by a sink.
type Status string

const (
	StatusUploading   Status = "uploading"
	StatusDownloading Status = "downloading"
	StatusRetrying    Status = "retrying"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// ProgressEvent describes one step of a transfer.
type ProgressEvent struct {
	Operation string
	Target    string
	Status    Status
	Percent   int
	Current   int64
	Total     int64
	Error     string
}

// MigrationEvent is sent before each file of a migration run.
type MigrationEvent struct {
	CurrentFile string
	Index       int
	Total       int
}

// Sink receives events. Implementations must not block for long.
type Sink interface {
	Progress(ProgressEvent)
	Migration(MigrationEvent)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Progress(ProgressEvent)   {}
func (Nop) Migration(MigrationEvent) {}

type multi []Sink

// Multi fans events out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Progress(e ProgressEvent) {
	for _, s := range m {
		s.Progress(e)
	}
}

func (m multi) Migration(e MigrationEvent) {
	for _, s := range m {
		s.Migration(e)
	}
}

// LogSink writes events to a logger at debug level, errors at warn.
type LogSink struct {
	logger logging.Logger
}

func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Progress(e ProgressEvent) {
	args := []any{"op", e.Operation, "target", e.Target, "status", string(e.Status), "percent", e.Percent, "bytes", e.Current, "total", e.Total}
	if e.Status == StatusError {
		l.logger.Warn(context.Background(), "transfer progress", append(args, "error", e.Error)...)
		return
	}
	l.logger.Debug(context.Background(), "transfer progress", args...)
}

func (l *LogSink) Migration(e MigrationEvent) {
	l.logger.Info(context.Background(), "migrating file", "file", e.CurrentFile, "index", e.Index, "total", e.Total)
}
