// Package migration moves files stored flat in the default container into
// the containers of their logical folders.
package migration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/msgvault/internal/client/cache"
	"github.com/dmitrijs2005/msgvault/internal/client/folders"
	"github.com/dmitrijs2005/msgvault/internal/client/metrics"
	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/client/notify"
	"github.com/dmitrijs2005/msgvault/internal/client/resilience"
	"github.com/dmitrijs2005/msgvault/internal/client/transfer"
	"github.com/dmitrijs2005/msgvault/internal/filex"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

// DefaultPacing is the pause between two candidates.
const DefaultPacing = time.Second

// State of a single candidate.
type State int

const (
	Pending State = iota
	Downloading
	Uploading
	DeletingOriginal
	Done
	Skipped
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Downloading:
		return "downloading"
	case Uploading:
		return "uploading"
	case DeletingOriginal:
		return "deleting_original"
	case Done:
		return "migrated"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Report tallies one run. Migrated+Failed+Skipped equals Total unless the
// run was cancelled.
type Report struct {
	Total    int `json:"total"`
	Migrated int `json:"migrated"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

type Orchestrator struct {
	cache    *cache.Cache
	resolver *folders.Resolver
	engine   *transfer.Engine
	sink     notify.Sink
	logger   logging.Logger
	pacing   time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	tempRoot string
}

type Option func(*Orchestrator)

// WithPacing sets the pause between candidates; zero disables it.
func WithPacing(d time.Duration) Option {
	return func(o *Orchestrator) { o.pacing = d }
}

// WithSleep replaces resilience.Sleep for the pause between candidates.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

func WithSink(s notify.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithTempRoot sets where the private scratch directory is created.
// Empty means os.TempDir.
func WithTempRoot(dir string) Option {
	return func(o *Orchestrator) { o.tempRoot = dir }
}

func New(c *cache.Cache, resolver *folders.Resolver, engine *transfer.Engine, logger logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:    c,
		resolver: resolver,
		engine:   engine,
		sink:     notify.Nop{},
		logger:   logger,
		pacing:   DefaultPacing,
		sleep:    resilience.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Candidates returns entries that live outside the root folder but whose
// payload still sits in the default container.
func Candidates(s *models.MetadataStore) []models.FileEntry {
	var out []models.FileEntry
	for _, e := range s.Files {
		if e.IsFolder || e.MessageID == nil || e.ContainerID != nil {
			continue
		}
		if models.CleanPath(e.Folder) == models.RootPath {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Run migrates every candidate in index order. A failing file never stops
// the batch; only cancellation does.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	store, err := o.cache.ReadCopy(ctx)
	if err != nil {
		return Report{}, err
	}

	candidates := Candidates(store)
	report := Report{Total: len(candidates)}
	if len(candidates) == 0 {
		o.logger.Info(ctx, "nothing to migrate")
		return report, nil
	}

	tmp, err := filex.PrivateTempDir(o.tempRoot, "msgvault-migrate-")
	if err != nil {
		return report, err
	}
	defer os.RemoveAll(tmp)

	o.logger.Info(ctx, "migration started", "candidates", len(candidates))

	for i, entry := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// The pause runs from the end of one candidate to the start of
		// the next, however long the transfer took.
		if i > 0 && o.pacing > 0 {
			if err := o.sleep(ctx, o.pacing); err != nil {
				return report, err
			}
		}

		o.sink.Migration(notify.MigrationEvent{CurrentFile: entry.Name, Index: i + 1, Total: len(candidates)})

		state := o.migrate(ctx, tmp, entry)
		switch state {
		case Done:
			report.Migrated++
		case Skipped:
			report.Skipped++
		default:
			report.Failed++
		}
		metrics.RecordMigration(state.String())

		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	o.logger.Info(ctx, "migration finished",
		"total", report.Total, "migrated", report.Migrated, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

func (o *Orchestrator) migrate(ctx context.Context, tmp string, entry models.FileEntry) State {
	logger := o.logger.With("file", entry.Name, "folder", entry.Folder, "id", entry.ID)

	container, ok, err := o.resolver.Lookup(ctx, entry.Folder)
	if err != nil {
		logger.Info(ctx, "skipping file", "reason", err)
		return Skipped
	}
	if !ok {
		logger.Info(ctx, "skipping file", "reason", "folder has no container yet")
		return Skipped
	}

	local := filepath.Join(tmp, uuid.NewString())
	defer func() {
		_ = os.Remove(local)
	}()

	logger.Debug(ctx, "migration step", "state", Downloading)
	if err := o.engine.Download(ctx, entry, local); err != nil {
		logger.Warn(ctx, "migration download failed", "error", err)
		return Failed
	}

	logger.Debug(ctx, "migration step", "state", Uploading)
	_, err = o.engine.Upload(ctx, transfer.UploadRequest{
		LocalPath: local,
		Folder:    entry.Folder,
		Name:      entry.Name,
		Container: &container,
		ReplaceID: entry.ID,
	})
	if err != nil {
		logger.Warn(ctx, "migration upload failed", "error", err)
		return Failed
	}

	logger.Debug(ctx, "migration step", "state", DeletingOriginal)
	if err := o.engine.DeleteRemote(ctx, entry); err != nil {
		logger.Warn(ctx, "original message not deleted", "error", err)
	}

	logger.Info(ctx, "file migrated", "container", container)
	return Done
}
