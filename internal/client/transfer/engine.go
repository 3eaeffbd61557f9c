// Package transfer moves files between the local disk and the remote
// channel and keeps the metadata index in step with what was moved.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dmitrijs2005/msgvault/internal/client/cache"
	"github.com/dmitrijs2005/msgvault/internal/client/folders"
	"github.com/dmitrijs2005/msgvault/internal/client/metrics"
	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/client/notify"
	"github.com/dmitrijs2005/msgvault/internal/client/progress"
	"github.com/dmitrijs2005/msgvault/internal/client/remote"
	"github.com/dmitrijs2005/msgvault/internal/client/resilience"
	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/filex"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

const (
	opUpload   = "upload"
	opDownload = "download"

	partSuffix = ".part"
)

// Engine performs uploads, downloads and remote deletes.
type Engine struct {
	cache      *cache.Cache
	resolver   *folders.Resolver
	session    *remote.Session
	controller *resilience.Controller
	sink       notify.Sink
	logger     logging.Logger

	maxUploadSize int64
	uploadTimeout func(size int64) time.Duration
	now           func() time.Time
	progressOpts  []progress.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxUploadSize overrides common.DefaultMaxUploadSize.
func WithMaxUploadSize(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxUploadSize = n
		}
	}
}

// WithUploadTimeout replaces resilience.UploadTimeout as the per-attempt
// upload deadline.
func WithUploadTimeout(fn func(size int64) time.Duration) Option {
	return func(e *Engine) {
		if fn != nil {
			e.uploadTimeout = fn
		}
	}
}

// WithSink sets where progress events go.
func WithSink(s notify.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithProgressOptions is passed to every progress reader and writer.
func WithProgressOptions(opts ...progress.Option) Option {
	return func(e *Engine) { e.progressOpts = opts }
}

func NewEngine(c *cache.Cache, resolver *folders.Resolver, session *remote.Session, controller *resilience.Controller, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		cache:         c,
		resolver:      resolver,
		session:       session,
		controller:    controller,
		sink:          notify.Nop{},
		logger:        logger,
		maxUploadSize: common.DefaultMaxUploadSize,
		uploadTimeout: resilience.UploadTimeout,
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) reporter(op, target string, status notify.Status) progress.Reporter {
	return progress.ReporterFunc(func(percent int, current, total int64) {
		e.sink.Progress(notify.ProgressEvent{
			Operation: op,
			Target:    target,
			Status:    status,
			Percent:   percent,
			Current:   current,
			Total:     total,
		})
	})
}

func (e *Engine) fail(op, target string, err error) {
	e.sink.Progress(notify.ProgressEvent{Operation: op, Target: target, Status: notify.StatusError, Error: err.Error()})
}

// UploadRequest describes one upload.
type UploadRequest struct {
	LocalPath string
	// Folder is the logical destination folder.
	Folder string
	// Name defaults to the base name of LocalPath.
	Name string
	// Container skips folder resolution when set.
	Container *int64
	// ReplaceID makes the new entry take the place of an existing one.
	ReplaceID string
}

// Upload sends a local file to the remote channel and records it in the
// index. Size limits are checked before any network call.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (models.FileEntry, error) {
	fi, err := os.Stat(req.LocalPath)
	if err != nil {
		return models.FileEntry{}, fmt.Errorf("stat %s: %w", req.LocalPath, err)
	}
	if fi.IsDir() {
		return models.FileEntry{}, fmt.Errorf("%s is a directory", req.LocalPath)
	}
	size := fi.Size()
	if size == 0 {
		return models.FileEntry{}, fmt.Errorf("%w: %s", common.ErrEmptySource, req.LocalPath)
	}
	if size > e.maxUploadSize {
		return models.FileEntry{}, fmt.Errorf("%w: %s is %d bytes, limit %d", common.ErrPayloadTooLarge, req.LocalPath, size, e.maxUploadSize)
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(req.LocalPath)
	}
	mimeType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(req.LocalPath); err == nil {
		mimeType = mt.String()
	}
	folder := models.CleanPath(req.Folder)

	var mu sync.Mutex
	var container int64
	if req.Container != nil {
		container = *req.Container
	} else if container, err = e.resolver.ResolveDestination(ctx, folder); err != nil {
		return models.FileEntry{}, err
	}

	var (
		sent    remote.Message
		latest  int
		settled bool
	)
	started := e.now()

	err = e.controller.Run(ctx, resilience.Operation{
		Name:    opUpload,
		Target:  name,
		Size:    size,
		Timeout: e.uploadTimeout(size),
		Attempt: func(ctx context.Context, attempt int) error {
			mu.Lock()
			dest := container
			latest = attempt
			mu.Unlock()

			msg, err := e.uploadOnce(ctx, req.LocalPath, name, mimeType, size, dest)
			if err != nil {
				return err
			}

			// An abandoned attempt that lands after a newer one started
			// leaves a duplicate behind; only the live attempt counts.
			mu.Lock()
			stale := settled || attempt != latest || ctx.Err() != nil
			if !stale {
				sent = msg
			}
			mu.Unlock()
			if stale {
				e.dropStray(ctx, msg)
				return fmt.Errorf("%w: attempt %d finished late", common.ErrAttemptTimedOut, attempt)
			}
			return nil
		},
		Refresh: func(ctx context.Context) error {
			if err := e.session.Refresh(ctx); err != nil {
				return err
			}
			if req.Container != nil {
				return nil
			}
			id, err := e.resolver.ResolveDestination(ctx, folder)
			if err != nil {
				return err
			}
			mu.Lock()
			container = id
			mu.Unlock()
			return nil
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			e.sink.Progress(notify.ProgressEvent{
				Operation: opUpload,
				Target:    name,
				Status:    notify.StatusRetrying,
				Error:     fmt.Sprintf("attempt %d: %v; next in %s", attempt, err, wait),
			})
		},
	})
	if err != nil {
		mu.Lock()
		settled = true
		mu.Unlock()
		metrics.RecordTransfer(opUpload, size, e.now().Sub(started), false)
		e.fail(opUpload, name, err)
		return models.FileEntry{}, err
	}

	mu.Lock()
	msg := sent
	settled = true
	mu.Unlock()

	entry := models.FileEntry{
		ID:        models.AnchorID(msg.Container, msg.ID),
		Name:      name,
		Size:      size,
		MimeType:  mimeType,
		CreatedAt: e.now().Unix(),
		Folder:    folder,
		MessageID: models.Int64(msg.ID),
	}
	if msg.Container != remote.DefaultContainer {
		entry.ContainerID = models.Int64(msg.Container)
	}

	err = e.cache.Mutate(ctx, func(s *models.MetadataStore) error {
		if req.ReplaceID != "" {
			s.ReplaceFile(req.ReplaceID, entry)
			return nil
		}
		s.ReplaceFile(entry.ID, entry)
		return nil
	})
	if err != nil {
		e.logger.Warn(ctx, "uploaded file could not be recorded in the index", "file", name, "id", entry.ID, "error", err)
	}

	metrics.RecordTransfer(opUpload, size, e.now().Sub(started), true)
	e.sink.Progress(notify.ProgressEvent{
		Operation: opUpload, Target: name, Status: notify.StatusCompleted,
		Percent: 100, Current: size, Total: size,
	})
	e.logger.Info(ctx, "file uploaded", "file", name, "folder", folder, "id", entry.ID, "size", size)

	// The upload already landed; a cancelled pause is not a failure.
	_ = e.controller.Pace(ctx, size)
	return entry, nil
}

func (e *Engine) uploadOnce(ctx context.Context, path, name, mimeType string, size, container int64) (remote.Message, error) {
	ch, err := e.session.Acquire()
	if err != nil {
		return remote.Message{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return remote.Message{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := progress.NewReader(f, size, e.reporter(opUpload, name, notify.StatusUploading), e.progressOpts...)

	att, err := ch.UploadAttachment(ctx, name, mimeType, size, r)
	if err != nil {
		return remote.Message{}, err
	}
	return ch.SendAttachment(ctx, container, att, remote.Caption(name))
}

func (e *Engine) dropStray(ctx context.Context, msg remote.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resilience.DefaultProbeTimeout)
	defer cancel()

	e.logger.Warn(ctx, "discarding message from an abandoned attempt", "container", msg.Container, "message", msg.ID)
	ch, err := e.session.Acquire()
	if err == nil {
		err = ch.DeleteMessage(ctx, msg.Container, msg.ID)
	}
	if err != nil {
		e.logger.Warn(ctx, "failed to delete duplicate message", "container", msg.Container, "message", msg.ID, "error", err)
	}
}

// Download writes the payload of entry to dest. The file is written to
// dest+".part" and renamed into place once complete. A download shorter
// than the recorded size is fetched once more from scratch.
func (e *Engine) Download(ctx context.Context, entry models.FileEntry, dest string) error {
	if !entry.Anchored() {
		return fmt.Errorf("%w: %s has no remote payload", common.ErrEntryNotFound, entry.ID)
	}

	ch, err := e.session.Acquire()
	if err != nil {
		return err
	}
	if _, err := filex.EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}

	started := e.now()
	part := dest + partSuffix

	n, err := e.fetch(ctx, ch, entry, part)
	if err == nil && entry.Size > 0 && n < entry.Size {
		e.logger.Warn(ctx, "short download, fetching again", "file", entry.Name, "got", n, "want", entry.Size)
		n, err = e.fetch(ctx, ch, entry, part)
		if err == nil && n < entry.Size {
			err = fmt.Errorf("short download: got %d of %d bytes", n, entry.Size)
		}
	}
	if err == nil {
		err = os.Rename(part, dest)
	}
	if err != nil {
		_ = os.Remove(part)
		metrics.RecordTransfer(opDownload, n, e.now().Sub(started), false)
		e.fail(opDownload, entry.Name, err)
		return &common.TransferFailed{Err: err}
	}

	metrics.RecordTransfer(opDownload, n, e.now().Sub(started), true)
	e.sink.Progress(notify.ProgressEvent{
		Operation: opDownload, Target: entry.Name, Status: notify.StatusCompleted,
		Percent: 100, Current: n, Total: entry.Size,
	})
	e.logger.Info(ctx, "file downloaded", "file", entry.Name, "dest", dest, "size", n)
	return nil
}

func (e *Engine) fetch(ctx context.Context, ch remote.Channel, entry models.FileEntry, part string) (int64, error) {
	timeout := resilience.DownloadTimeout(entry.Size)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}

	w := progress.NewWriter(f, entry.Size, e.reporter(opDownload, entry.Name, notify.StatusDownloading), e.progressOpts...)
	n, err := ch.Download(actx, entry.Container(), *entry.MessageID, w)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", part, cerr)
	}
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", common.ErrAttemptTimedOut, timeout, err)
	}
	return n, err
}

// DeleteRemote deletes the message behind entry. Entries without a message
// are a no-op.
func (e *Engine) DeleteRemote(ctx context.Context, entry models.FileEntry) error {
	if !entry.Anchored() {
		return nil
	}
	ch, err := e.session.Acquire()
	if err != nil {
		return err
	}
	return ch.DeleteMessage(ctx, entry.Container(), *entry.MessageID)
}
