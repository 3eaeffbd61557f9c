// Package folders maps logical folder paths onto remote containers. Root
// files go to the default container; every other folder gets its own
// container, created eagerly for new folders and lazily for legacy ones.
package folders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/msgvault/internal/client/cache"
	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/client/remote"
	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

// FolderMimeType marks virtual folder entries.
const FolderMimeType = "folder"

// Resolver owns folder creation, deletion and container lookup.
type Resolver struct {
	cache   *cache.Cache
	session *remote.Session
	logger  logging.Logger
	group   singleflight.Group
	now     func() time.Time
}

func NewResolver(c *cache.Cache, session *remote.Session, logger logging.Logger) *Resolver {
	return &Resolver{cache: c, session: session, logger: logger, now: time.Now}
}

func containerLabel(path string) string {
	_, name := models.SplitPath(path)
	return remote.CaptionPrefix + name
}

func containerAbout(path string) string {
	return "msgvault folder " + path
}

// Lookup returns the container of path without creating anything. ok is
// false for a known folder that has no container yet.
func (r *Resolver) Lookup(ctx context.Context, path string) (id int64, ok bool, err error) {
	path = models.CleanPath(path)
	if path == models.RootPath {
		return remote.DefaultContainer, true, nil
	}

	store, err := r.cache.ReadCopy(ctx)
	if err != nil {
		return 0, false, err
	}
	return lookup(store, path)
}

func lookup(store *models.MetadataStore, path string) (int64, bool, error) {
	if fc := store.FindContainer(path); fc != nil && fc.ContainerID != nil {
		return *fc.ContainerID, true, nil
	}
	if !store.HasFolder(path) {
		return 0, false, fmt.Errorf("%w: %s", common.ErrFolderNotFound, path)
	}
	return 0, false, nil
}

// ResolveDestination returns the container uploads into path must go to,
// creating it first for a legacy folder. Concurrent callers for the same
// folder share one creation.
func (r *Resolver) ResolveDestination(ctx context.Context, path string) (int64, error) {
	id, ok, err := r.Lookup(ctx, path)
	if err != nil || ok {
		return id, err
	}

	path = models.CleanPath(path)
	// The shared creation must outlive any single caller giving up.
	flight := r.group.DoChan(path, func() (any, error) {
		return r.upgrade(context.WithoutCancel(ctx), path)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int64), nil
	}
}

// upgrade gives a legacy folder its container.
func (r *Resolver) upgrade(ctx context.Context, path string) (int64, error) {
	store, err := r.cache.ReadCopy(ctx)
	if err != nil {
		return 0, err
	}
	if id, ok, err := lookup(store, path); err != nil || ok {
		return id, err
	}

	ch, err := r.session.Acquire()
	if err != nil {
		return 0, err
	}

	cont, err := ch.CreateContainer(ctx, containerLabel(path), containerAbout(path))
	if err != nil {
		return 0, fmt.Errorf("create container for %s: %w", path, err)
	}
	r.logger.Info(ctx, "created container for legacy folder", "path", path, "container", cont.ID)

	id := cont.ID
	applied := false
	err = r.cache.Mutate(ctx, func(s *models.MetadataStore) error {
		if fc := s.FindContainer(path); fc != nil && fc.ContainerID != nil {
			id = *fc.ContainerID
			applied = true
			return nil
		}
		// Deleted while the container was being created.
		if !s.HasFolder(path) {
			return fmt.Errorf("%w: %s", common.ErrFolderNotFound, path)
		}
		r.mapContainer(s, path, cont)
		applied = true
		return nil
	})
	if err != nil && !applied {
		r.dropOrphan(ctx, ch, cont.ID)
		return 0, err
	}
	if err != nil {
		r.logger.Warn(ctx, "container mapping kept in memory only", "path", path, "container", id, "error", err)
	}

	if id != cont.ID {
		r.dropOrphan(ctx, ch, cont.ID)
	}
	return id, nil
}

// mapContainer records cont as the container of path and back-fills the
// folder's virtual entry, creating the entry if it is missing.
func (r *Resolver) mapContainer(s *models.MetadataStore, path string, cont remote.Container) {
	now := r.now().Unix()

	if fc := s.FindContainer(path); fc != nil {
		fc.ContainerID = models.Int64(cont.ID)
		fc.ContainerLabel = cont.Title
	} else {
		s.FolderMetadata = append(s.FolderMetadata, models.FolderContainer{
			Path:           path,
			ContainerID:    models.Int64(cont.ID),
			ContainerLabel: cont.Title,
			CreatedAt:      now,
		})
	}
	s.AddFolderPath(path)

	if e := s.FolderEntry(path); e != nil {
		e.ContainerID = models.Int64(cont.ID)
		return
	}
	parent, name := models.SplitPath(path)
	s.Files = append(s.Files, models.FileEntry{
		ID:          models.NewLocalID(),
		Name:        name,
		MimeType:    FolderMimeType,
		CreatedAt:   now,
		Folder:      parent,
		IsFolder:    true,
		ContainerID: models.Int64(cont.ID),
	})
}

func (r *Resolver) dropOrphan(ctx context.Context, ch remote.Channel, id int64) {
	if err := ch.DeleteContainer(ctx, id); err != nil {
		r.logger.Warn(ctx, "failed to delete orphan container", "container", id, "error", err)
	}
}

// ValidateName trims name and rejects empty names and names with path
// separators.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", common.ErrInvalidName, name)
	}
	return name, nil
}

func checkCreate(s *models.MetadataStore, parent, name string) error {
	if !s.HasFolder(parent) {
		return fmt.Errorf("%w: %s", common.ErrFolderNotFound, parent)
	}
	path := models.JoinPath(parent, name)
	if s.HasFolder(path) {
		return fmt.Errorf("%w: %s", common.ErrFolderAlreadyExists, path)
	}
	if s.ChildNamed(parent, name) != nil {
		return fmt.Errorf("%w: %s", common.ErrNameCollision, path)
	}
	return nil
}

// CreateFolder creates name inside parent together with its container and
// returns the new folder's path.
func (r *Resolver) CreateFolder(ctx context.Context, name, parent string) (string, error) {
	name, err := ValidateName(name)
	if err != nil {
		return "", err
	}
	parent = models.CleanPath(parent)
	path := models.JoinPath(parent, name)

	store, err := r.cache.ReadCopy(ctx)
	if err != nil {
		return "", err
	}
	if err := checkCreate(store, parent, name); err != nil {
		return "", err
	}

	ch, err := r.session.Acquire()
	if err != nil {
		return "", err
	}
	cont, err := ch.CreateContainer(ctx, containerLabel(path), containerAbout(path))
	if err != nil {
		return "", fmt.Errorf("create container for %s: %w", path, err)
	}

	applied := false
	err = r.cache.Mutate(ctx, func(s *models.MetadataStore) error {
		if err := checkCreate(s, parent, name); err != nil {
			return err
		}
		r.mapContainer(s, path, cont)
		applied = true
		return nil
	})
	if err != nil && !applied {
		r.dropOrphan(ctx, ch, cont.ID)
		return "", err
	}
	if err != nil {
		// The in-memory index already holds the mapping and the container
		// exists, so only the on-disk copy lags behind.
		r.logger.Warn(ctx, "folder created but index not persisted", "path", path, "container", cont.ID, "error", err)
	}

	r.logger.Info(ctx, "folder created", "path", path, "container", cont.ID)
	return path, nil
}

// DeleteFolder removes path and everything below it. Remote containers and
// flat-stored messages are deleted best effort; the index is cleaned up
// regardless.
func (r *Resolver) DeleteFolder(ctx context.Context, path string) error {
	path = models.CleanPath(path)
	if path == models.RootPath {
		return fmt.Errorf("%w: cannot delete the root folder", common.ErrInvalidName)
	}

	store, err := r.cache.ReadCopy(ctx)
	if err != nil {
		return err
	}
	if !store.HasFolder(path) {
		return fmt.Errorf("%w: %s", common.ErrFolderNotFound, path)
	}

	r.deleteRemote(ctx, store, path)

	err = r.cache.Mutate(ctx, func(s *models.MetadataStore) error {
		files := s.Files[:0]
		for _, e := range s.Files {
			if models.IsWithin(e.Folder, path) || (e.IsFolder && e.Path() == path) {
				continue
			}
			files = append(files, e)
		}
		s.Files = files

		folders := s.Folders[:0]
		for _, p := range s.Folders {
			if !models.IsWithin(p, path) {
				folders = append(folders, p)
			}
		}
		s.Folders = folders

		mappings := s.FolderMetadata[:0]
		for _, fc := range s.FolderMetadata {
			if !models.IsWithin(fc.Path, path) {
				mappings = append(mappings, fc)
			}
		}
		s.FolderMetadata = mappings
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info(ctx, "folder deleted", "path", path)
	return nil
}

func (r *Resolver) deleteRemote(ctx context.Context, store *models.MetadataStore, path string) {
	ch, err := r.session.Acquire()
	if err != nil {
		r.logger.Warn(ctx, "skipping remote cleanup of deleted folder", "path", path, "error", err)
		return
	}

	for _, fc := range store.FolderMetadata {
		if fc.ContainerID == nil || !models.IsWithin(fc.Path, path) {
			continue
		}
		if err := ch.DeleteContainer(ctx, *fc.ContainerID); err != nil {
			r.logger.Warn(ctx, "failed to delete folder container", "path", fc.Path, "container", *fc.ContainerID, "error", err)
		}
	}

	for _, e := range store.Files {
		if !e.Anchored() || e.ContainerID != nil || !models.IsWithin(e.Folder, path) {
			continue
		}
		if err := ch.DeleteMessage(ctx, remote.DefaultContainer, *e.MessageID); err != nil {
			r.logger.Warn(ctx, "failed to delete message", "file", e.Name, "message", *e.MessageID, "error", err)
		}
	}
}
