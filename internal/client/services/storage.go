package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/msgvault/internal/client/cache"
	"github.com/dmitrijs2005/msgvault/internal/client/folders"
	"github.com/dmitrijs2005/msgvault/internal/client/metrics"
	"github.com/dmitrijs2005/msgvault/internal/client/migration"
	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/client/remote"
	"github.com/dmitrijs2005/msgvault/internal/client/transfer"
	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

// Stats summarizes the whole index.
type Stats struct {
	TotalFiles  int   `json:"total_files"`
	TotalSize   int64 `json:"total_size"`
	FolderCount int   `json:"folder_count"`
}

// FolderStats summarizes one folder and everything below it.
type FolderStats struct {
	Path       string `json:"path"`
	Files      int    `json:"file_count"`
	Size       int64  `json:"total_size"`
	Subfolders int    `json:"subfolder_count"`
}

type StorageService interface {
	Upload(ctx context.Context, localPath, folder string) (models.FileEntry, error)
	Download(ctx context.Context, fileID, dest string) error
	DeleteFile(ctx context.Context, fileID string) (bool, error)
	List(ctx context.Context, folder string) ([]models.FileEntry, error)
	ListRecursive(ctx context.Context, folder string) ([]models.FileEntry, error)
	FolderStats(ctx context.Context, folder string) (FolderStats, error)
	Stats(ctx context.Context) (Stats, error)
	CreateFolder(ctx context.Context, name, parent string) (string, error)
	DeleteFolder(ctx context.Context, path string) error
	Migrate(ctx context.Context) (migration.Report, error)
	Sync(ctx context.Context) (int, error)
}

type storageService struct {
	cache    *cache.Cache
	session  *remote.Session
	resolver *folders.Resolver
	engine   *transfer.Engine
	migrator *migration.Orchestrator
	logger   logging.Logger
}

func NewStorageService(c *cache.Cache, session *remote.Session, resolver *folders.Resolver,
	engine *transfer.Engine, migrator *migration.Orchestrator, logger logging.Logger) StorageService {
	return &storageService{
		cache:    c,
		session:  session,
		resolver: resolver,
		engine:   engine,
		migrator: migrator,
		logger:   logger,
	}
}

func (s *storageService) Upload(ctx context.Context, localPath, folder string) (models.FileEntry, error) {
	return s.engine.Upload(ctx, transfer.UploadRequest{LocalPath: localPath, Folder: folder})
}

func (s *storageService) findFile(ctx context.Context, fileID string) (models.FileEntry, error) {
	store, err := s.cache.ReadCopy(ctx)
	if err != nil {
		return models.FileEntry{}, err
	}
	e := store.FindFile(fileID)
	if e == nil || e.IsFolder {
		return models.FileEntry{}, fmt.Errorf("%w: %s", common.ErrEntryNotFound, fileID)
	}
	return *e, nil
}

func (s *storageService) Download(ctx context.Context, fileID, dest string) error {
	e, err := s.findFile(ctx, fileID)
	if err != nil {
		return err
	}
	return s.engine.Download(ctx, e, dest)
}

// DeleteFile removes a file from the index. The remote message is deleted
// best effort. It reports false when no such file exists.
func (s *storageService) DeleteFile(ctx context.Context, fileID string) (bool, error) {
	e, err := s.findFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, common.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := s.engine.DeleteRemote(ctx, e); err != nil {
		s.logger.Warn(ctx, "remote message not deleted", "file", e.Name, "id", e.ID, "error", err)
	}

	removed := false
	err = s.cache.Mutate(ctx, func(store *models.MetadataStore) error {
		removed = store.RemoveFile(fileID)
		return nil
	})
	if err != nil {
		return removed, err
	}

	s.logger.Info(ctx, "file deleted", "file", e.Name, "id", e.ID)
	return removed, nil
}

func (s *storageService) folderSnapshot(ctx context.Context, folder string) (*models.MetadataStore, string, error) {
	store, err := s.cache.ReadCopy(ctx)
	if err != nil {
		return nil, "", err
	}
	folder = models.CleanPath(folder)
	if !store.HasFolder(folder) {
		return nil, "", fmt.Errorf("%w: %s", common.ErrFolderNotFound, folder)
	}
	return store, folder, nil
}

// sortEntries puts folders first, then orders by path.
func sortEntries(entries []models.FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsFolder != entries[j].IsFolder {
			return entries[i].IsFolder
		}
		return entries[i].Path() < entries[j].Path()
	})
}

// List returns the direct children of folder.
func (s *storageService) List(ctx context.Context, folder string) ([]models.FileEntry, error) {
	store, folder, err := s.folderSnapshot(ctx, folder)
	if err != nil {
		return nil, err
	}

	out := make([]models.FileEntry, 0)
	for _, e := range store.Files {
		if models.CleanPath(e.Folder) == folder {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// ListRecursive returns every entry below folder.
func (s *storageService) ListRecursive(ctx context.Context, folder string) ([]models.FileEntry, error) {
	store, folder, err := s.folderSnapshot(ctx, folder)
	if err != nil {
		return nil, err
	}

	out := make([]models.FileEntry, 0)
	for _, e := range store.Files {
		if models.IsWithin(e.Folder, folder) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *storageService) FolderStats(ctx context.Context, folder string) (FolderStats, error) {
	store, folder, err := s.folderSnapshot(ctx, folder)
	if err != nil {
		return FolderStats{}, err
	}

	st := FolderStats{Path: folder}
	for _, e := range store.Files {
		if e.IsFolder || !models.IsWithin(e.Folder, folder) {
			continue
		}
		st.Files++
		st.Size += e.Size
	}
	for _, p := range store.Folders {
		if p != folder && models.IsWithin(p, folder) {
			st.Subfolders++
		}
	}
	return st, nil
}

func (s *storageService) Stats(ctx context.Context) (Stats, error) {
	store, err := s.cache.ReadCopy(ctx)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	for _, e := range store.Files {
		if e.IsFolder {
			continue
		}
		st.TotalFiles++
		st.TotalSize += e.Size
	}
	for _, p := range store.Folders {
		if p != models.RootPath {
			st.FolderCount++
		}
	}
	metrics.SetIndexEntries(len(store.Files))
	return st, nil
}

func (s *storageService) CreateFolder(ctx context.Context, name, parent string) (string, error) {
	return s.resolver.CreateFolder(ctx, name, parent)
}

func (s *storageService) DeleteFolder(ctx context.Context, path string) error {
	return s.resolver.DeleteFolder(ctx, path)
}

func (s *storageService) Migrate(ctx context.Context) (migration.Report, error) {
	return s.migrator.Run(ctx)
}

// Sync adds index entries for file messages found in the default container
// and in every mapped folder container that the index does not know yet.
// A container that cannot be listed is logged and skipped.
func (s *storageService) Sync(ctx context.Context) (int, error) {
	ch, err := s.session.Acquire()
	if err != nil {
		return 0, err
	}
	store, err := s.cache.ReadCopy(ctx)
	if err != nil {
		return 0, err
	}

	type source struct {
		container int64
		folder    string
	}
	sources := []source{{container: remote.DefaultContainer, folder: models.RootPath}}
	for _, fc := range store.FolderMetadata {
		if fc.ContainerID != nil {
			sources = append(sources, source{container: *fc.ContainerID, folder: fc.Path})
		}
	}

	var found []models.FileEntry
	for _, src := range sources {
		msgs, err := ch.ListMessages(ctx, src.container)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			s.logger.Warn(ctx, "listing container failed", "container", src.container, "folder", src.folder, "error", err)
			continue
		}
		for _, m := range msgs {
			if !m.HasFile() {
				continue
			}
			found = append(found, entryFromMessage(m, src.folder))
		}
	}

	added := 0
	err = s.cache.Mutate(ctx, func(store *models.MetadataStore) error {
		for _, e := range found {
			if store.FindFile(e.ID) != nil {
				continue
			}
			store.Files = append(store.Files, e)
			added++
		}
		metrics.SetIndexEntries(len(store.Files))
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info(ctx, "sync finished", "added", added, "containers", len(sources))
	return added, nil
}

func entryFromMessage(m remote.Message, folder string) models.FileEntry {
	name, ok := remote.NameFromCaption(m.Caption)
	if !ok || name == "" {
		name = m.FileName
	}
	created := m.Date
	if created.IsZero() {
		created = time.Now()
	}
	e := models.FileEntry{
		ID:        models.AnchorID(m.Container, m.ID),
		Name:      name,
		Size:      m.Size,
		MimeType:  m.MimeType,
		CreatedAt: created.Unix(),
		Folder:    folder,
		MessageID: models.Int64(m.ID),
	}
	if m.Container != remote.DefaultContainer {
		e.ContainerID = models.Int64(m.Container)
	}
	return e
}
