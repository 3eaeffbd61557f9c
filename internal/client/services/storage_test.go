package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/msgvault/internal/client/cache"
	"github.com/dmitrijs2005/msgvault/internal/client/folders"
	"github.com/dmitrijs2005/msgvault/internal/client/migration"
	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/client/remote"
	"github.com/dmitrijs2005/msgvault/internal/client/remote/memchannel"
	"github.com/dmitrijs2005/msgvault/internal/client/resilience"
	"github.com/dmitrijs2005/msgvault/internal/client/transfer"
	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

type fixture struct {
	dir   string
	cache *cache.Cache
	ch    *memchannel.Channel
	svc   StorageService
}

func newFixture(t *testing.T, seed *models.MetadataStore) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	c := cache.New(filepath.Join(dir, "data"), logging.Discard())
	if seed != nil {
		require.NoError(t, c.Replace(ctx, seed))
	}

	ch := memchannel.New()
	session := remote.NewSession(ch, nil)
	ctrl := resilience.NewController(session, logging.Discard(),
		resilience.WithSleep(func(context.Context, time.Duration) error { return nil }),
		resilience.WithPacing(func(int64) time.Duration { return 0 }),
	)
	resolver := folders.NewResolver(c, session, logging.Discard())
	engine := transfer.NewEngine(c, resolver, session, ctrl, logging.Discard())
	migrator := migration.New(c, resolver, engine, logging.Discard(), migration.WithPacing(0), migration.WithTempRoot(dir))

	return &fixture{
		dir:   dir,
		cache: c,
		ch:    ch,
		svc:   NewStorageService(c, session, resolver, engine, migrator, logging.Discard()),
	}
}

func treeStore() *models.MetadataStore {
	s := models.NewStore()
	s.Files = []models.FileEntry{
		{ID: "local:A", Name: "A", Folder: "/", IsFolder: true, MimeType: folders.FolderMimeType},
		{ID: "local:B", Name: "B", Folder: "/A", IsFolder: true, MimeType: folders.FolderMimeType},
		{ID: "local:C", Name: "C", Folder: "/", IsFolder: true, MimeType: folders.FolderMimeType},
		{ID: "0:1", Name: "f1", Folder: "/", Size: 10, MessageID: models.Int64(1)},
		{ID: "0:2", Name: "a1", Folder: "/A", Size: 5, MessageID: models.Int64(2)},
		{ID: "0:3", Name: "b1", Folder: "/A/B", Size: 7, MessageID: models.Int64(3)},
	}
	s.AddFolderPath("/A")
	s.AddFolderPath("/A/B")
	s.AddFolderPath("/C")
	return s
}

func ids(entries []models.FileEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestUploadListDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	src := filepath.Join(f.dir, "report.txt")
	require.NoError(t, os.WriteFile(src, []byte("quarterly numbers"), 0o600))

	entry, err := f.svc.Upload(ctx, src, "/")
	require.NoError(t, err)

	listed, err := f.svc.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	if diff := cmp.Diff(entry, listed[0]); diff != "" {
		t.Fatalf("listed entry mismatch (-want +got):\n%s", diff)
	}

	dest := filepath.Join(f.dir, "out.txt")
	require.NoError(t, f.svc.Download(ctx, entry.ID, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(got))
}

func TestDownload_Unknown(t *testing.T) {
	f := newFixture(t, treeStore())

	err := f.svc.Download(context.Background(), "nope", filepath.Join(f.dir, "x"))
	require.ErrorIs(t, err, common.ErrEntryNotFound)

	err = f.svc.Download(context.Background(), "local:A", filepath.Join(f.dir, "x"))
	require.ErrorIs(t, err, common.ErrEntryNotFound)
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	src := filepath.Join(f.dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0o600))
	entry, err := f.svc.Upload(ctx, src, "/")
	require.NoError(t, err)

	ok, err := f.svc.DeleteFile(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	msgs, err := f.ch.ListMessages(ctx, remote.DefaultContainer)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	listed, err := f.svc.List(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, listed)

	ok, err = f.svc.DeleteFile(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteFile_RemoteFailureNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, treeStore())
	f.ch.Inject(memchannel.OpDeleteMessage, assert.AnError)

	ok, err := f.svc.DeleteFile(ctx, "0:1")
	require.NoError(t, err)
	assert.True(t, ok)

	s, err := f.cache.ReadCopy(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.FindFile("0:1"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, treeStore())

	root, err := f.svc.List(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"local:A", "local:C", "0:1"}, ids(root))

	sub, err := f.svc.List(ctx, "/A/")
	require.NoError(t, err)
	assert.Equal(t, []string{"local:B", "0:2"}, ids(sub))

	empty, err := f.svc.List(ctx, "/C")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = f.svc.List(ctx, "/missing")
	require.ErrorIs(t, err, common.ErrFolderNotFound)
}

func TestListRecursive(t *testing.T) {
	f := newFixture(t, treeStore())

	got, err := f.svc.ListRecursive(context.Background(), "/A")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"local:B", "0:2", "0:3"}, ids(got))
	assert.Equal(t, "local:B", got[0].ID)

	all, err := f.svc.ListRecursive(context.Background(), "/")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, treeStore())

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalFiles: 3, TotalSize: 22, FolderCount: 3}, st)

	fs, err := f.svc.FolderStats(ctx, "/A")
	require.NoError(t, err)
	assert.Equal(t, FolderStats{Path: "/A", Files: 2, Size: 12, Subfolders: 1}, fs)

	_, err = f.svc.FolderStats(ctx, "/missing")
	require.ErrorIs(t, err, common.ErrFolderNotFound)
}

func TestCreateAndDeleteFolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	path, err := f.svc.CreateFolder(ctx, "Docs", "/")
	require.NoError(t, err)
	assert.Equal(t, "/Docs", path)

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.FolderCount)

	require.NoError(t, f.svc.DeleteFolder(ctx, "/Docs"))
	_, err = f.svc.List(ctx, "/Docs")
	require.ErrorIs(t, err, common.ErrFolderNotFound)
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	path, err := f.svc.CreateFolder(ctx, "Docs", "/")
	require.NoError(t, err)
	s, err := f.cache.ReadCopy(ctx)
	require.NoError(t, err)
	docs := *s.FindContainer(path).ContainerID

	_, err = f.ch.Put(remote.DefaultContainer, "root.bin", []byte("r"))
	require.NoError(t, err)
	_, err = f.ch.Put(docs, "inner.bin", []byte("inner"))
	require.NoError(t, err)

	added, err := f.svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	root, err := f.svc.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, root, 2)
	assert.Equal(t, "root.bin", root[1].Name)
	assert.Equal(t, "0:1", root[1].ID)

	inner, err := f.svc.List(ctx, "/Docs")
	require.NoError(t, err)
	require.Len(t, inner, 1)
	assert.Equal(t, "inner.bin", inner[0].Name)
	assert.EqualValues(t, 5, inner[0].Size)
	require.NotNil(t, inner[0].ContainerID)
	assert.Equal(t, docs, *inner[0].ContainerID)

	added, err = f.svc.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestSync_SkipsUnlistableContainer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.ch.Put(remote.DefaultContainer, "root.bin", []byte("r"))
	require.NoError(t, err)
	require.NoError(t, f.cache.Mutate(ctx, func(s *models.MetadataStore) error {
		s.FolderMetadata = append(s.FolderMetadata, models.FolderContainer{Path: "/Gone", ContainerID: models.Int64(4242)})
		s.AddFolderPath("/Gone")
		return nil
	}))

	added, err := f.svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}

func TestMigrate_UnmappedFoldersSkipped(t *testing.T) {
	f := newFixture(t, treeStore())

	report, err := f.svc.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, migration.Report{Total: 2, Skipped: 2}, report)
	assert.Zero(t, f.ch.Calls(memchannel.OpDownload))
}
