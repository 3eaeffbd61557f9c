package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

func newCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	return New(dir, logging.Discard()), dir
}

func sampleStore() *models.MetadataStore {
	s := models.NewStore()
	s.Files = append(s.Files,
		models.FileEntry{ID: "f1", Name: "Photos", Folder: "/", IsFolder: true, MimeType: "folder", CreatedAt: 10, ContainerID: models.Int64(7)},
		models.FileEntry{ID: "7:3", Name: "cat.jpg", Size: 1234, MimeType: "image/jpeg", Folder: "/Photos", CreatedAt: 11, MessageID: models.Int64(3), ContainerID: models.Int64(7)},
		models.FileEntry{ID: "0:9", Name: "notes.txt", Size: 5, MimeType: "text/plain", Folder: "/", CreatedAt: 12, MessageID: models.Int64(9)},
	)
	s.Folders = []string{"/", "/Photos"}
	s.FolderMetadata = append(s.FolderMetadata, models.FolderContainer{Path: "/Photos", ContainerID: models.Int64(7), ContainerLabel: "📁 Photos", CreatedAt: 10})
	return s
}

func TestEnsureLoaded_MissingFileYieldsEmptyStore(t *testing.T) {
	c, dir := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureLoaded(ctx))

	s, err := c.ReadCopy(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(models.NewStore(), s))

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, fi.IsDir())
}

func TestReplace_RoundTrip(t *testing.T) {
	c, dir := newCache(t)
	ctx := context.Background()
	want := sampleStore()

	require.NoError(t, c.Replace(ctx, want))

	fresh := New(dir, logging.Discard())
	require.NoError(t, fresh.EnsureLoaded(ctx))
	got, err := fresh.ReadCopy(ctx)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEnsureLoaded_CorruptFile(t *testing.T) {
	c, dir := newCache(t)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o600))

	err := c.EnsureLoaded(context.Background())
	require.ErrorIs(t, err, common.ErrCorruptState)
}

func TestEnsureLoaded_UnavailableDirectory(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	c := New(filepath.Join(blocker, "data"), logging.Discard())
	err := c.EnsureLoaded(context.Background())
	require.ErrorIs(t, err, common.ErrStorageUnavailable)
}

func TestEnsureLoaded_RetryAfterFailure(t *testing.T) {
	c, dir := newCache(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	require.Error(t, c.EnsureLoaded(ctx))

	require.NoError(t, os.Remove(path))
	require.NoError(t, c.EnsureLoaded(ctx))
}

func TestEnsureLoaded_OnlyOnce(t *testing.T) {
	c, dir := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Replace(ctx, sampleStore()))

	// Changes on disk after the first load are not picked up.
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`{"files":[],"folders":["/"]}`), 0o600))
	require.NoError(t, c.EnsureLoaded(ctx))

	s, err := c.ReadCopy(ctx)
	require.NoError(t, err)
	require.Len(t, s.Files, 3)
}

func TestEnsureLoaded_UpgradesLegacyDocument(t *testing.T) {
	c, dir := newCache(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(dir, 0o700))

	legacy := `{
	  "files": [
	    {"id":"5","name":"a.txt","size":1,"mime_type":"text/plain","created_at":1,"folder":"/Docs","is_folder":false,"thumbnail":null,"message_id":5,"encrypted":false},
	    {"id":"0:5","name":"Docs","size":0,"mime_type":"folder","created_at":1,"folder":"/","is_folder":true,"thumbnail":null,"message_id":null,"encrypted":false}
	  ],
	  "folders": ["/", "/Docs"]
	}`
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	s, err := c.ReadCopy(ctx)
	require.NoError(t, err)
	require.Equal(t, models.SchemaCurrent, s.Version)
	require.NotNil(t, s.FindFile("0:5"))
	require.Equal(t, "a.txt", s.FindFile("0:5").Name)
	require.Contains(t, s.Files[1].ID, "local:")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk models.MetadataStore
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Equal(t, models.SchemaCurrent, onDisk.Version, "upgrade must be persisted")
	require.Equal(t, "0:5", onDisk.Files[0].ID)
}

func TestReadCopy_IsDetached(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Replace(ctx, sampleStore()))

	s1, err := c.ReadCopy(ctx)
	require.NoError(t, err)
	s1.Files[0].Name = "mutated"
	*s1.Files[1].MessageID = 100

	s2, err := c.ReadCopy(ctx)
	require.NoError(t, err)
	require.Equal(t, "Photos", s2.Files[0].Name)
	require.EqualValues(t, 3, *s2.Files[1].MessageID)
}

func TestMutate_ErrorLeavesStoreUntouched(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Replace(ctx, sampleStore()))

	boom := errors.New("boom")
	err := c.Mutate(ctx, func(s *models.MetadataStore) error {
		s.Files = nil
		return boom
	})
	require.ErrorIs(t, err, boom)

	s, err := c.ReadCopy(ctx)
	require.NoError(t, err)
	require.Len(t, s.Files, 3)
}

func TestMutate_ConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	c, dir := newCache(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := c.Mutate(ctx, func(s *models.MetadataStore) error {
				s.Files = append(s.Files, models.FileEntry{ID: fmt.Sprintf("0:%d", i), Name: fmt.Sprintf("f%d", i), Folder: "/", MessageID: models.Int64(int64(i))})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s, err := c.ReadCopy(ctx)
	require.NoError(t, err)
	require.Len(t, s.Files, n)

	fresh := New(dir, logging.Discard())
	persisted, err := fresh.ReadCopy(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(s, persisted))
}

func TestReplace_PersistFailureStillUpdatesMemory(t *testing.T) {
	c, dir := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.EnsureLoaded(ctx))

	// A directory in place of the target makes the rename fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, FileName), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName, "keep"), []byte("x"), 0o600))

	err := c.Replace(ctx, sampleStore())
	require.ErrorIs(t, err, common.ErrStorageUnavailable)

	s, err := c.ReadCopy(ctx)
	require.NoError(t, err)
	require.Len(t, s.Files, 3)
}
