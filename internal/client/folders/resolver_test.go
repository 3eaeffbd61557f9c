package folders

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/msgvault/internal/client/cache"
	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/client/remote"
	"github.com/dmitrijs2005/msgvault/internal/client/remote/memchannel"
	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

type fixture struct {
	cache    *cache.Cache
	ch       *memchannel.Channel
	resolver *Resolver
}

func newFixture(t *testing.T, seed *models.MetadataStore) *fixture {
	t.Helper()
	c := cache.New(filepath.Join(t.TempDir(), "data"), logging.Discard())
	if seed != nil {
		require.NoError(t, c.Replace(context.Background(), seed))
	}
	ch := memchannel.New()
	return &fixture{
		cache:    c,
		ch:       ch,
		resolver: NewResolver(c, remote.NewSession(ch, nil), logging.Discard()),
	}
}

func (f *fixture) store(t *testing.T) *models.MetadataStore {
	t.Helper()
	s, err := f.cache.ReadCopy(context.Background())
	require.NoError(t, err)
	return s
}

func legacyStore() *models.MetadataStore {
	s := models.NewStore()
	s.Files = append(s.Files, models.FileEntry{ID: "folder_1", Name: "Old", MimeType: FolderMimeType, Folder: "/", IsFolder: true})
	s.AddFolderPath("/Old")
	return s
}

func TestResolveDestination_Root(t *testing.T) {
	f := newFixture(t, nil)

	id, err := f.resolver.ResolveDestination(context.Background(), "/")
	require.NoError(t, err)
	require.Equal(t, remote.DefaultContainer, id)
	require.Zero(t, f.ch.Calls(memchannel.OpCreateContainer))
}

func TestResolveDestination_Mapped(t *testing.T) {
	s := models.NewStore()
	s.FolderMetadata = append(s.FolderMetadata, models.FolderContainer{Path: "/A", ContainerID: models.Int64(77)})
	s.AddFolderPath("/A")
	f := newFixture(t, s)

	id, err := f.resolver.ResolveDestination(context.Background(), "/A/")
	require.NoError(t, err)
	require.EqualValues(t, 77, id)
	require.Zero(t, f.ch.Calls(memchannel.OpCreateContainer))
}

func TestResolveDestination_Unknown(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.resolver.ResolveDestination(context.Background(), "/nope")
	require.ErrorIs(t, err, common.ErrFolderNotFound)
}

func TestResolveDestination_LegacyUpgradedOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t, legacyStore())
	f.ch.OnCreateContainer(func() { time.Sleep(50 * time.Millisecond) })

	const callers = 16
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			id, err := f.resolver.ResolveDestination(context.Background(), "/Old")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, f.ch.Calls(memchannel.OpCreateContainer))
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	s := f.store(t)
	fc := s.FindContainer("/Old")
	require.NotNil(t, fc)
	require.Equal(t, ids[0], *fc.ContainerID)
	require.Equal(t, "📁 Old", fc.ContainerLabel)
	require.Equal(t, ids[0], *s.FolderEntry("/Old").ContainerID, "virtual entry is back-filled")

	// A fresh resolver over the persisted index still sees the mapping.
	fresh := cache.New(filepath.Dir(f.cache.Path()), logging.Discard())
	r2 := NewResolver(fresh, remote.NewSession(f.ch, nil), logging.Discard())
	id, err := r2.ResolveDestination(context.Background(), "/Old")
	require.NoError(t, err)
	require.Equal(t, ids[0], id)
	require.Equal(t, 1, f.ch.Calls(memchannel.OpCreateContainer))
}

func TestLookup_NeverCreates(t *testing.T) {
	f := newFixture(t, legacyStore())

	id, ok, err := f.resolver.Lookup(context.Background(), "/Old")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, id)

	_, _, err = f.resolver.Lookup(context.Background(), "/Missing")
	require.ErrorIs(t, err, common.ErrFolderNotFound)
	require.Zero(t, f.ch.Calls(memchannel.OpCreateContainer))
}

func TestCreateFolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	path, err := f.resolver.CreateFolder(ctx, "  Photos ", "/")
	require.NoError(t, err)
	require.Equal(t, "/Photos", path)

	nested, err := f.resolver.CreateFolder(ctx, "2024", "/Photos")
	require.NoError(t, err)
	require.Equal(t, "/Photos/2024", nested)

	s := f.store(t)
	require.Equal(t, []string{"/", "/Photos", "/Photos/2024"}, s.Folders)
	for _, p := range []string{"/Photos", "/Photos/2024"} {
		fc := s.FindContainer(p)
		require.NotNil(t, fc)
		require.NotNil(t, fc.ContainerID)
		entry := s.FolderEntry(p)
		require.NotNil(t, entry)
		require.True(t, entry.IsFolder)
		require.Equal(t, *fc.ContainerID, *entry.ContainerID)
	}
	require.Equal(t, 2, f.ch.Calls(memchannel.OpCreateContainer))
}

func TestCreateFolder_Validation(t *testing.T) {
	ctx := context.Background()
	s := models.NewStore()
	s.Files = append(s.Files, models.FileEntry{ID: "0:1", Name: "taken", Folder: "/", MessageID: models.Int64(1)})
	f := newFixture(t, s)

	_, err := f.resolver.CreateFolder(ctx, "Docs", "/")
	require.NoError(t, err)

	tests := []struct {
		name, parent string
		want         error
	}{
		{"", "/", common.ErrInvalidName},
		{"   ", "/", common.ErrInvalidName},
		{"a/b", "/", common.ErrInvalidName},
		{`a\b`, "/", common.ErrInvalidName},
		{"x", "/missing", common.ErrFolderNotFound},
		{"Docs", "/", common.ErrFolderAlreadyExists},
		{"taken", "/", common.ErrNameCollision},
	}
	for _, tt := range tests {
		_, err := f.resolver.CreateFolder(ctx, tt.name, tt.parent)
		require.ErrorIs(t, err, tt.want, "name %q parent %q", tt.name, tt.parent)
	}
	require.Equal(t, 1, f.ch.Calls(memchannel.OpCreateContainer), "rejected names never reach the remote")
}

func TestCreateFolder_Unauthenticated(t *testing.T) {
	c := cache.New(filepath.Join(t.TempDir(), "data"), logging.Discard())
	r := NewResolver(c, remote.NewSession(nil, nil), logging.Discard())

	_, err := r.CreateFolder(context.Background(), "A", "/")
	require.ErrorIs(t, err, common.ErrRemoteUnauthenticated)
}

func TestCreateFolder_RemoteFailureLeavesIndexUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.ch.Inject(memchannel.OpCreateContainer, errors.New("CHANNELS_TOO_MUCH"))

	_, err := f.resolver.CreateFolder(context.Background(), "A", "/")
	require.Error(t, err)
	require.False(t, f.store(t).HasFolder("/A"))
}

// breakPersistence makes every later write of the index fail while the
// loaded copy stays usable.
func breakPersistence(t *testing.T, c *cache.Cache) {
	t.Helper()
	_, err := c.ReadCopy(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(c.Path()))
	require.NoError(t, os.MkdirAll(filepath.Join(c.Path(), "blocker"), 0o700))
}

func TestCreateFolder_PersistFailureKeepsContainer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	breakPersistence(t, f.cache)

	path, err := f.resolver.CreateFolder(ctx, "Docs", "/")
	require.NoError(t, err)
	require.Equal(t, "/Docs", path)

	id, err := f.resolver.ResolveDestination(ctx, "/Docs")
	require.NoError(t, err)
	require.Contains(t, f.ch.Containers(), id, "mapped container still exists remotely")
	require.Zero(t, f.ch.Calls(memchannel.OpDeleteContainer))
}

func TestCreateFolder_ConcurrentCreateDropsOrphan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var once sync.Once
	f.ch.OnCreateContainer(func() {
		once.Do(func() {
			assert.NoError(t, f.cache.Mutate(ctx, func(s *models.MetadataStore) error {
				s.AddFolderPath("/Docs")
				return nil
			}))
		})
	})

	_, err := f.resolver.CreateFolder(ctx, "Docs", "/")
	require.ErrorIs(t, err, common.ErrFolderAlreadyExists)
	require.Equal(t, []int64{remote.DefaultContainer}, f.ch.Containers())
	require.Nil(t, f.store(t).FindContainer("/Docs"))
}

func TestResolveDestination_FolderDeletedDuringUpgrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, legacyStore())

	var once sync.Once
	f.ch.OnCreateContainer(func() {
		once.Do(func() {
			assert.NoError(t, f.resolver.DeleteFolder(ctx, "/Old"))
		})
	})

	_, err := f.resolver.ResolveDestination(ctx, "/Old")
	require.ErrorIs(t, err, common.ErrFolderNotFound)

	s := f.store(t)
	require.False(t, s.HasFolder("/Old"))
	require.Nil(t, s.FindContainer("/Old"))
	require.Nil(t, s.FolderEntry("/Old"))
	require.Equal(t, []int64{remote.DefaultContainer}, f.ch.Containers())
}

func TestResolveDestination_CancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newFixture(t, legacyStore())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.ch.OnCreateContainer(func() {
		once.Do(func() { close(entered) })
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.resolver.ResolveDestination(ctx, "/Old")
		firstErr <- err
	}()
	<-entered

	type result struct {
		id  int64
		err error
	}
	second := make(chan result, 1)
	go func() {
		id, err := f.resolver.ResolveDestination(context.Background(), "/Old")
		second <- result{id, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(release)

	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, got.id, *f.store(t).FindContainer("/Old").ContainerID)
	require.Equal(t, 1, f.ch.Calls(memchannel.OpCreateContainer))
}

func treeStore() *models.MetadataStore {
	s := models.NewStore()
	s.Files = []models.FileEntry{
		{ID: "fa", Name: "A", Folder: "/", IsFolder: true, ContainerID: models.Int64(1001)},
		{ID: "fb", Name: "B", Folder: "/A", IsFolder: true, ContainerID: models.Int64(1002)},
		{ID: "fc", Name: "C", Folder: "/", IsFolder: true},
		{ID: "1001:1", Name: "a.txt", Folder: "/A", MessageID: models.Int64(1), ContainerID: models.Int64(1001)},
		{ID: "1002:1", Name: "b.txt", Folder: "/A/B", MessageID: models.Int64(1), ContainerID: models.Int64(1002)},
		{ID: "0:1", Name: "flat.txt", Folder: "/A", MessageID: models.Int64(1)},
		{ID: "0:2", Name: "c.txt", Folder: "/C", MessageID: models.Int64(2)},
		{ID: "0:3", Name: "AB.txt", Folder: "/", MessageID: models.Int64(3)},
	}
	s.FolderMetadata = []models.FolderContainer{
		{Path: "/A", ContainerID: models.Int64(1001)},
		{Path: "/A/B", ContainerID: models.Int64(1002)},
	}
	s.Folders = []string{"/", "/A", "/A/B", "/C"}
	return s
}

func TestDeleteFolder_RemovesNestedContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, treeStore())

	a, err := f.ch.CreateContainer(ctx, "A", "")
	require.NoError(t, err)
	b, err := f.ch.CreateContainer(ctx, "B", "")
	require.NoError(t, err)
	require.EqualValues(t, 1000, a.ID)
	require.EqualValues(t, 1001, b.ID)
	// Re-point the seeded mappings at the containers that exist remotely.
	require.NoError(t, f.cache.Mutate(ctx, func(s *models.MetadataStore) error {
		s.FindContainer("/A").ContainerID = models.Int64(a.ID)
		s.FindContainer("/A/B").ContainerID = models.Int64(b.ID)
		return nil
	}))
	_, err = f.ch.Put(remote.DefaultContainer, "flat.txt", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, f.resolver.DeleteFolder(ctx, "/A"))

	s := f.store(t)
	var names []string
	for _, e := range s.Files {
		names = append(names, e.Name)
	}
	require.ElementsMatch(t, []string{"C", "c.txt", "AB.txt"}, names)
	require.Equal(t, []string{"/", "/C"}, s.Folders)
	require.Empty(t, s.FolderMetadata)

	require.Equal(t, []int64{remote.DefaultContainer}, f.ch.Containers())
	msgs, err := f.ch.ListMessages(ctx, remote.DefaultContainer)
	require.NoError(t, err)
	require.Empty(t, msgs, "flat message inside the folder is deleted")
}

func TestDeleteFolder_RemoteFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, treeStore())
	f.ch.Inject(memchannel.OpDeleteContainer, errors.New("boom"), errors.New("boom"))

	require.NoError(t, f.resolver.DeleteFolder(context.Background(), "/A"))
	require.False(t, f.store(t).HasFolder("/A/B"))
}

func TestDeleteFolder_Errors(t *testing.T) {
	f := newFixture(t, nil)

	require.ErrorIs(t, f.resolver.DeleteFolder(context.Background(), "/"), common.ErrInvalidName)
	require.ErrorIs(t, f.resolver.DeleteFolder(context.Background(), "/missing"), common.ErrFolderNotFound)
}
