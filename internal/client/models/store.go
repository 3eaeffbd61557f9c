package models

import (
	"slices"
	"sort"
)

// Schema versions of the persisted document.
const (
	SchemaLegacy  = 1
	SchemaCurrent = 2
)

// FolderContainer maps a logical folder to its remote container.
type FolderContainer struct {
	Path string `json:"path"`

	// ContainerID is nil until the container has been created.
	ContainerID    *int64 `json:"container_id,omitempty"`
	ContainerLabel string `json:"container_label"`
	CreatedAt      int64  `json:"created_at"`
}

func (f FolderContainer) clone() FolderContainer {
	c := f
	c.ContainerID = cloneInt64(f.ContainerID)
	return c
}

// MetadataStore is the whole index. Callers never share one between
// goroutines; the cache hands out deep copies.
type MetadataStore struct {
	// Version is 0 in documents written before versioning existed.
	Version int `json:"version,omitempty"`

	Files []FileEntry `json:"files"`

	// Folders is the flat list of known folder paths kept for older readers.
	// It always contains "/" and every FolderMetadata path.
	Folders []string `json:"folders"`

	FolderMetadata []FolderContainer `json:"folder_metadata"`
}

// NewStore returns an empty store holding only the root folder.
func NewStore() *MetadataStore {
	return &MetadataStore{
		Version:        SchemaCurrent,
		Files:          []FileEntry{},
		Folders:        []string{RootPath},
		FolderMetadata: []FolderContainer{},
	}
}

// Clone returns a deep copy of s.
func (s *MetadataStore) Clone() *MetadataStore {
	c := &MetadataStore{
		Version:        s.Version,
		Files:          make([]FileEntry, len(s.Files)),
		Folders:        slices.Clone(s.Folders),
		FolderMetadata: make([]FolderContainer, len(s.FolderMetadata)),
	}
	if c.Folders == nil {
		c.Folders = []string{}
	}
	for i, e := range s.Files {
		c.Files[i] = e.clone()
	}
	for i, f := range s.FolderMetadata {
		c.FolderMetadata[i] = f.clone()
	}
	return c
}

// FindFile returns a pointer into s.Files, or nil.
func (s *MetadataStore) FindFile(id string) *FileEntry {
	for i := range s.Files {
		if s.Files[i].ID == id {
			return &s.Files[i]
		}
	}
	return nil
}

// FindContainer returns the mapping for path, or nil.
func (s *MetadataStore) FindContainer(path string) *FolderContainer {
	path = CleanPath(path)
	for i := range s.FolderMetadata {
		if s.FolderMetadata[i].Path == path {
			return &s.FolderMetadata[i]
		}
	}
	return nil
}

// HasFolder reports whether path is a known folder.
func (s *MetadataStore) HasFolder(path string) bool {
	path = CleanPath(path)
	if path == RootPath {
		return true
	}
	return slices.Contains(s.Folders, path) || s.FindContainer(path) != nil
}

// ChildNamed returns the entry called name directly inside parent, or nil.
func (s *MetadataStore) ChildNamed(parent, name string) *FileEntry {
	parent = CleanPath(parent)
	for i := range s.Files {
		if s.Files[i].Folder == parent && s.Files[i].Name == name {
			return &s.Files[i]
		}
	}
	return nil
}

// FolderEntry returns the virtual entry representing path, or nil.
func (s *MetadataStore) FolderEntry(path string) *FileEntry {
	parent, name := SplitPath(path)
	for i := range s.Files {
		e := &s.Files[i]
		if e.IsFolder && e.Folder == parent && e.Name == name {
			return e
		}
	}
	return nil
}

// RemoveFile drops the entry with id and reports whether it existed.
func (s *MetadataStore) RemoveFile(id string) bool {
	n := len(s.Files)
	s.Files = slices.DeleteFunc(s.Files, func(e FileEntry) bool { return e.ID == id })
	return len(s.Files) != n
}

// ReplaceFile overwrites the entry with id, or appends e if none matches.
func (s *MetadataStore) ReplaceFile(id string, e FileEntry) {
	if cur := s.FindFile(id); cur != nil {
		*cur = e
		return
	}
	s.Files = append(s.Files, e)
}

// AddFolderPath records path in the legacy folders list.
func (s *MetadataStore) AddFolderPath(path string) {
	path = CleanPath(path)
	if !slices.Contains(s.Folders, path) {
		s.Folders = append(s.Folders, path)
		sort.Strings(s.Folders)
	}
}

// Reconcile upgrades the schema version and restores the folders projection.
// It reports whether anything changed.
func (s *MetadataStore) Reconcile() bool {
	changed := false

	if s.Version < SchemaCurrent {
		s.Version = SchemaCurrent
		changed = true
	}
	if s.Files == nil {
		s.Files = []FileEntry{}
	}
	if s.FolderMetadata == nil {
		s.FolderMetadata = []FolderContainer{}
	}

	want := map[string]struct{}{RootPath: {}}
	for _, p := range s.Folders {
		want[CleanPath(p)] = struct{}{}
	}
	for _, f := range s.FolderMetadata {
		want[CleanPath(f.Path)] = struct{}{}
	}
	for _, e := range s.Files {
		if e.IsFolder {
			want[e.Path()] = struct{}{}
		}
	}

	folders := make([]string, 0, len(want))
	for p := range want {
		folders = append(folders, p)
	}
	sort.Strings(folders)

	if !slices.Equal(folders, s.Folders) {
		s.Folders = folders
		changed = true
	}
	return changed
}

// Normalize makes every id unique. Entries anchored to a remote message get
// AnchorID(container, message); a second entry for the same message is
// dropped. Other entries keep their id unless it is empty or already taken,
// in which case a local id is synthesized. It reports whether anything
// changed.
func (s *MetadataStore) Normalize() bool {
	changed := false
	seen := make(map[string]struct{}, len(s.Files))

	out := s.Files[:0]
	for _, e := range s.Files {
		if !e.Anchored() {
			out = append(out, e)
			continue
		}
		id := AnchorID(e.Container(), *e.MessageID)
		if _, dup := seen[id]; dup {
			changed = true
			continue
		}
		seen[id] = struct{}{}
		if e.ID != id {
			e.ID = id
			changed = true
		}
		out = append(out, e)
	}
	s.Files = out

	for i := range s.Files {
		e := &s.Files[i]
		if e.Anchored() {
			continue
		}
		if _, dup := seen[e.ID]; e.ID == "" || dup {
			e.ID = NewLocalID()
			changed = true
		}
		seen[e.ID] = struct{}{}
	}
	return changed
}
