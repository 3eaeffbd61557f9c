package models

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultContainer is the container id used for entries stored outside any
// folder container. It is never persisted in ContainerID.
const DefaultContainer int64 = 0

// FileEntry is one row of the index: either a stored file or a virtual
// placeholder for a folder.
type FileEntry struct {
	// ID is unique within the store. See AnchorID and NewLocalID.
	ID string `json:"id"`

	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`

	// CreatedAt is in epoch seconds.
	CreatedAt int64 `json:"created_at"`

	// Folder is the logical path the entry is listed under, e.g. "/Photos".
	Folder string `json:"folder"`

	// IsFolder marks a virtual entry representing the folder Folder/Name.
	IsFolder bool `json:"is_folder"`

	// MessageID is the remote message carrying the payload, if any.
	MessageID *int64 `json:"message_id,omitempty"`

	// ContainerID is the remote container holding the message. Nil means
	// DefaultContainer.
	ContainerID *int64 `json:"container_id,omitempty"`
}

// Path returns the logical path of the entry itself.
func (e FileEntry) Path() string {
	return JoinPath(e.Folder, e.Name)
}

// Container returns the container id, resolving nil to DefaultContainer.
func (e FileEntry) Container() int64 {
	if e.ContainerID == nil {
		return DefaultContainer
	}
	return *e.ContainerID
}

// Anchored reports whether the entry points at a remote message.
func (e FileEntry) Anchored() bool {
	return !e.IsFolder && e.MessageID != nil
}

func (e FileEntry) clone() FileEntry {
	c := e
	c.MessageID = cloneInt64(e.MessageID)
	c.ContainerID = cloneInt64(e.ContainerID)
	return c
}

// AnchorID builds the canonical id of an entry backed by a remote message.
func AnchorID(container, messageID int64) string {
	return fmt.Sprintf("%d:%d", container, messageID)
}

// ParseAnchorID splits an id produced by AnchorID.
func ParseAnchorID(id string) (container, messageID int64, ok bool) {
	c, m, found := strings.Cut(id, ":")
	if !found {
		return 0, 0, false
	}
	container, err := strconv.ParseInt(c, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	messageID, err = strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return container, messageID, true
}

var localSeq atomic.Uint64

// NewLocalID synthesizes an id for an entry with no remote anchor.
func NewLocalID() string {
	return fmt.Sprintf("local:%d:%d", time.Now().UnixNano(), localSeq.Add(1))
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
