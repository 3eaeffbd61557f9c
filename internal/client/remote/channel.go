// Package remote defines the contract msgvault needs from a messaging
// account: upload an attachment, post it into a container, list, fetch and
// delete messages, manage containers and probe liveness.
package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// DefaultContainer is the well-known container every account has (the
// "saved messages" of the account). It never needs to be created.
const DefaultContainer int64 = 0

// CaptionPrefix starts the caption of every message msgvault posts.
const CaptionPrefix = "📁 "

var (
	ErrContainerNotFound = errors.New("container not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrAttachmentUnknown = errors.New("attachment not uploaded")
)

// Attachment is an uploaded payload not yet posted to a container.
type Attachment struct {
	Key      string
	Name     string
	Size     int64
	MimeType string
}

// Message is a posted message. Messages without a file have an empty
// FileName.
type Message struct {
	ID        int64
	Container int64
	Caption   string
	FileName  string
	Size      int64
	MimeType  string
	Date      time.Time
}

// HasFile reports whether the message carries an attachment.
func (m Message) HasFile() bool { return m.FileName != "" }

// Container is a remote destination holding messages.
type Container struct {
	ID    int64
	Title string
	About string
}

// Channel is an authenticated connection to the remote account. It is safe
// for concurrent use.
type Channel interface {
	// UploadAttachment stores size bytes from r and returns a handle for
	// SendAttachment.
	UploadAttachment(ctx context.Context, name, mimeType string, size int64, r io.Reader) (Attachment, error)

	// SendAttachment posts an uploaded attachment into container.
	SendAttachment(ctx context.Context, container int64, att Attachment, caption string) (Message, error)

	// ListMessages enumerates container, oldest first.
	ListMessages(ctx context.Context, container int64) ([]Message, error)

	// Download writes the attachment of a message to w.
	Download(ctx context.Context, container, messageID int64, w io.Writer) (int64, error)

	CreateContainer(ctx context.Context, title, about string) (Container, error)
	DeleteContainer(ctx context.Context, container int64) error
	DeleteMessage(ctx context.Context, container, messageID int64) error

	// Ping is a cheap liveness check.
	Ping(ctx context.Context) error
}

// Caption builds the caption for a file called name.
func Caption(name string) string {
	return CaptionPrefix + name
}

// NameFromCaption recovers a file name from a caption built by Caption.
func NameFromCaption(caption string) (string, bool) {
	name, ok := strings.CutPrefix(caption, CaptionPrefix)
	if !ok || strings.TrimSpace(name) == "" {
		return "", false
	}
	return name, true
}
