// Package memchannel is an in-process remote.Channel. It backs the "memory"
// backend and doubles as a fake with fault injection for tests.
package memchannel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/msgvault/internal/client/remote"
)

// Operation names accepted by Inject and Calls.
const (
	OpUpload          = "upload"
	OpSend            = "send"
	OpList            = "list"
	OpDownload        = "download"
	OpCreateContainer = "create_container"
	OpDeleteContainer = "delete_container"
	OpDeleteMessage   = "delete_message"
	OpPing            = "ping"
)

type message struct {
	meta remote.Message
	data []byte
}

type container struct {
	meta     remote.Container
	nextID   int64
	messages map[int64]*message
}

type staged struct {
	att  remote.Attachment
	data []byte
}

// Channel keeps everything in maps guarded by one mutex.
type Channel struct {
	mu          sync.Mutex
	containers  map[int64]*container
	nextCont    int64
	attachments map[string]staged
	faults      map[string][]error
	calls       map[string]int
	truncate    int
	createHook  func()
	sendHook    func()
	now         func() time.Time
}

var _ remote.Channel = (*Channel)(nil)

// New returns a channel holding only the default container.
func New() *Channel {
	c := &Channel{
		containers:  map[int64]*container{},
		nextCont:    1000,
		attachments: map[string]staged{},
		faults:      map[string][]error{},
		calls:       map[string]int{},
		now:         time.Now,
	}
	c.containers[remote.DefaultContainer] = &container{
		meta:     remote.Container{ID: remote.DefaultContainer, Title: "Saved Messages"},
		nextID:   1,
		messages: map[int64]*message{},
	}
	return c
}

// Inject queues errors returned by the next calls of op, one per call.
// A nil entry lets that call through.
func (c *Channel) Inject(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], errs...)
}

// Calls reports how many times op was invoked.
func (c *Channel) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// TruncateDownloads makes the next n downloads deliver half the payload.
func (c *Channel) TruncateDownloads(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.truncate = n
}

// OnCreateContainer installs a hook run, without the lock, at the start of
// every CreateContainer call.
func (c *Channel) OnCreateContainer(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createHook = hook
}

// OnSend installs a hook run, without the lock, after a SendAttachment call
// is admitted and before the message is stored.
func (c *Channel) OnSend(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendHook = hook
}

// Containers lists existing container ids, default included.
func (c *Channel) Containers() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.containers))
	for id := range c.containers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Put stores a message directly, bypassing upload. Useful to seed state.
func (c *Channel) Put(containerID int64, name string, data []byte) (remote.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.postLocked(containerID, remote.Attachment{Name: name, Size: int64(len(data)), MimeType: "application/octet-stream"}, remote.Caption(name), data)
}

// enter counts the call and pops an injected fault. Callers hold no lock.
func (c *Channel) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[op]++
	queue := c.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	c.faults[op] = queue[1:]
	return err
}

func (c *Channel) UploadAttachment(ctx context.Context, name, mimeType string, size int64, r io.Reader) (remote.Attachment, error) {
	if err := c.enter(ctx, OpUpload); err != nil {
		return remote.Attachment{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return remote.Attachment{}, fmt.Errorf("read payload: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return remote.Attachment{}, fmt.Errorf("payload size mismatch: got %d, want %d", len(data), size)
	}

	att := remote.Attachment{Key: uuid.NewString(), Name: name, Size: int64(len(data)), MimeType: mimeType}

	c.mu.Lock()
	c.attachments[att.Key] = staged{att: att, data: data}
	c.mu.Unlock()

	return att, nil
}

func (c *Channel) SendAttachment(ctx context.Context, containerID int64, att remote.Attachment, caption string) (remote.Message, error) {
	if err := c.enter(ctx, OpSend); err != nil {
		return remote.Message{}, err
	}

	c.mu.Lock()
	hook := c.sendHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.attachments[att.Key]
	if !ok {
		return remote.Message{}, remote.ErrAttachmentUnknown
	}
	msg, err := c.postLocked(containerID, st.att, caption, st.data)
	if err != nil {
		return remote.Message{}, err
	}
	delete(c.attachments, att.Key)
	return msg, nil
}

func (c *Channel) postLocked(containerID int64, att remote.Attachment, caption string, data []byte) (remote.Message, error) {
	cont, ok := c.containers[containerID]
	if !ok {
		return remote.Message{}, fmt.Errorf("%w: %d", remote.ErrContainerNotFound, containerID)
	}

	msg := remote.Message{
		ID:        cont.nextID,
		Container: containerID,
		Caption:   caption,
		FileName:  att.Name,
		Size:      att.Size,
		MimeType:  att.MimeType,
		Date:      c.now().UTC(),
	}
	cont.nextID++
	cont.messages[msg.ID] = &message{meta: msg, data: data}
	return msg, nil
}

func (c *Channel) ListMessages(ctx context.Context, containerID int64) ([]remote.Message, error) {
	if err := c.enter(ctx, OpList); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cont, ok := c.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", remote.ErrContainerNotFound, containerID)
	}

	out := make([]remote.Message, 0, len(cont.messages))
	for _, m := range cont.messages {
		out = append(out, m.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Channel) Download(ctx context.Context, containerID, messageID int64, w io.Writer) (int64, error) {
	if err := c.enter(ctx, OpDownload); err != nil {
		return 0, err
	}

	c.mu.Lock()
	cont, ok := c.containers[containerID]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", remote.ErrContainerNotFound, containerID)
	}
	m, ok := cont.messages[messageID]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %d/%d", remote.ErrMessageNotFound, containerID, messageID)
	}
	data := m.data
	if c.truncate > 0 {
		c.truncate--
		data = data[:len(data)/2]
	}
	c.mu.Unlock()

	return io.Copy(w, bytes.NewReader(data))
}

func (c *Channel) CreateContainer(ctx context.Context, title, about string) (remote.Container, error) {
	c.mu.Lock()
	hook := c.createHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	if err := c.enter(ctx, OpCreateContainer); err != nil {
		return remote.Container{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	meta := remote.Container{ID: c.nextCont, Title: title, About: about}
	c.nextCont++
	c.containers[meta.ID] = &container{meta: meta, nextID: 1, messages: map[int64]*message{}}
	return meta, nil
}

func (c *Channel) DeleteContainer(ctx context.Context, containerID int64) error {
	if err := c.enter(ctx, OpDeleteContainer); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if containerID == remote.DefaultContainer {
		return fmt.Errorf("cannot delete the default container")
	}
	if _, ok := c.containers[containerID]; !ok {
		return fmt.Errorf("%w: %d", remote.ErrContainerNotFound, containerID)
	}
	delete(c.containers, containerID)
	return nil
}

func (c *Channel) DeleteMessage(ctx context.Context, containerID, messageID int64) error {
	if err := c.enter(ctx, OpDeleteMessage); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cont, ok := c.containers[containerID]
	if !ok {
		return fmt.Errorf("%w: %d", remote.ErrContainerNotFound, containerID)
	}
	if _, ok := cont.messages[messageID]; !ok {
		return fmt.Errorf("%w: %d/%d", remote.ErrMessageNotFound, containerID, messageID)
	}
	delete(cont.messages, messageID)
	return nil
}

func (c *Channel) Ping(ctx context.Context) error {
	return c.enter(ctx, OpPing)
}
