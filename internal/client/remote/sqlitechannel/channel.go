// Package sqlitechannel emulates a remote account on a local SQLite
// database. Containers, staged attachments and messages live in three
// tables created by embedded goose migrations.
package sqlitechannel

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/msgvault/internal/client/remote"
	"github.com/dmitrijs2005/msgvault/internal/client/remote/sqlitechannel/migrations"
	"github.com/dmitrijs2005/msgvault/internal/dbx"
)

// Channel is a remote.Channel over *sql.DB.
type Channel struct {
	db  *sql.DB
	now func() time.Time
}

var _ remote.Channel = (*Channel)(nil)

// Open opens (creating if needed) the database at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Channel, error) {
	db, err := dbx.OpenSQLite(ctx, dsn, migrations.FS)
	if err != nil {
		return nil, err
	}
	return &Channel{db: db, now: time.Now}, nil
}

// Close releases the database.
func (c *Channel) Close() error {
	return c.db.Close()
}

func (c *Channel) UploadAttachment(ctx context.Context, name, mimeType string, size int64, r io.Reader) (remote.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return remote.Attachment{}, fmt.Errorf("read payload: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return remote.Attachment{}, fmt.Errorf("payload size mismatch: got %d, want %d", len(data), size)
	}

	att := remote.Attachment{Key: uuid.NewString(), Name: name, Size: int64(len(data)), MimeType: mimeType}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO attachments (key, name, mime_type, size, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		att.Key, att.Name, att.MimeType, att.Size, data, c.now().Unix())
	if err != nil {
		return remote.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	return att, nil
}

func (c *Channel) SendAttachment(ctx context.Context, container int64, att remote.Attachment, caption string) (remote.Message, error) {
	var msg remote.Message

	err := dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var next int64
		err := tx.QueryRowContext(ctx, `SELECT next_message_id FROM containers WHERE id = ?`, container).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", remote.ErrContainerNotFound, container)
		}
		if err != nil {
			return err
		}

		var (
			name, mimeType string
			size           int64
			data           []byte
		)
		err = tx.QueryRowContext(ctx, `SELECT name, mime_type, size, data FROM attachments WHERE key = ?`, att.Key).
			Scan(&name, &mimeType, &size, &data)
		if errors.Is(err, sql.ErrNoRows) {
			return remote.ErrAttachmentUnknown
		}
		if err != nil {
			return err
		}

		now := c.now().UTC().Truncate(time.Second)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (container_id, id, caption, file_name, mime_type, size, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			container, next, caption, name, mimeType, size, data, now.Unix()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE containers SET next_message_id = ? WHERE id = ?`, next+1, container); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE key = ?`, att.Key); err != nil {
			return err
		}

		msg = remote.Message{
			ID:        next,
			Container: container,
			Caption:   caption,
			FileName:  name,
			Size:      size,
			MimeType:  mimeType,
			Date:      now,
		}
		return nil
	})
	if err != nil {
		return remote.Message{}, fmt.Errorf("send attachment: %w", err)
	}
	return msg, nil
}

func (c *Channel) containerExists(ctx context.Context, q dbx.DBTX, container int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM containers WHERE id = ?`, container).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", remote.ErrContainerNotFound, container)
	}
	return err
}

func (c *Channel) ListMessages(ctx context.Context, container int64) ([]remote.Message, error) {
	if err := c.containerExists(ctx, c.db, container); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, caption, file_name, mime_type, size, created_at FROM messages WHERE container_id = ? ORDER BY id`,
		container)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []remote.Message
	for rows.Next() {
		m := remote.Message{Container: container}
		var created int64
		if err := rows.Scan(&m.ID, &m.Caption, &m.FileName, &m.MimeType, &m.Size, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Date = time.Unix(created, 0).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (c *Channel) Download(ctx context.Context, container, messageID int64, w io.Writer) (int64, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT data FROM messages WHERE container_id = ? AND id = ?`, container, messageID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d/%d", remote.ErrMessageNotFound, container, messageID)
	}
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}

	return io.Copy(w, bytes.NewReader(data))
}

func (c *Channel) CreateContainer(ctx context.Context, title, about string) (remote.Container, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO containers (title, about, created_at) VALUES (?, ?, ?)`, title, about, c.now().Unix())
	if err != nil {
		return remote.Container{}, fmt.Errorf("create container: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return remote.Container{}, fmt.Errorf("create container: %w", err)
	}
	return remote.Container{ID: id, Title: title, About: about}, nil
}

func (c *Channel) DeleteContainer(ctx context.Context, container int64) error {
	if container == remote.DefaultContainer {
		return errors.New("cannot delete the default container")
	}

	return dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := c.containerExists(ctx, tx, container); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE container_id = ?`, container); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, container)
		return err
	})
}

func (c *Channel) DeleteMessage(ctx context.Context, container, messageID int64) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE container_id = ? AND id = ?`, container, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d/%d", remote.ErrMessageNotFound, container, messageID)
	}
	return nil
}

func (c *Channel) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
