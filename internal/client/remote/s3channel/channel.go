// Package s3channel stores the account in an S3-compatible bucket.
//
// Layout:
//
//	staging/<uuid>                 uploaded, not yet posted attachments
//	c/<container>/container.json   container title and description
//	c/<container>/m/<message>      message payloads; caption and file
//	                               attributes live in object metadata
//
// The default container has no marker object. Message and container ids are
// allocated from a monotonic microsecond clock, which is enough for the
// single-writer use the index assumes.
package s3channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/msgvault/internal/client/remote"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

const (
	metaCaption  = "caption"
	metaFileName = "file-name"
	metaMimeType = "mime-type"
	metaCreated  = "created"

	markerName = "container.json"
)

// ObjectAPI is the part of *s3.Client the channel uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Config locates the bucket.
type Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

// Channel is a remote.Channel over an S3 bucket.
type Channel struct {
	api    ObjectAPI
	bucket string
	now    func() time.Time

	idMu   sync.Mutex
	lastID int64
}

var _ remote.Channel = (*Channel)(nil)

// New builds an S3 client from cfg. Static credentials are used when an
// access key is given, the default AWS chain otherwise. A base endpoint
// switches to path-style addressing for MinIO and similar stores.
func New(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is not configured")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return NewWithAPI(client, cfg.Bucket), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api ObjectAPI, bucket string) *Channel {
	return &Channel{api: api, bucket: bucket, now: time.Now}
}

func (c *Channel) nextID() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	id := c.now().UnixMicro()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

func containerPrefix(container int64) string {
	return fmt.Sprintf("c/%d/", container)
}

func messagePrefix(container int64) string {
	return containerPrefix(container) + "m/"
}

func messageKey(container, id int64) string {
	return fmt.Sprintf("%s%020d", messagePrefix(container), id)
}

func markerKey(container int64) string {
	return containerPrefix(container) + markerName
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (c *Channel) UploadAttachment(ctx context.Context, name, mimeType string, size int64, r io.Reader) (remote.Attachment, error) {
	att := remote.Attachment{Key: "staging/" + uuid.NewString(), Name: name, Size: size, MimeType: mimeType}

	in := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(att.Key),
		Body:   r,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if mimeType != "" {
		in.ContentType = aws.String(mimeType)
	}

	// The progress reader is not seekable, so the payload cannot be hashed
	// up front.
	_, err := c.api.PutObject(ctx, in, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return remote.Attachment{}, fmt.Errorf("put %s: %w", att.Key, err)
	}
	return att, nil
}

func (c *Channel) checkContainer(ctx context.Context, container int64) error {
	if container == remote.DefaultContainer {
		return nil
	}
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(markerKey(container))})
	if isNotFound(err) {
		return fmt.Errorf("%w: %d", remote.ErrContainerNotFound, container)
	}
	return err
}

func (c *Channel) SendAttachment(ctx context.Context, container int64, att remote.Attachment, caption string) (remote.Message, error) {
	if err := c.checkContainer(ctx, container); err != nil {
		return remote.Message{}, err
	}

	msg := remote.Message{
		ID:        c.nextID(),
		Container: container,
		Caption:   caption,
		FileName:  att.Name,
		Size:      att.Size,
		MimeType:  att.MimeType,
		Date:      c.now().UTC().Truncate(time.Second),
	}

	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(messageKey(container, msg.ID)),
		CopySource:        aws.String(c.bucket + "/" + att.Key),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata: map[string]string{
			metaCaption:  url.QueryEscape(caption),
			metaFileName: url.QueryEscape(att.Name),
			metaMimeType: url.QueryEscape(att.MimeType),
			metaCreated:  strconv.FormatInt(msg.Date.Unix(), 10),
		},
	})
	if isNotFound(err) {
		return remote.Message{}, remote.ErrAttachmentUnknown
	}
	if err != nil {
		return remote.Message{}, fmt.Errorf("copy %s: %w", att.Key, err)
	}

	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(att.Key)}); err != nil {
		return remote.Message{}, fmt.Errorf("delete %s: %w", att.Key, err)
	}
	return msg, nil
}

func (c *Channel) listKeys(ctx context.Context, prefix string) ([]types.Object, error) {
	var out []types.Object
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, page.Contents...)
	}
	return out, nil
}

func unescape(s string) string {
	v, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return v
}

func (c *Channel) ListMessages(ctx context.Context, container int64) ([]remote.Message, error) {
	if err := c.checkContainer(ctx, container); err != nil {
		return nil, err
	}

	objects, err := c.listKeys(ctx, messagePrefix(container))
	if err != nil {
		return nil, err
	}

	msgs := make([]remote.Message, 0, len(objects))
	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		id, err := strconv.ParseInt(path.Base(key), 10, 64)
		if err != nil {
			continue
		}

		head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("head %s: %w", key, err)
		}

		m := remote.Message{
			ID:        id,
			Container: container,
			Caption:   unescape(head.Metadata[metaCaption]),
			FileName:  unescape(head.Metadata[metaFileName]),
			MimeType:  unescape(head.Metadata[metaMimeType]),
			Size:      aws.ToInt64(head.ContentLength),
		}
		if secs, err := strconv.ParseInt(head.Metadata[metaCreated], 10, 64); err == nil {
			m.Date = time.Unix(secs, 0).UTC()
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (c *Channel) Download(ctx context.Context, container, messageID int64, w io.Writer) (int64, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(messageKey(container, messageID)),
	})
	if isNotFound(err) {
		return 0, fmt.Errorf("%w: %d/%d", remote.ErrMessageNotFound, container, messageID)
	}
	if err != nil {
		return 0, fmt.Errorf("get message %d/%d: %w", container, messageID, err)
	}
	defer out.Body.Close()

	return io.Copy(w, out.Body)
}

type marker struct {
	Title string `json:"title"`
	About string `json:"about"`
}

func (c *Channel) CreateContainer(ctx context.Context, title, about string) (remote.Container, error) {
	cont := remote.Container{ID: c.nextID(), Title: title, About: about}

	body, err := json.Marshal(marker{Title: title, About: about})
	if err != nil {
		return remote.Container{}, err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(markerKey(cont.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return remote.Container{}, fmt.Errorf("create container: %w", err)
	}
	return cont, nil
}

func (c *Channel) DeleteContainer(ctx context.Context, container int64) error {
	if container == remote.DefaultContainer {
		return errors.New("cannot delete the default container")
	}
	if err := c.checkContainer(ctx, container); err != nil {
		return err
	}

	objects, err := c.listKeys(ctx, containerPrefix(container))
	if err != nil {
		return err
	}

	// The marker goes last so a partial failure leaves a container that can
	// be deleted again.
	for _, obj := range objects {
		if strings.HasSuffix(aws.ToString(obj.Key), "/"+markerName) {
			continue
		}
		if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: obj.Key}); err != nil {
			return fmt.Errorf("delete %s: %w", aws.ToString(obj.Key), err)
		}
	}

	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(markerKey(container))})
	return err
}

func (c *Channel) DeleteMessage(ctx context.Context, container, messageID int64) error {
	key := messageKey(container, messageID)

	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if isNotFound(err) {
		return fmt.Errorf("%w: %d/%d", remote.ErrMessageNotFound, container, messageID)
	}
	if err != nil {
		return fmt.Errorf("head %s: %w", key, err)
	}

	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (c *Channel) Ping(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err
}
