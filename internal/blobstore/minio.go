package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	minioPartSize   = 5 << 20
	metaFilename    = "filename"
	metaOwnerRef    = "owner-ref"
	metaOriginalRef = "original-ref"
	metaAttrPrefix  = "attr-"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Minio keeps both logical buckets as key prefixes of one S3 bucket: <bucket>/<id>.
// Derived objects also get a pointer object <bucket>/refs/<originalRef> holding their id.
type Minio struct {
	cl     *minio.Client
	bucket string
}

func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	const op = "blobstore.NewMinio"

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return &Minio{cl: cl, bucket: cfg.Bucket}, nil
}

func (m *Minio) OpenWriteStream(ctx context.Context, bucket Bucket, meta Metadata) (Writer, error) {
	const op = "blobstore.Minio.OpenWriteStream"

	if err := checkBucket(bucket); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	meta.ID = NewID()
	meta.Name = ObjectName(meta.ID, meta.ContentType)
	meta.Attributes = cloneAttributes(meta.Attributes)

	pr, pw := io.Pipe()
	w := &minioWriter{ctx: ctx, store: m, bucket: bucket, meta: meta, pw: pw, done: make(chan putResult, 1)}
	go func() {
		info, err := m.cl.PutObject(ctx, m.bucket, objectKey(bucket, meta.ID), pr, -1, minio.PutObjectOptions{
			ContentType:  meta.ContentType,
			UserMetadata: toUserMetadata(meta),
			PartSize:     minioPartSize,
		})
		pr.CloseWithError(err)
		w.done <- putResult{info: info, err: err}
	}()
	return w, nil
}

func (m *Minio) OpenReadStreamByName(ctx context.Context, bucket Bucket, name string) (*Object, error) {
	const op = "blobstore.Minio.OpenReadStreamByName"

	id, ok := IDFromName(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	obj, err := m.OpenReadStreamByID(ctx, bucket, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if obj.Meta.Name != name {
		_ = obj.Close()
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return obj, nil
}

func (m *Minio) OpenReadStreamByID(ctx context.Context, bucket Bucket, id string) (*Object, error) {
	const op = "blobstore.Minio.OpenReadStreamByID"

	meta, err := m.stat(ctx, bucket, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rc, err := m.cl.GetObject(ctx, m.bucket, objectKey(bucket, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapMinioErr(err))
	}
	return &Object{ReadCloser: rc, Meta: *meta}, nil
}

func (m *Minio) FindMetadataByID(ctx context.Context, bucket Bucket, id string) (*Metadata, error) {
	const op = "blobstore.Minio.FindMetadataByID"

	meta, err := m.stat(ctx, bucket, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return meta, nil
}

func (m *Minio) FindByOriginalRef(ctx context.Context, bucket Bucket, originalRef string) (*Metadata, error) {
	const op = "blobstore.Minio.FindByOriginalRef"

	if err := checkBucket(bucket); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ValidID(originalRef) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if _, err := m.cl.StatObject(ctx, m.bucket, refKey(bucket, originalRef), minio.StatObjectOptions{}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapMinioErr(err))
	}
	ref, err := m.cl.GetObject(ctx, m.bucket, refKey(bucket, originalRef), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapMinioErr(err))
	}
	defer ref.Close()
	raw, err := io.ReadAll(io.LimitReader(ref, 64))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapMinioErr(err))
	}
	meta, err := m.stat(ctx, bucket, strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return meta, nil
}

func (m *Minio) UpdateMetadata(ctx context.Context, bucket Bucket, id string, patch map[string]string) (bool, error) {
	const op = "blobstore.Minio.UpdateMetadata"

	meta, err := m.stat(ctx, bucket, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if meta.Attributes == nil {
		meta.Attributes = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		meta.Attributes[k] = v
	}

	userMeta := toUserMetadata(*meta)
	userMeta["Content-Type"] = meta.ContentType
	key := objectKey(bucket, id)
	_, err = m.cl.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.bucket, Object: key, UserMetadata: userMeta, ReplaceMetadata: true},
		minio.CopySrcOptions{Bucket: m.bucket, Object: key},
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, mapMinioErr(err))
	}
	return true, nil
}

func (m *Minio) stat(ctx context.Context, bucket Bucket, id string) (*Metadata, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	info, err := m.cl.StatObject(ctx, m.bucket, objectKey(bucket, id), minio.StatObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}
	meta := &Metadata{
		ID:          id,
		Name:        ObjectName(id, info.ContentType),
		ContentType: info.ContentType,
		Size:        info.Size,
		UploadedAt:  info.LastModified.UTC(),
	}
	for k, v := range info.UserMetadata {
		switch key := strings.ToLower(k); {
		case key == metaFilename:
			meta.Filename = v
		case key == metaOwnerRef:
			meta.OwnerRef = v
		case key == metaOriginalRef:
			meta.OriginalRef = v
		case strings.HasPrefix(key, metaAttrPrefix):
			if meta.Attributes == nil {
				meta.Attributes = make(map[string]string)
			}
			meta.Attributes[strings.TrimPrefix(key, metaAttrPrefix)] = v
		}
	}
	return meta, nil
}

func (m *Minio) link(ctx context.Context, bucket Bucket, originalRef, id string) error {
	_, err := m.cl.PutObject(ctx, m.bucket, refKey(bucket, originalRef), strings.NewReader(id), int64(len(id)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	return err
}

func toUserMetadata(meta Metadata) map[string]string {
	um := make(map[string]string, len(meta.Attributes)+3)
	if meta.Filename != "" {
		um[metaFilename] = meta.Filename
	}
	if meta.OwnerRef != "" {
		um[metaOwnerRef] = meta.OwnerRef
	}
	if meta.OriginalRef != "" {
		um[metaOriginalRef] = meta.OriginalRef
	}
	for k, v := range meta.Attributes {
		um[metaAttrPrefix+k] = v
	}
	return um
}

func objectKey(bucket Bucket, id string) string {
	return string(bucket) + "/" + id
}

func refKey(bucket Bucket, originalRef string) string {
	return string(bucket) + "/refs/" + originalRef
}

func mapMinioErr(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return ErrNotFound
	}
	return err
}

type putResult struct {
	info minio.UploadInfo
	err  error
}

type minioWriter struct {
	ctx      context.Context
	store    *Minio
	bucket   Bucket
	meta     Metadata
	pw       *io.PipeWriter
	done     chan putResult
	n        int64
	finished bool
}

func (w *minioWriter) ID() string { return w.meta.ID }

func (w *minioWriter) Write(p []byte) (int, error) {
	if w.finished {
		return 0, ErrCommitted
	}
	n, err := w.pw.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *minioWriter) Commit() (*Metadata, error) {
	const op = "blobstore.Minio.Commit"

	if w.finished {
		return nil, ErrCommitted
	}
	w.finished = true
	_ = w.pw.Close()
	res := <-w.done
	if res.err != nil {
		return nil, fmt.Errorf("%s: %w", op, res.err)
	}

	meta := w.meta
	meta.Size = w.n
	meta.UploadedAt = res.info.LastModified.UTC()
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = time.Now().UTC()
	}
	if meta.OriginalRef != "" {
		if err := w.store.link(w.ctx, w.bucket, meta.OriginalRef, meta.ID); err != nil {
			_ = w.store.cl.RemoveObject(context.WithoutCancel(w.ctx), w.store.bucket, objectKey(w.bucket, meta.ID), minio.RemoveObjectOptions{})
			return nil, fmt.Errorf("%s: link %s: %w", op, meta.OriginalRef, err)
		}
	}
	return &meta, nil
}

func (w *minioWriter) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	_ = w.pw.CloseWithError(ErrAborted)
	<-w.done
	return nil
}
