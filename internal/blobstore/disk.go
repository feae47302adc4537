package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Disk keeps objects under root/<bucket>/objects with a JSON sidecar per object in
// root/<bucket>/meta. The sidecar rename is the commit point.
type Disk struct {
	root string
	mu   sync.Mutex // serializes sidecar rewrites in UpdateMetadata
}

func NewDisk(root string) (*Disk, error) {
	const op = "blobstore.NewDisk"

	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%s: root is required", op)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	dirs := []string{filepath.Join(abs, "tmp")}
	for _, b := range []Bucket{Originals, Derived} {
		dirs = append(dirs,
			filepath.Join(abs, string(b), "objects"),
			filepath.Join(abs, string(b), "meta"),
			filepath.Join(abs, string(b), "refs"),
		)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return &Disk{root: abs}, nil
}

func (d *Disk) OpenWriteStream(ctx context.Context, bucket Bucket, meta Metadata) (Writer, error) {
	const op = "blobstore.Disk.OpenWriteStream"

	if err := checkBucket(bucket); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tmp, err := os.CreateTemp(filepath.Join(d.root, "tmp"), "put-*")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	meta.ID = NewID()
	meta.Name = ObjectName(meta.ID, meta.ContentType)
	meta.Attributes = cloneAttributes(meta.Attributes)
	return &diskWriter{ctx: ctx, store: d, bucket: bucket, meta: meta, tmp: tmp}, nil
}

func (d *Disk) OpenReadStreamByName(ctx context.Context, bucket Bucket, name string) (*Object, error) {
	const op = "blobstore.Disk.OpenReadStreamByName"

	id, ok := IDFromName(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	meta, err := d.readMeta(ctx, bucket, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if meta.Name != name {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return d.open(bucket, meta)
}

func (d *Disk) OpenReadStreamByID(ctx context.Context, bucket Bucket, id string) (*Object, error) {
	const op = "blobstore.Disk.OpenReadStreamByID"

	meta, err := d.readMeta(ctx, bucket, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return d.open(bucket, meta)
}

func (d *Disk) FindMetadataByID(ctx context.Context, bucket Bucket, id string) (*Metadata, error) {
	const op = "blobstore.Disk.FindMetadataByID"

	meta, err := d.readMeta(ctx, bucket, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return meta, nil
}

func (d *Disk) FindByOriginalRef(ctx context.Context, bucket Bucket, originalRef string) (*Metadata, error) {
	const op = "blobstore.Disk.FindByOriginalRef"

	if err := checkBucket(bucket); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ValidID(originalRef) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	raw, err := os.ReadFile(d.refPath(bucket, originalRef))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	meta, err := d.readMeta(ctx, bucket, strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return meta, nil
}

func (d *Disk) UpdateMetadata(ctx context.Context, bucket Bucket, id string, patch map[string]string) (bool, error) {
	const op = "blobstore.Disk.UpdateMetadata"

	d.mu.Lock()
	defer d.mu.Unlock()

	meta, err := d.readMeta(ctx, bucket, id)
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
	if err := d.writeMeta(bucket, meta); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (d *Disk) open(bucket Bucket, meta *Metadata) (*Object, error) {
	f, err := os.Open(d.objectPath(bucket, meta.ID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Object{ReadCloser: f, Meta: *meta}, nil
}

func (d *Disk) readMeta(ctx context.Context, bucket Bucket, id string) (*Metadata, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	raw, err := os.ReadFile(d.metaPath(bucket, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", id, err)
	}
	return &meta, nil
}

func (d *Disk) writeMeta(bucket Bucket, meta *Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(d.root, "tmp"), "meta-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.metaPath(bucket, meta.ID))
}

// link records the derived->original join. The first committed derived object wins.
func (d *Disk) link(bucket Bucket, originalRef, id string) error {
	f, err := os.OpenFile(d.refPath(bucket, originalRef), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(id); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// remove deletes the sidecar before the object, so readers never see metadata without bytes.
func (d *Disk) remove(bucket Bucket, id string) {
	_ = os.Remove(d.metaPath(bucket, id))
	_ = os.Remove(d.objectPath(bucket, id))
}

func (d *Disk) objectPath(bucket Bucket, id string) string {
	return filepath.Join(d.root, string(bucket), "objects", id)
}

func (d *Disk) metaPath(bucket Bucket, id string) string {
	return filepath.Join(d.root, string(bucket), "meta", id+".json")
}

func (d *Disk) refPath(bucket Bucket, originalRef string) string {
	return filepath.Join(d.root, string(bucket), "refs", originalRef)
}

type diskWriter struct {
	ctx    context.Context
	store  *Disk
	bucket Bucket
	meta   Metadata
	tmp    *os.File
	n      int64
	done   bool
	err    error
}

func (w *diskWriter) ID() string { return w.meta.ID }

func (w *diskWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrCommitted
	}
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.tmp.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *diskWriter) Commit() (*Metadata, error) {
	const op = "blobstore.Disk.Commit"

	if w.done {
		if w.err != nil {
			return nil, w.err
		}
		return nil, ErrCommitted
	}
	w.done = true

	fail := func(err error) (*Metadata, error) {
		_ = w.tmp.Close()
		_ = os.Remove(w.tmp.Name())
		w.err = fmt.Errorf("%s: %w", op, err)
		return nil, w.err
	}
	if err := w.ctx.Err(); err != nil {
		return fail(err)
	}
	if err := w.tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := w.tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(w.tmp.Name(), w.store.objectPath(w.bucket, w.meta.ID)); err != nil {
		return fail(err)
	}

	meta := w.meta
	meta.Size = w.n
	meta.UploadedAt = time.Now().UTC()
	if err := w.store.writeMeta(w.bucket, &meta); err != nil {
		_ = os.Remove(w.store.objectPath(w.bucket, meta.ID))
		w.err = fmt.Errorf("%s: %w", op, err)
		return nil, w.err
	}
	if meta.OriginalRef != "" {
		if err := w.store.link(w.bucket, meta.OriginalRef, meta.ID); err != nil {
			// an unlinked derived object is unreachable; drop it so a retry starts clean
			w.store.remove(w.bucket, meta.ID)
			w.err = fmt.Errorf("%s: link %s: %w", op, meta.OriginalRef, err)
			return nil, w.err
		}
	}
	return &meta, nil
}

func (w *diskWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.err = ErrAborted
	_ = w.tmp.Close()
	if err := os.Remove(w.tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
