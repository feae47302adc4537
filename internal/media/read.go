package media

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"photostore/internal/blobstore"
)

// DerivedState tells apart a thumbnail that is ready, one still being produced and one
// that will never exist.
type DerivedState int

const (
	DerivedAbsent DerivedState = iota
	DerivedPending
	DerivedReady
)

func (s DerivedState) String() string {
	switch s {
	case DerivedPending:
		return "processing"
	case DerivedReady:
		return "ready"
	}
	return "absent"
}

type DerivedResult struct {
	State DerivedState
	Meta  *blobstore.Metadata // set when State is DerivedReady
}

type Reader struct {
	store   blobstore.Store
	cache   MetadataCache
	log     *slog.Logger
	timeout time.Duration
}

func NewReader(store blobstore.Store, cache MetadataCache, log *slog.Logger, timeout time.Duration) *Reader {
	if cache == nil {
		cache = NopCache{}
	}
	return &Reader{store: store, cache: cache, log: log.With("component", "reader"), timeout: timeout}
}

func (r *Reader) OriginalMetadata(ctx context.Context, id string) (*blobstore.Metadata, error) {
	return r.metadata(ctx, "media.OriginalMetadata", blobstore.Originals, id)
}

func (r *Reader) DerivedMetadata(ctx context.Context, id string) (*blobstore.Metadata, error) {
	return r.metadata(ctx, "media.DerivedMetadata", blobstore.Derived, id)
}

// StreamOriginal accepts a stored name ("<id>.jpg") or a bare id. The caller must Close
// the object.
func (r *Reader) StreamOriginal(ctx context.Context, filenameOrID string) (*blobstore.Object, error) {
	return r.stream(ctx, "media.StreamOriginal", blobstore.Originals, filenameOrID)
}

func (r *Reader) StreamDerived(ctx context.Context, filenameOrID string) (*blobstore.Object, error) {
	return r.stream(ctx, "media.StreamDerived", blobstore.Derived, filenameOrID)
}

// DerivedStatus resolves the thumbnail of an original. Pending means the original exists and
// no thumbnail has been committed for it yet.
func (r *Reader) DerivedStatus(ctx context.Context, originalID string) (DerivedResult, error) {
	const op = "media.DerivedStatus"

	if !blobstore.ValidID(originalID) {
		return DerivedResult{State: DerivedAbsent}, nil
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	meta, err := r.store.FindByOriginalRef(tctx, blobstore.Derived, originalID)
	cancel()
	if err == nil {
		return DerivedResult{State: DerivedReady, Meta: meta}, nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return DerivedResult{}, storeErr(op, err)
	}

	_, err = r.OriginalMetadata(ctx, originalID)
	switch {
	case err == nil:
		return DerivedResult{State: DerivedPending}, nil
	case errors.Is(err, ErrNotFound):
		return DerivedResult{State: DerivedAbsent}, nil
	default:
		return DerivedResult{}, err
	}
}

func (r *Reader) metadata(ctx context.Context, op string, bucket blobstore.Bucket, id string) (*blobstore.Metadata, error) {
	if !blobstore.ValidID(id) {
		return nil, storeErr(op, blobstore.ErrNotFound)
	}

	if meta, ok, err := r.cache.Get(ctx, bucket, id); err != nil {
		r.log.WarnContext(ctx, "metadata cache get", "bucket", bucket, "id", id, "err", err)
	} else if ok {
		return meta, nil
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	meta, err := r.store.FindMetadataByID(tctx, bucket, id)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if err := r.cache.Add(ctx, bucket, meta); err != nil {
		r.log.WarnContext(ctx, "metadata cache fill", "bucket", bucket, "id", id, "err", err)
	}
	return meta, nil
}

// stream opens a read cursor bound to ctx. Large payloads can outlive the store timeout, so the
// caller's context bounds the transfer.
func (r *Reader) stream(ctx context.Context, op string, bucket blobstore.Bucket, filenameOrID string) (*blobstore.Object, error) {
	var (
		obj *blobstore.Object
		err error
	)
	switch {
	case blobstore.ValidID(filenameOrID):
		obj, err = r.store.OpenReadStreamByID(ctx, bucket, filenameOrID)
	default:
		if _, ok := blobstore.IDFromName(filenameOrID); !ok {
			return nil, storeErr(op, blobstore.ErrNotFound)
		}
		obj, err = r.store.OpenReadStreamByName(ctx, bucket, filenameOrID)
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return obj, nil
}
