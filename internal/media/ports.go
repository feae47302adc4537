package media

import (
	"context"

	"photostore/internal/blobstore"
	"photostore/internal/models"
)

// Ledger records whether each original's job reached the queue.
type Ledger interface {
	RecordPublished(ctx context.Context, originalID, ownerRef string) error
	RecordFailed(ctx context.Context, originalID, ownerRef string, cause error) error
	MarkDone(ctx context.Context, originalID string) error
	ListFailed(ctx context.Context, limit int) ([]models.Job, error)
}

// MetadataCache holds metadata of committed objects. Absence is never cached.
//
// Readers fill it with Add, which never replaces an entry. Whoever changes an object's metadata
// writes the new copy with Set, so a read that raced the change cannot put the old copy back.
type MetadataCache interface {
	Get(ctx context.Context, bucket blobstore.Bucket, id string) (*blobstore.Metadata, bool, error)
	Add(ctx context.Context, bucket blobstore.Bucket, meta *blobstore.Metadata) error
	Set(ctx context.Context, bucket blobstore.Bucket, meta *blobstore.Metadata) error
	Invalidate(ctx context.Context, bucket blobstore.Bucket, id string) error
}

type NopCache struct{}

func (NopCache) Get(context.Context, blobstore.Bucket, string) (*blobstore.Metadata, bool, error) {
	return nil, false, nil
}
func (NopCache) Add(context.Context, blobstore.Bucket, *blobstore.Metadata) error { return nil }
func (NopCache) Set(context.Context, blobstore.Bucket, *blobstore.Metadata) error { return nil }
func (NopCache) Invalidate(context.Context, blobstore.Bucket, string) error       { return nil }
