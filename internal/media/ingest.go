// Package media stores uploaded originals, hands thumbnail jobs to the queue and serves both
// originals and derived assets back.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"photostore/internal/blobstore"
	"photostore/internal/models"
	"photostore/internal/queue"
)

type Timeouts struct {
	Store time.Duration
	Queue time.Duration
}

type Upload struct {
	OwnerRef    string
	ContentType string
	Filename    string
	Body        io.Reader
	// Release frees the staged upload. It runs on every exit path; its error is only logged.
	Release func() error
}

type Result struct {
	ID    string
	Name  string
	Links models.Links
}

type Ingestor struct {
	store    blobstore.Store
	pub      queue.Publisher
	ledger   Ledger
	log      *slog.Logger
	timeouts Timeouts
}

func NewIngestor(store blobstore.Store, pub queue.Publisher, ledger Ledger, log *slog.Logger, t Timeouts) *Ingestor {
	return &Ingestor{store: store, pub: pub, ledger: ledger, log: log.With("component", "ingestor"), timeouts: t}
}

// Ingest validates, stores and then publishes. A *QueueError comes back together with a
// valid Result: the original is durable even though no thumbnail job was queued.
func (s *Ingestor) Ingest(ctx context.Context, up Upload) (*Result, error) {
	const op = "media.Ingest"

	defer s.release(ctx, up)

	if err := ValidateUpload(up); err != nil {
		return nil, err
	}

	meta, err := s.writeOriginal(ctx, up)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	s.log.InfoContext(ctx, "original stored", "id", meta.ID, "size", meta.Size, "content_type", meta.ContentType)

	res := &Result{
		ID:   meta.ID,
		Name: meta.Name,
		Links: models.Links{
			Photo:    "/photos/" + meta.ID,
			Business: "/businesses/" + up.OwnerRef,
		},
	}
	if err := s.publish(ctx, meta); err != nil {
		return res, err
	}
	return res, nil
}

func ValidateUpload(up Upload) error {
	if up.OwnerRef == "" {
		return &ValidationError{Field: "ownerRef", Reason: "is required"}
	}
	if !blobstore.ValidID(up.OwnerRef) {
		return &ValidationError{Field: "ownerRef", Reason: "must be a 24-character hex object id"}
	}
	if _, ok := blobstore.Extensions[up.ContentType]; !ok {
		return &ValidationError{Field: "contentType", Reason: fmt.Sprintf("%q is not supported", up.ContentType)}
	}
	if up.Body == nil {
		return &ValidationError{Field: "photo", Reason: "is required"}
	}
	return nil
}

// writeOriginal streams the body into the originals bucket. Any failure aborts the write, so
// nothing partial becomes visible.
func (s *Ingestor) writeOriginal(ctx context.Context, up Upload) (*blobstore.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Store)
	defer cancel()

	w, err := s.store.OpenWriteStream(ctx, blobstore.Originals, blobstore.Metadata{
		ContentType: up.ContentType,
		Filename:    up.Filename,
		OwnerRef:    up.OwnerRef,
	})
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, up.Body); err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			s.log.WarnContext(ctx, "abort upload", "id", w.ID(), "err", abortErr)
		}
		return nil, err
	}
	return w.Commit()
}

// publish runs detached from the request: once the original is committed, a client
// disconnect must not drop its job.
func (s *Ingestor) publish(ctx context.Context, meta *blobstore.Metadata) error {
	ctx = context.WithoutCancel(ctx)
	pubCtx, cancel := context.WithTimeout(ctx, s.timeouts.Queue)
	err := s.pub.Publish(pubCtx, []byte(meta.ID))
	cancel()

	ledgerCtx, cancel := context.WithTimeout(ctx, s.timeouts.Queue)
	defer cancel()
	if err != nil {
		s.log.ErrorContext(ctx, "publish thumbnail job", "id", meta.ID, "err", err)
		if lerr := s.ledger.RecordFailed(ledgerCtx, meta.ID, meta.OwnerRef, err); lerr != nil {
			s.log.ErrorContext(ctx, "record failed job", "id", meta.ID, "err", lerr)
		}
		return &QueueError{ID: meta.ID, Err: err}
	}
	if err := s.ledger.RecordPublished(ledgerCtx, meta.ID, meta.OwnerRef); err != nil {
		s.log.WarnContext(ctx, "record published job", "id", meta.ID, "err", err)
	}
	return nil
}

func (s *Ingestor) release(ctx context.Context, up Upload) {
	if up.Release == nil {
		return
	}
	if err := up.Release(); err != nil {
		s.log.WarnContext(ctx, "release staged upload", "filename", up.Filename, "err", err)
	}
}
