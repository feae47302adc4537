// Package thumbnailer consumes thumbnail jobs and writes the derived assets.
//
// Delivery is at-least-once, so a job may arrive after its thumbnail already exists; such a
// job is acknowledged without writing anything.
package thumbnailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"photostore/internal/blobstore"
	"photostore/internal/media"
	"photostore/internal/queue"
)

const thumbContentType = "image/jpeg"

// ErrPoison marks jobs that can never succeed. They are acked and dropped.
var ErrPoison = errors.New("poison job")

type Config struct {
	Workers int
	Width   int
	Height  int
	Timeout time.Duration
}

type Worker struct {
	cfg      Config
	consumer queue.Consumer
	store    blobstore.Store
	ledger   media.Ledger
	cache    media.MetadataCache
	log      *slog.Logger
}

func New(cfg Config, consumer queue.Consumer, store blobstore.Store, ledger media.Ledger, cache media.MetadataCache, log *slog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cache == nil {
		cache = media.NopCache{}
	}
	return &Worker{cfg: cfg, consumer: consumer, store: store, ledger: ledger, cache: cache, log: log.With("component", "thumbnailer")}
}

// Run pulls jobs with cfg.Workers goroutines until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, w.log.With("worker", n))
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, log *slog.Logger) {
	for {
		d, err := w.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.ErrorContext(ctx, "read job", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(ctx, log, d)
	}
}

func (w *Worker) handle(ctx context.Context, log *slog.Logger, d queue.Delivery) {
	id := string(d.Body())
	err := w.Process(ctx, id)

	// settle even when shutting down, otherwise the job is redelivered
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Timeout)
	defer cancel()
	switch {
	case err == nil:
		if err := d.Ack(sctx); err != nil {
			log.ErrorContext(ctx, "ack job", "id", id, "err", err)
		}
	case errors.Is(err, ErrPoison):
		log.WarnContext(ctx, "dropping job", "id", id, "err", err)
		if err := d.Ack(sctx); err != nil {
			log.ErrorContext(ctx, "ack job", "id", id, "err", err)
		}
	default:
		log.ErrorContext(ctx, "process job", "id", id, "err", err)
		if err := d.Requeue(sctx); err != nil {
			log.ErrorContext(ctx, "requeue job", "id", id, "err", err)
		}
	}
}

// Process produces the thumbnail for one original.
func (w *Worker) Process(ctx context.Context, originalID string) error {
	const op = "thumbnailer.Process"

	if !blobstore.ValidID(originalID) {
		return fmt.Errorf("%s: malformed id %q: %w", op, originalID, ErrPoison)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	existing, err := w.store.FindByOriginalRef(ctx, blobstore.Derived, originalID)
	if err == nil {
		w.log.InfoContext(ctx, "thumbnail already exists", "id", originalID, "thumb_id", existing.ID)
		return nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}

	src, err := w.store.OpenReadStreamByID(ctx, blobstore.Originals, originalID)
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%s: original %s: %w", op, originalID, ErrPoison)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	_ = src.Close()
	if err != nil {
		return fmt.Errorf("%s: decode %s: %v: %w", op, originalID, err, ErrPoison)
	}

	thumb := imaging.Thumbnail(img, w.cfg.Width, w.cfg.Height, imaging.Lanczos)

	wr, err := w.store.OpenWriteStream(ctx, blobstore.Derived, blobstore.Metadata{
		ContentType: thumbContentType,
		OriginalRef: originalID,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := imaging.Encode(wr, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		_ = wr.Abort()
		return fmt.Errorf("%s: %w", op, err)
	}
	meta, err := wr.Commit()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	w.log.InfoContext(ctx, "thumbnail stored", "id", originalID, "thumb_id", meta.ID, "size", meta.Size)

	w.recordDimensions(ctx, originalID, img.Bounds().Dx(), img.Bounds().Dy())
	if err := w.ledger.MarkDone(ctx, originalID); err != nil {
		w.log.WarnContext(ctx, "mark job done", "id", originalID, "err", err)
	}
	return nil
}

func (w *Worker) recordDimensions(ctx context.Context, originalID string, width, height int) {
	ok, err := w.store.UpdateMetadata(ctx, blobstore.Originals, originalID, map[string]string{
		"width":  strconv.Itoa(width),
		"height": strconv.Itoa(height),
	})
	if err != nil || !ok {
		w.log.WarnContext(ctx, "record dimensions", "id", originalID, "updated", ok, "err", err)
		return
	}

	// overwrite rather than drop, so a reader that fetched the old copy cannot re-add it
	meta, err := w.store.FindMetadataByID(ctx, blobstore.Originals, originalID)
	if err == nil {
		err = w.cache.Set(ctx, blobstore.Originals, meta)
	}
	if err == nil {
		return
	}
	w.log.WarnContext(ctx, "refresh cached metadata", "id", originalID, "err", err)
	if err := w.cache.Invalidate(ctx, blobstore.Originals, originalID); err != nil {
		w.log.WarnContext(ctx, "invalidate cached metadata", "id", originalID, "err", err)
	}
}
