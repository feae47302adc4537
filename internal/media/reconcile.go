package media

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"photostore/internal/queue"
)

const reconcileBatch = 100

// Reconciler re-publishes jobs whose first publish failed during ingestion.
type Reconciler struct {
	ledger  Ledger
	pub     queue.Publisher
	log     *slog.Logger
	timeout time.Duration
}

func NewReconciler(ledger Ledger, pub queue.Publisher, log *slog.Logger, timeout time.Duration) *Reconciler {
	return &Reconciler{ledger: ledger, pub: pub, log: log.With("component", "reconciler"), timeout: timeout}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.log.ErrorContext(ctx, "reconcile jobs", "err", err)
				continue
			}
			if n > 0 {
				r.log.InfoContext(ctx, "jobs re-published", "count", n)
			}
		}
	}
}

// RunOnce re-publishes one batch and returns how many jobs reached the queue.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	const op = "media.Reconciler.RunOnce"

	jobs, err := r.ledger.ListFailed(ctx, reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	published := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		pubErr := r.pub.Publish(pctx, []byte(job.OriginalID))
		cancel()

		lctx, cancel := context.WithTimeout(ctx, r.timeout)
		if pubErr != nil {
			r.log.WarnContext(ctx, "re-publish job", "id", job.OriginalID, "attempts", job.Attempts, "err", pubErr)
			err = r.ledger.RecordFailed(lctx, job.OriginalID, job.OwnerRef, pubErr)
		} else {
			published++
			err = r.ledger.RecordPublished(lctx, job.OriginalID, job.OwnerRef)
		}
		cancel()
		if err != nil {
			r.log.ErrorContext(ctx, "update job ledger", "id", job.OriginalID, "err", err)
		}
	}
	return published, nil
}
