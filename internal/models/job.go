package models

import "time"

type JobStatus string

const (
	JobPublished JobStatus = "published"
	JobFailed    JobStatus = "failed" // publish failed; the reconciler retries it
	JobDone      JobStatus = "done"   // thumbnail written
)

// Job is the ledger row kept for each ingested original.
type Job struct {
	OriginalID string    `db:"original_id"`
	OwnerRef   string    `db:"owner_ref"`
	Status     JobStatus `db:"status"`
	Attempts   int       `db:"attempts"`
	LastError  string    `db:"last_error"`
	UpdatedAt  time.Time `db:"updated_at"`
}
