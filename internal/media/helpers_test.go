package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"photostore/internal/blobstore"
	"photostore/internal/models"
	"photostore/internal/queue"
)

const testOwner = "507f191e810c19729de860ea"

var testTimeouts = Timeouts{Store: 5 * time.Second, Queue: time.Second}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	root   string
	store  *blobstore.Disk
	queue  *queue.Memory
	ledger *fakeLedger
	ing    *Ingestor
	reader *Reader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := blobstore.NewDisk(root)
	require.NoError(t, err)
	f := &fixture{root: root, store: store, queue: queue.NewMemory(128), ledger: newFakeLedger()}
	f.ing = NewIngestor(store, f.queue, f.ledger, discardLogger(), testTimeouts)
	f.reader = NewReader(store, nil, discardLogger(), time.Second)
	return f
}

type fakeLedger struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{jobs: make(map[string]models.Job)}
}

func (l *fakeLedger) set(id, owner string, status models.JobStatus, cause string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job := l.jobs[id]
	if job.Status == models.JobDone && status != models.JobDone {
		return
	}
	job.OriginalID, job.Status, job.LastError = id, status, cause
	if owner != "" {
		job.OwnerRef = owner
	}
	job.Attempts++
	job.UpdatedAt = time.Now()
	l.jobs[id] = job
}

func (l *fakeLedger) RecordPublished(_ context.Context, id, owner string) error {
	l.set(id, owner, models.JobPublished, "")
	return nil
}

func (l *fakeLedger) RecordFailed(_ context.Context, id, owner string, cause error) error {
	l.set(id, owner, models.JobFailed, cause.Error())
	return nil
}

func (l *fakeLedger) MarkDone(_ context.Context, id string) error {
	l.set(id, "", models.JobDone, "")
	return nil
}

func (l *fakeLedger) ListFailed(_ context.Context, limit int) ([]models.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Job
	for _, job := range l.jobs {
		if job.Status == models.JobFailed && len(out) < limit {
			out = append(out, job)
		}
	}
	return out, nil
}

func (l *fakeLedger) status(id string) models.JobStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jobs[id].Status
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, []byte) error { return p.err }

// visibilityPublisher fails the test if a job is published before its original is readable.
type visibilityPublisher struct {
	t     *testing.T
	store blobstore.Store
	next  queue.Publisher
}

func (p visibilityPublisher) Publish(ctx context.Context, body []byte) error {
	if _, err := p.store.FindMetadataByID(ctx, blobstore.Originals, string(body)); err != nil {
		p.t.Errorf("job %s published before the original was committed: %v", body, err)
	}
	return p.next.Publish(ctx, body)
}

// brokenStore refuses writes but serves reads from the wrapped store.
type brokenStore struct {
	blobstore.Store
}

func (brokenStore) OpenWriteStream(context.Context, blobstore.Bucket, blobstore.Metadata) (blobstore.Writer, error) {
	return nil, errors.New("connection refused")
}

type errReader struct {
	data []byte
	err  error
}

func (r *errReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]blobstore.Metadata
	hits int
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string]blobstore.Metadata)}
}

func (c *mapCache) Get(_ context.Context, b blobstore.Bucket, id string) (*blobstore.Metadata, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.data[string(b)+"/"+id]
	if ok {
		c.hits++
		return &m, true, nil
	}
	return nil, false, nil
}

func (c *mapCache) Set(_ context.Context, b blobstore.Bucket, meta *blobstore.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[string(b)+"/"+meta.ID] = *meta
	return nil
}

func (c *mapCache) Add(_ context.Context, b blobstore.Bucket, meta *blobstore.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(b) + "/" + meta.ID
	if _, ok := c.data[k]; !ok {
		c.data[k] = *meta
	}
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, b blobstore.Bucket, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, string(b)+"/"+id)
	return nil
}
