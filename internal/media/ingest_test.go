package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"photostore/internal/blobstore"
	"photostore/internal/models"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func committedOriginals(t *testing.T, root string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, string(blobstore.Originals), "meta"))
	require.NoError(t, err)
	return len(entries)
}

func TestIngest_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := randomBytes(t, 1<<20)

	released := false
	res, err := f.ing.Ingest(ctx, Upload{
		OwnerRef:    testOwner,
		ContentType: "image/jpeg",
		Filename:    "holiday.jpg",
		Body:        bytes.NewReader(payload),
		Release:     func() error { released = true; return nil },
	})
	require.NoError(t, err)
	require.True(t, released)
	require.Len(t, res.ID, 24)
	require.Equal(t, res.ID+".jpg", res.Name)
	require.Equal(t, models.Links{Photo: "/photos/" + res.ID, Business: "/businesses/" + testOwner}, res.Links)

	meta, err := f.reader.OriginalMetadata(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", meta.ContentType)
	require.Equal(t, testOwner, meta.OwnerRef)
	require.Equal(t, "holiday.jpg", meta.Filename)
	require.Equal(t, int64(len(payload)), meta.Size)

	for _, key := range []string{res.ID, res.Name} {
		obj, err := f.reader.StreamOriginal(ctx, key)
		require.NoError(t, err)
		got, err := io.ReadAll(obj)
		require.NoError(t, err)
		require.NoError(t, obj.Close())
		require.Equal(t, payload, got)
	}

	require.Equal(t, 1, f.queue.Len())
	d, err := f.queue.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, res.ID, string(d.Body()))
	require.Equal(t, models.JobPublished, f.ledger.status(res.ID))
}

func TestIngest_ValidationRejectsBeforeStorage(t *testing.T) {
	tests := []struct {
		name  string
		up    Upload
		field string
	}{
		{"unsupported type", Upload{OwnerRef: testOwner, ContentType: "image/gif"}, "contentType"},
		{"missing type", Upload{OwnerRef: testOwner}, "contentType"},
		{"missing owner", Upload{ContentType: "image/png"}, "ownerRef"},
		{"malformed owner", Upload{OwnerRef: "business-42", ContentType: "image/png"}, "ownerRef"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			released := false
			tc.up.Body = bytes.NewReader([]byte("GIF89a"))
			tc.up.Release = func() error { released = true; return nil }

			res, err := f.ing.Ingest(context.Background(), tc.up)
			require.Nil(t, res)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)

			require.True(t, released, "staged upload must be released on rejection")
			require.Zero(t, committedOriginals(t, f.root), "no orphaned blob")
			require.Zero(t, f.queue.Len())
		})
	}
}

func TestIngest_MissingBody(t *testing.T) {
	f := newFixture(t)
	_, err := f.ing.Ingest(context.Background(), Upload{OwnerRef: testOwner, ContentType: "image/png"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "photo", verr.Field)
}

func TestIngest_PublishFailureKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	ing := NewIngestor(f.store, failingPublisher{err: errors.New("broker down")}, f.ledger, discardLogger(), testTimeouts)
	payload := randomBytes(t, 4096)

	res, err := ing.Ingest(context.Background(), Upload{
		OwnerRef:    testOwner,
		ContentType: "image/png",
		Body:        bytes.NewReader(payload),
	})
	require.NotNil(t, res)
	var qerr *QueueError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, res.ID, qerr.ID)

	obj, err := f.reader.StreamOriginal(context.Background(), res.Name)
	require.NoError(t, err)
	defer obj.Close()
	got, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.Equal(t, models.JobFailed, f.ledger.status(res.ID))
}

func TestIngest_StorageFailureNeverPublishes(t *testing.T) {
	f := newFixture(t)
	ing := NewIngestor(brokenStore{f.store}, f.queue, f.ledger, discardLogger(), testTimeouts)

	released := false
	res, err := ing.Ingest(context.Background(), Upload{
		OwnerRef:    testOwner,
		ContentType: "image/png",
		Body:        bytes.NewReader([]byte("png")),
		Release:     func() error { released = true; return errors.New("already gone") },
	})
	require.Nil(t, res)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.True(t, released)
	require.Zero(t, f.queue.Len())
}

func TestIngest_BrokenBodyLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)

	_, err := f.ing.Ingest(context.Background(), Upload{
		OwnerRef:    testOwner,
		ContentType: "image/jpeg",
		Body:        &errReader{data: randomBytes(t, 10_000), err: io.ErrUnexpectedEOF},
	})
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Zero(t, committedOriginals(t, f.root))
	require.Zero(t, f.queue.Len())
}

func TestIngest_PublishHappensAfterCommit(t *testing.T) {
	f := newFixture(t)
	ing := NewIngestor(f.store, visibilityPublisher{t: t, store: f.store, next: f.queue}, f.ledger, discardLogger(), testTimeouts)

	for i := 0; i < 5; i++ {
		_, err := ing.Ingest(context.Background(), Upload{
			OwnerRef:    testOwner,
			ContentType: "image/png",
			Body:        bytes.NewReader(randomBytes(t, 2048)),
		})
		require.NoError(t, err)
	}
	require.Equal(t, 5, f.queue.Len())
}

func TestIngest_ConcurrentUploadsStayIsolated(t *testing.T) {
	f := newFixture(t)
	const n = 60

	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = randomBytes(t, 8192+i*17)
	}

	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("%024x", i+1)
			results[i], errs[i] = f.ing.Ingest(context.Background(), Upload{
				OwnerRef:    owner,
				ContentType: "image/png",
				Body:        bytes.NewReader(payloads[i]),
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		id := results[i].ID
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true

		meta, err := f.reader.OriginalMetadata(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("%024x", i+1), meta.OwnerRef)

		obj, err := f.reader.StreamOriginal(context.Background(), id)
		require.NoError(t, err)
		got, err := io.ReadAll(obj)
		require.NoError(t, err)
		require.NoError(t, obj.Close())
		require.Equal(t, payloads[i], got)
	}
	require.Equal(t, n, f.queue.Len())
}
