// Package blobstore holds original uploads and derived assets in two isolated buckets.
// Objects are written as streams, become visible only on Commit, and are read back as streams.
package blobstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Bucket string

const (
	Originals Bucket = "photos"
	Derived   Bucket = "thumbs"
)

var (
	ErrNotFound      = errors.New("blob not found")
	ErrAborted       = errors.New("blob write aborted")
	ErrCommitted     = errors.New("blob write already finished")
	ErrUnknownBucket = errors.New("unknown bucket")
)

// Extensions maps each accepted content type to the extension used in stored names.
var Extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
}

type Metadata struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Filename    string            `json:"filename,omitempty"`
	ContentType string            `json:"contentType"`
	Size        int64             `json:"size"`
	UploadedAt  time.Time         `json:"uploadedAt"`
	OwnerRef    string            `json:"ownerRef,omitempty"`
	OriginalRef string            `json:"originalRef,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Writer is an open upload. Nothing written is readable until Commit returns.
type Writer interface {
	io.Writer
	ID() string
	Commit() (*Metadata, error)
	Abort() error
}

// Object is a committed blob opened for reading.
type Object struct {
	io.ReadCloser
	Meta Metadata
}

type Store interface {
	OpenWriteStream(ctx context.Context, bucket Bucket, meta Metadata) (Writer, error)
	OpenReadStreamByName(ctx context.Context, bucket Bucket, name string) (*Object, error)
	OpenReadStreamByID(ctx context.Context, bucket Bucket, id string) (*Object, error)
	FindMetadataByID(ctx context.Context, bucket Bucket, id string) (*Metadata, error)
	// FindByOriginalRef returns the derived object registered for originalRef. Repeated
	// producer writes for one original all resolve to a single complete object.
	FindByOriginalRef(ctx context.Context, bucket Bucket, originalRef string) (*Metadata, error)
	UpdateMetadata(ctx context.Context, bucket Bucket, id string, patch map[string]string) (bool, error)
}

func NewID() string {
	return primitive.NewObjectID().Hex()
}

func ValidID(id string) bool {
	return primitive.IsValidObjectID(id)
}

// ObjectName is the stored name for id, e.g. "507f191e810c19729de860ea.jpg".
func ObjectName(id, contentType string) string {
	ext, ok := Extensions[contentType]
	if !ok {
		return id
	}
	return id + "." + ext
}

// IDFromName extracts the id from a stored name. It reports false for names no store could
// have produced.
func IDFromName(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	id := strings.TrimSuffix(name, path.Ext(name))
	if !ValidID(id) {
		return "", false
	}
	return id, true
}

func checkBucket(b Bucket) error {
	switch b {
	case Originals, Derived:
		return nil
	}
	return ErrUnknownBucket
}

func cloneAttributes(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
