package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFS stores each logical bucket as a GridFS bucket of the same name. A file document is
// only inserted when the upload stream is closed, so uncommitted uploads stay invisible.
type GridFS struct {
	client *mongo.Client
	db     *mongo.Database
}

// gridfsFile mirrors a document of the <bucket>.files collection.
type gridfsFile struct {
	ID         primitive.ObjectID `bson:"_id"`
	Length     int64              `bson:"length"`
	UploadDate time.Time          `bson:"uploadDate"`
	Filename   string             `bson:"filename"`
	Metadata   gridfsMeta         `bson:"metadata"`
}

type gridfsMeta struct {
	ContentType string            `bson:"contentType"`
	Filename    string            `bson:"filename,omitempty"`
	OwnerRef    string            `bson:"ownerRef,omitempty"`
	OriginalRef string            `bson:"originalRef,omitempty"`
	Attributes  map[string]string `bson:"attributes,omitempty"`
}

func NewGridFS(ctx context.Context, uri, database string) (*GridFS, error) {
	const op = "blobstore.NewGridFS"

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := client.Database(database)
	_, err = db.Collection(string(Derived)+".files").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "metadata.originalRef", Value: 1}, {Key: "uploadDate", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: original ref index: %w", op, err)
	}
	return &GridFS{client: client, db: db}, nil
}

func (g *GridFS) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}

// bucket builds a GridFS handle bound to the deadline of ctx. Handles hold no connections.
func (g *GridFS) bucket(ctx context.Context, b Bucket) (*gridfs.Bucket, error) {
	if err := checkBucket(b); err != nil {
		return nil, err
	}
	bk, err := gridfs.NewBucket(g.db, options.GridFSBucket().SetName(string(b)))
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := bk.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		if err := bk.SetWriteDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return bk, nil
}

func (g *GridFS) OpenWriteStream(ctx context.Context, bucket Bucket, meta Metadata) (Writer, error) {
	const op = "blobstore.GridFS.OpenWriteStream"

	bk, err := g.bucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	oid := primitive.NewObjectID()
	meta.ID = oid.Hex()
	meta.Name = ObjectName(meta.ID, meta.ContentType)
	meta.Attributes = cloneAttributes(meta.Attributes)

	doc := gridfsMeta{
		ContentType: meta.ContentType,
		Filename:    meta.Filename,
		OwnerRef:    meta.OwnerRef,
		OriginalRef: meta.OriginalRef,
		Attributes:  meta.Attributes,
	}
	us, err := bk.OpenUploadStreamWithID(oid, meta.Name, options.GridFSUpload().SetMetadata(doc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &gridfsWriter{ctx: ctx, us: us, meta: meta}, nil
}

func (g *GridFS) OpenReadStreamByName(ctx context.Context, bucket Bucket, name string) (*Object, error) {
	const op = "blobstore.GridFS.OpenReadStreamByName"

	if _, ok := IDFromName(name); !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	bk, err := g.bucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ds, err := bk.OpenDownloadStreamByName(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapGridFSErr(err))
	}
	return gridfsObject(ds)
}

func (g *GridFS) OpenReadStreamByID(ctx context.Context, bucket Bucket, id string) (*Object, error) {
	const op = "blobstore.GridFS.OpenReadStreamByID"

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	bk, err := g.bucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ds, err := bk.OpenDownloadStream(oid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapGridFSErr(err))
	}
	return gridfsObject(ds)
}

func (g *GridFS) FindMetadataByID(ctx context.Context, bucket Bucket, id string) (*Metadata, error) {
	const op = "blobstore.GridFS.FindMetadataByID"

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	meta, err := g.findOne(ctx, bucket, bson.M{"_id": oid}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return meta, nil
}

func (g *GridFS) FindByOriginalRef(ctx context.Context, bucket Bucket, originalRef string) (*Metadata, error) {
	const op = "blobstore.GridFS.FindByOriginalRef"

	if !ValidID(originalRef) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	opts := options.GridFSFind().
		SetSort(bson.D{{Key: "uploadDate", Value: 1}}).
		SetLimit(1)
	meta, err := g.findOne(ctx, bucket, bson.M{"metadata.originalRef": originalRef}, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return meta, nil
}

func (g *GridFS) UpdateMetadata(ctx context.Context, bucket Bucket, id string, patch map[string]string) (bool, error) {
	const op = "blobstore.GridFS.UpdateMetadata"

	if err := checkBucket(bucket); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	set := bson.M{}
	for k, v := range patch {
		set["metadata.attributes."+k] = v
	}
	if len(set) == 0 {
		n, err := g.db.Collection(string(bucket)+".files").CountDocuments(ctx, bson.M{"_id": oid})
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		return n > 0, nil
	}
	res, err := g.db.Collection(string(bucket)+".files").UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return res.MatchedCount > 0, nil
}

func (g *GridFS) findOne(ctx context.Context, bucket Bucket, filter bson.M, opts *options.GridFSFindOptions) (*Metadata, error) {
	bk, err := g.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	var cur *mongo.Cursor
	if opts != nil {
		cur, err = bk.Find(filter, opts)
	} else {
		cur, err = bk.Find(filter)
	}
	if err != nil {
		return nil, err
	}
	var files []gridfsFile
	if err := cur.All(ctx, &files); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}
	return files[0].toMetadata(), nil
}

func (f gridfsFile) toMetadata() *Metadata {
	return &Metadata{
		ID:          f.ID.Hex(),
		Name:        f.Filename,
		Filename:    f.Metadata.Filename,
		ContentType: f.Metadata.ContentType,
		Size:        f.Length,
		UploadedAt:  f.UploadDate.UTC(),
		OwnerRef:    f.Metadata.OwnerRef,
		OriginalRef: f.Metadata.OriginalRef,
		Attributes:  f.Metadata.Attributes,
	}
}

func gridfsObject(ds *gridfs.DownloadStream) (*Object, error) {
	file := ds.GetFile()
	doc := gridfsFile{Length: file.Length, UploadDate: file.UploadDate, Filename: file.Name}
	if oid, ok := file.ID.(primitive.ObjectID); ok {
		doc.ID = oid
	}
	if len(file.Metadata) > 0 {
		if err := bson.Unmarshal(file.Metadata, &doc.Metadata); err != nil {
			_ = ds.Close()
			return nil, fmt.Errorf("decode metadata of %s: %w", file.Name, err)
		}
	}
	return &Object{ReadCloser: ds, Meta: *doc.toMetadata()}, nil
}

func mapGridFSErr(err error) error {
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return ErrNotFound
	}
	return err
}

type gridfsWriter struct {
	ctx  context.Context
	us   *gridfs.UploadStream
	meta Metadata
	n    int64
	done bool
}

func (w *gridfsWriter) ID() string { return w.meta.ID }

func (w *gridfsWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrCommitted
	}
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.us.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *gridfsWriter) Commit() (*Metadata, error) {
	const op = "blobstore.GridFS.Commit"

	if w.done {
		return nil, ErrCommitted
	}
	w.done = true
	if err := w.ctx.Err(); err != nil {
		_ = w.us.Abort()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := w.us.Close(); err != nil {
		_ = w.us.Abort()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	meta := w.meta
	meta.Size = w.n
	meta.UploadedAt = time.Now().UTC()
	return &meta, nil
}

func (w *gridfsWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.us.Abort()
}
