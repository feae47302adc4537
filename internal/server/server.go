package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"photostore/internal/blobstore"
	"photostore/internal/logging"
	"photostore/internal/media"
	"photostore/internal/models"
)

const (
	photoField = "photo"
	dataField  = "data"
)

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	srv      *http.Server
	log      *slog.Logger
	ingestor *media.Ingestor
	reader   *media.Reader
}

func NewServer(cfg *models.Config, log *slog.Logger, ingestor *media.Ingestor, reader *media.Reader) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), logging.RequestLogger(log))
	r.MaxMultipartMemory = cfg.MaxUploadMemory

	s := &Server{
		cfg:      cfg,
		router:   r,
		srv:      &http.Server{Addr: cfg.ServerAddr, Handler: r},
		log:      log.With("component", "server"),
		ingestor: ingestor,
		reader:   reader,
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/photos", s.handleUpload)
	r.GET("/photos/:id", s.handleGetPhoto)
	r.GET("/photos/:id/thumbs", s.handleThumbStatus)
	r.GET("/photos/thumbs/:id", s.handleGetThumb)

	r.GET("/media/:filename", s.handleStreamPhoto)
	r.GET("/media/photos/:filename", s.handleStreamPhoto)
	r.GET("/media/thumbs/:filename", s.handleStreamThumb)

	r.NoRoute(notFound)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Stop drains in-flight requests, including open media streams, until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be multipart/form-data"})
		return
	}
	release := func() error { return form.RemoveAll() }

	var data models.UploadData
	if err := bindUploadData(form, &data); err != nil {
		s.cleanup(c, release)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	files := form.File[photoField]
	if len(files) == 0 {
		s.cleanup(c, release)
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo file part is required"})
		return
	}
	part := files[0]

	src, err := part.Open()
	if err != nil {
		s.cleanup(c, release)
		s.log.ErrorContext(c, "open staged upload", "op", op, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to read upload, try again later"})
		return
	}

	contentType, err := partContentType(part, src)
	if err != nil {
		_ = src.Close()
		s.cleanup(c, release)
		s.log.ErrorContext(c, "sniff upload", "op", op, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to read upload, try again later"})
		return
	}

	res, err := s.ingestor.Ingest(c.Request.Context(), media.Upload{
		OwnerRef:    data.OwnerRef,
		ContentType: contentType,
		Filename:    part.Filename,
		Body:        src,
		Release: func() error {
			_ = src.Close()
			return release()
		},
	})

	var qerr *media.QueueError
	switch {
	case errors.As(err, &qerr) && res != nil:
		// the photo is saved; only its thumbnail job was lost
		s.log.WarnContext(c, "thumbnail job not queued", "id", qerr.ID, "req_id", logging.RequestID(c), "err", qerr.Err)
	case err != nil:
		s.writeError(c, op, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": res.ID, "links": res.Links})
}

func bindUploadData(form *multipart.Form, data *models.UploadData) error {
	values := form.Value[dataField]
	if len(values) == 0 || values[0] == "" {
		return errors.New("data field is required")
	}
	if err := binding.JSON.BindBody([]byte(values[0]), data); err != nil {
		return fmt.Errorf("data field is not a valid photo object: %w", err)
	}
	return nil
}

// partContentType trusts the part header unless it is missing or generic, in which case the
// first bytes decide.
func partContentType(part *multipart.FileHeader, src multipart.File) (string, error) {
	if raw := part.Header.Get("Content-Type"); raw != "" {
		mt, _, err := mime.ParseMediaType(raw)
		if err == nil && mt != "application/octet-stream" {
			return mt, nil
		}
	}
	detected, err := mimetype.DetectReader(src)
	if err != nil {
		return "", err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	mt, _, err := mime.ParseMediaType(detected.String())
	if err != nil {
		return detected.String(), nil
	}
	return mt, nil
}

func (s *Server) cleanup(c *gin.Context, release func() error) {
	if err := release(); err != nil {
		s.log.WarnContext(c, "remove staged upload", "err", err)
	}
}

func (s *Server) handleGetPhoto(c *gin.Context) {
	const op = "server.handleGetPhoto"

	meta, err := s.reader.OriginalMetadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, photoView(meta))
}

func (s *Server) handleGetThumb(c *gin.Context) {
	const op = "server.handleGetThumb"

	meta, err := s.reader.DerivedMetadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, thumbView(meta))
}

func (s *Server) handleThumbStatus(c *gin.Context) {
	const op = "server.handleThumbStatus"

	res, err := s.reader.DerivedStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	switch res.State {
	case media.DerivedReady:
		c.JSON(http.StatusOK, thumbView(res.Meta))
	case media.DerivedPending:
		c.JSON(http.StatusAccepted, gin.H{"status": res.State.String()})
	default:
		notFound(c)
	}
}

func (s *Server) handleStreamPhoto(c *gin.Context) {
	obj, err := s.reader.StreamOriginal(c.Request.Context(), c.Param("filename"))
	if err != nil {
		s.writeError(c, "server.handleStreamPhoto", err)
		return
	}
	s.serveObject(c, obj, obj.Meta.ContentType)
}

func (s *Server) handleStreamThumb(c *gin.Context) {
	obj, err := s.reader.StreamDerived(c.Request.Context(), c.Param("filename"))
	if err != nil {
		s.writeError(c, "server.handleStreamThumb", err)
		return
	}
	s.serveObject(c, obj, "image/jpeg")
}

func (s *Server) serveObject(c *gin.Context, obj *blobstore.Object, contentType string) {
	defer func() {
		if err := obj.Close(); err != nil {
			s.log.WarnContext(c, "close blob stream", "id", obj.Meta.ID, "err", err)
		}
	}()
	// stored objects never change
	c.DataFromReader(http.StatusOK, obj.Meta.Size, contentType, obj, map[string]string{
		"Cache-Control": "public, max-age=31536000, immutable",
	})
}

func (s *Server) writeError(c *gin.Context, op string, err error) {
	var verr *media.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, media.ErrNotFound):
		notFound(c)
	default:
		s.log.ErrorContext(c, "request failed", "op", op, "req_id", logging.RequestID(c), "err", err)
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable, try again later"})
	}
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": "Requested resource " + c.Request.URL.Path + " does not exist",
	})
}

func photoView(meta *blobstore.Metadata) models.Photo {
	p := models.Photo{
		ID:          meta.ID,
		URL:         "/media/photos/" + meta.Name,
		ContentType: meta.ContentType,
		OwnerRef:    meta.OwnerRef,
	}
	w, werr := strconv.Atoi(meta.Attributes["width"])
	h, herr := strconv.Atoi(meta.Attributes["height"])
	if werr == nil && herr == nil {
		p.Dimensions = &models.Dimensions{Width: w, Height: h}
	}
	return p
}

func thumbView(meta *blobstore.Metadata) models.Thumb {
	return models.Thumb{
		ID:          meta.ID,
		URL:         "/media/thumbs/" + meta.Name,
		OriginalRef: meta.OriginalRef,
	}
}
