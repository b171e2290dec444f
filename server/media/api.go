// Package media implements the HTTP handlers for uploading, listing and downloading videos.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vidfilter/pkg/filter"
	"github.com/cyclopcam/vidfilter/server/catalog"
	"github.com/cyclopcam/vidfilter/server/ingest"
	"github.com/cyclopcam/vidfilter/server/storage"
	"github.com/cyclopcam/vidfilter/server/storagecache"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Parts of a multipart upload beyond this size are spilled to temp files by net/http
const multipartMemory = 32 * 1024 * 1024

// UploadResponse is returned by a successful upload
type UploadResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Filter  string `json:"filter"`
}

type MediaServer struct {
	MaxUploadBytes      int64
	RejectUnknownFilter bool // If false, unknown filters are accepted and frames pass through unchanged

	log          logs.Log
	catalog      *catalog.Catalog
	storage      storage.Storage
	storageCache *storagecache.StorageCache // nil if storage is seekable
	pipeline     *ingest.Pipeline
}

func NewMediaServer(log logs.Log, cat *catalog.Catalog, store storage.Storage, storageCache *storagecache.StorageCache, pipeline *ingest.Pipeline) *MediaServer {
	return &MediaServer{
		MaxUploadBytes: 1024 * 1024 * 1024,
		log:            log,
		catalog:        cat,
		storage:        store,
		storageCache:   storageCache,
		pipeline:       pipeline,
	}
}

// HttpUpload receives a multipart form with a 'file' part and an optional 'filter' field.
// The video is fully processed before we respond.
func (s *MediaServer) HttpUpload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			www.Panic(http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload is too large. Maximum size: %v MB", s.MaxUploadBytes/(1024*1024)))
		}
		www.PanicBadRequestf("Invalid multipart form: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		www.PanicBadRequestf("No file part in request")
	}
	defer file.Close()
	if header.Filename == "" {
		www.PanicBadRequestf("No file selected")
	}

	filterTag := r.FormValue("filter")
	if filterTag == "" {
		filterTag = filter.DefaultTag
	}
	if _, ok := filter.ParseKind(filterTag); !ok && s.RejectUnknownFilter {
		www.PanicBadRequestf("Unknown filter '%v'. Valid filters are %v", filterTag, filter.KnownTags())
	}

	rec, err := s.pipeline.Ingest(r.Context(), ingest.Upload{
		File:     file,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
	}, filterTag)
	www.Check(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&UploadResponse{
		Message: "Video processed successfully",
		ID:      rec.ID,
		Filter:  rec.Filter,
	})
}

// HttpHistory lists every video, newest first
func (s *MediaServer) HttpHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	items, err := s.catalog.List()
	www.Check(err)
	www.SendJSON(w, items)
}

func (s *MediaServer) getVideoOrPanic(id string) *catalog.VideoRecord {
	rec, err := s.catalog.Get(id)
	if errors.Is(err, catalog.ErrNotFound) {
		www.Panic(http.StatusNotFound, "Video not found")
	}
	www.Check(err)
	return rec
}

// HttpGetVideo sends the original or processed video as an attachment.
// The ID is checked before the kind, so an unknown ID is always a 404.
func (s *MediaServer) HttpGetVideo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec := s.getVideoOrPanic(params.ByName("id"))
	kind := params.ByName("kind")
	var name, downloadName, contentType string
	switch kind {
	case ingest.VideoOriginal:
		name = rec.PathOriginal
		downloadName = rec.ID + "_original" + ingest.SanitizeExt(rec.OriginalExt)
		contentType = rec.MimeType
	case ingest.VideoProcessed:
		name = rec.PathProcessed
		downloadName = rec.ID + "_processed" + filepath.Ext(rec.PathProcessed)
		contentType = "video/mp4"
	default:
		www.PanicBadRequestf("Invalid video kind '%v'. Valid values are '%v' and '%v'", kind, ingest.VideoOriginal, ingest.VideoProcessed)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	reader, modifiedAt := s.openOrPanic(name)
	defer reader.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloadName}))
	if seeker, ok := reader.(io.ReadSeeker); ok {
		http.ServeContent(w, r, downloadName, modifiedAt, seeker)
	} else {
		io.Copy(w, reader)
	}
}

// HttpThumbnail sends a JPEG of the first processed frame
func (s *MediaServer) HttpThumbnail(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec := s.getVideoOrPanic(params.ByName("id"))
	if rec.PathThumbnail == "" {
		www.Panic(http.StatusNotFound, "Video has no thumbnail")
	}
	file, err := s.storage.ReadFile(rec.PathThumbnail)
	if errors.Is(err, storage.ErrNotExist) {
		www.Panic(http.StatusNotFound, "Thumbnail not found")
	}
	www.Check(err)
	defer file.Reader.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	www.CacheImmutable(w)
	io.Copy(w, file.Reader)
}

// Open a stored file for reading, preferring a seekable reader.
// Also returns the file's modification time in storage.
// A file that is listed in the catalog but missing from storage is a 404.
func (s *MediaServer) openOrPanic(name string) (io.ReadCloser, time.Time) {
	var reader io.ReadCloser
	var modifiedAt time.Time
	var err error
	if s.storageCache != nil {
		// Blob stores are a PITA to seek inside, so we serve from a local copy
		var cached *storagecache.CacheItemReader
		cached, err = s.storageCache.Open(name)
		if err == nil {
			reader = cached
			modifiedAt = cached.ModifiedAt()
		}
	} else {
		var file *storage.File
		file, err = s.storage.ReadFile(name)
		if err == nil {
			reader = file.Reader
			modifiedAt = file.ModifiedAt
		}
	}
	if errors.Is(err, storage.ErrNotExist) {
		s.log.Warnf("File %v is in the catalog, but not in storage", name)
		www.Panic(http.StatusNotFound, "File not found")
	}
	www.Check(err)
	return reader, modifiedAt
}
