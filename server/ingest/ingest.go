// Package ingest turns an uploaded video into a filtered video, and records both in the catalog.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vidfilter/pkg/filter"
	"github.com/cyclopcam/vidfilter/pkg/iox"
	"github.com/cyclopcam/vidfilter/pkg/videox"
	"github.com/cyclopcam/vidfilter/server/catalog"
	"github.com/cyclopcam/vidfilter/server/storage"
	"github.com/google/uuid"
)

// Width of the JPEG thumbnail that we make from the first processed frame
const ThumbnailWidth = 320

// Kinds of stored video file
const (
	VideoOriginal  = "original"
	VideoProcessed = "processed"
)

var validExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// Upload is a video file received from a client
type Upload struct {
	File     io.Reader
	Filename string // As named by the client. Only used for display.
	MimeType string // As declared by the client
}

// Pipeline runs ingests. Every call to Ingest is independent, so a Pipeline
// can service many concurrent uploads.
type Pipeline struct {
	Stats *Stats
	Now   func() time.Time

	log     logs.Log
	codec   videox.Codec
	storage storage.Storage
	catalog *catalog.Catalog
	tempDir string
}

func NewPipeline(log logs.Log, codec videox.Codec, store storage.Storage, cat *catalog.Catalog, tempDir string) (*Pipeline, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create ingest temp directory '%v': %w", tempDir, err)
	}
	return &Pipeline{
		Stats:   NewStats(),
		Now:     time.Now,
		log:     logs.NewPrefixLogger(log, "Ingest"),
		codec:   codec,
		storage: store,
		catalog: cat,
		tempDir: tempDir,
	}, nil
}

// SanitizeExt returns ext if it is a plain file extension such as ".mp4", otherwise an empty string.
func SanitizeExt(ext string) string {
	if validExt.MatchString(ext) {
		return ext
	}
	return ""
}

// Storage prefix of all files belonging to a video, eg "2024/05/01/videos/<id>"
func VideoPrefix(createdAt time.Time, id string) string {
	return fmt.Sprintf("%04d/%02d/%02d/videos/%v", createdAt.Year(), createdAt.Month(), createdAt.Day(), id)
}

func OriginalFilename(prefix, ext string) string {
	return prefix + "/original/video" + ext
}

func ProcessedFilename(prefix string, kind filter.Kind) string {
	return prefix + "/processed/" + kind.String() + "/video.mp4"
}

func ThumbnailFilename(prefix string) string {
	return prefix + "/thumb.jpg"
}

// Result of the decode/filter/encode loop
type transcodeResult struct {
	framesDecoded int64
	framesWritten int64       // As counted by the encoder
	firstFrame    *cimg.Image // First filtered frame, or nil
}

// Ingest stores the upload, runs the filter over every frame, stores the result,
// and finally inserts a catalog record.
// Processing is not cancelled if ctx is cancelled, because a half finished ingest is of no use to anybody.
// The catalog record is only inserted once both videos are in storage.
func (p *Pipeline) Ingest(ctx context.Context, upload Upload, filterTag string) (*catalog.VideoRecord, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	rec, err := p.ingest(ctx, upload, filterTag)
	if err != nil {
		p.Stats.AddFailure()
		return nil, err
	}
	elapsed := time.Since(start).Seconds()
	sample := Sample{
		ID:          rec.ID,
		Filter:      rec.Filter,
		Frames:      rec.FrameCount,
		Bytes:       rec.SizeBytes,
		Seconds:     elapsed,
		CompletedAt: time.Now().UTC(),
	}
	if elapsed > 0 {
		sample.FramesPerSecond = float64(rec.FrameCount) / elapsed
	}
	p.Stats.AddSuccess(sample)
	return rec, nil
}

func (p *Pipeline) ingest(ctx context.Context, upload Upload, filterTag string) (*catalog.VideoRecord, error) {
	kind, known := filter.ParseKind(filterTag)
	if !known {
		p.log.Infof("Unrecognized filter '%v'. Frames will pass through unchanged", filterTag)
	}

	id := uuid.NewString()
	createdAt := p.Now().UTC()
	clientExt := filepath.Ext(upload.Filename)
	ext := SanitizeExt(clientExt)
	prefix := VideoPrefix(createdAt, id)

	workDir, err := os.MkdirTemp(p.tempDir, "ingest-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	originalLocal := filepath.Join(workDir, "original"+ext)
	processedLocal := filepath.Join(workDir, "processed.mp4")

	sizeBytes, err := iox.WriteStreamToFile(originalLocal, upload.File)
	if err != nil {
		return nil, fmt.Errorf("Failed to save upload: %w", err)
	}
	p.log.Infof("Video %v: '%v', %v bytes, filter %v", id, upload.Filename, sizeBytes, kind)

	info, probeErr := p.codec.Probe(ctx, originalLocal)
	if probeErr != nil {
		// This is not fatal. We end up with zero frames, and an empty processed video.
		p.log.Warnf("Video %v: unable to read video stream: %v", id, probeErr)
		info = videox.StreamInfo{}
	}

	tr, err := p.transcode(ctx, id, originalLocal, processedLocal, info, probeErr == nil, kind)
	if err != nil {
		return nil, err
	}

	frameCount := info.FrameCount
	if frameCount == 0 {
		frameCount = tr.framesDecoded
	}

	rec := &catalog.VideoRecord{
		ID:            id,
		OriginalName:  upload.Filename,
		OriginalExt:   clientExt,
		MimeType:      upload.MimeType,
		SizeBytes:     sizeBytes,
		DurationSec:   videox.DurationSeconds(frameCount, info.FPS),
		FPS:           info.FPS,
		Width:         info.Width,
		Height:        info.Height,
		Filter:        filterTag,
		CreatedAt:     createdAt,
		PathOriginal:  OriginalFilename(prefix, ext),
		PathProcessed: ProcessedFilename(prefix, kind),
		FrameCount:    tr.framesWritten,
	}

	written := []string{}
	cleanup := func() {
		for _, name := range written {
			if err := p.storage.DeleteFile(name); err != nil {
				p.log.Warnf("Failed to clean up %v: %v", name, err)
			}
		}
	}

	if err := p.storeFile(originalLocal, rec.PathOriginal); err != nil {
		return nil, err
	}
	written = append(written, rec.PathOriginal)

	if err := p.storeFile(processedLocal, rec.PathProcessed); err != nil {
		cleanup()
		return nil, err
	}
	written = append(written, rec.PathProcessed)

	if tr.firstFrame != nil {
		if thumb, err := makeThumbnail(tr.firstFrame); err != nil {
			p.log.Warnf("Video %v: failed to make thumbnail: %v", id, err)
		} else if _, err := storage.WriteFile(p.storage, ThumbnailFilename(prefix), bytes.NewReader(thumb)); err != nil {
			p.log.Warnf("Video %v: failed to store thumbnail: %v", id, err)
		} else {
			rec.PathThumbnail = ThumbnailFilename(prefix)
			written = append(written, rec.PathThumbnail)
		}
	}

	if err := p.catalog.Insert(rec); err != nil {
		cleanup()
		return nil, fmt.Errorf("Failed to insert catalog record: %w", err)
	}
	p.log.Infof("Video %v: %v frames, %v x %v @ %.3f fps, %.3f seconds", id, rec.FrameCount, rec.Width, rec.Height, rec.FPS, rec.DurationSec)
	return rec, nil
}

// transcode decodes every frame of srcFile, filters it, and encodes it into dstFile.
// Frames are written in the order in which they are decoded.
// A decode error ends the loop, the same way as the end of the stream would.
// If canDecode is false, dstFile is created, but contains no frames.
func (p *Pipeline) transcode(ctx context.Context, id, srcFile, dstFile string, info videox.StreamInfo, canDecode bool, kind filter.Kind) (*transcodeResult, error) {
	sink, err := p.codec.OpenWriter(ctx, dstFile, info.FPS, info.Width, info.Height)
	if err != nil {
		return nil, fmt.Errorf("Failed to open video encoder: %w", err)
	}

	var src videox.FrameSource
	if canDecode {
		src, err = p.codec.OpenReader(ctx, srcFile, info)
		if err != nil {
			p.log.Warnf("Video %v: unable to open decoder: %v", id, err)
			src = nil
		}
	}

	result := &transcodeResult{}
	for src != nil {
		frame, err := src.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			p.log.Warnf("Video %v: decode failed after %v frames: %v", id, result.framesDecoded, err)
			break
		}
		out := filter.Apply(frame, kind)
		if err := sink.WriteFrame(out); err != nil {
			src.Close()
			sink.Close()
			return nil, fmt.Errorf("Failed to encode frame %v: %w", result.framesDecoded, err)
		}
		if result.firstFrame == nil {
			result.firstFrame = out
		}
		result.framesDecoded++
	}
	if src != nil {
		if err := src.Close(); err != nil {
			p.log.Warnf("Video %v: decoder: %v", id, err)
		}
	}

	// Closing the sink flushes all buffered frames
	if err := sink.Close(); err != nil {
		return nil, fmt.Errorf("Failed to finish encoding: %w", err)
	}
	result.framesWritten = sink.FramesWritten()
	if result.framesWritten != result.framesDecoded {
		return nil, fmt.Errorf("Encoder wrote %v frames, but %v were decoded", result.framesWritten, result.framesDecoded)
	}
	return result, nil
}

func (p *Pipeline) storeFile(localFile, name string) error {
	w, err := p.storage.WriteFile(name)
	if err != nil {
		return fmt.Errorf("Failed to store %v: %w", name, err)
	}
	if err := iox.CopyFileToWriter(localFile, w); err != nil {
		return fmt.Errorf("Failed to store %v: %w", name, err)
	}
	return nil
}

func makeThumbnail(frame *cimg.Image) ([]byte, error) {
	img := frame
	if img.Width > ThumbnailWidth {
		height := img.Height * ThumbnailWidth / img.Width
		if height < 1 {
			height = 1
		}
		img = cimg.ResizeNew(img, ThumbnailWidth, height, nil)
	}
	return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
}
