package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vidfilter/pkg/videox"
	"github.com/cyclopcam/vidfilter/server/catalog"
	"github.com/cyclopcam/vidfilter/server/ingest"
	"github.com/cyclopcam/vidfilter/server/media"
	"github.com/cyclopcam/vidfilter/server/storage"
	"github.com/cyclopcam/vidfilter/server/storagecache"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log     logs.Log
	Config  Config
	Catalog *catalog.Catalog

	// Closed when Shutdown has finished
	ShutdownComplete chan struct{}

	signalIn     chan os.Signal
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	storage      storage.Storage
	storageCache *storagecache.StorageCache
	pipeline     *ingest.Pipeline
	media        *media.MediaServer
}

// NewServer creates a server that decodes and encodes video with ffmpeg
func NewServer(logger logs.Log, cfg Config) (*Server, error) {
	codec := videox.NewFFmpegCodec(logger, cfg.FFmpeg, cfg.FFprobe)
	if version, err := videox.FFmpegVersion(codec.FFmpeg); err != nil {
		logger.Warnf("ffmpeg is not usable, so uploads will produce empty videos: %v", err)
	} else {
		logger.Infof("Using %v", version)
	}
	return NewServerWithCodec(logger, cfg, codec)
}

func NewServerWithCodec(logger logs.Log, cfg Config, codec videox.Codec) (*Server, error) {
	cat, err := catalog.Open(logger, cfg.DB)
	if err != nil {
		return nil, err
	}

	// Open blob store
	var storageServer storage.Storage
	var storageCache *storagecache.StorageCache
	if cfg.VideoStorage.GCS != nil {
		storageServer, err = storage.NewStorageGCS(logger, cfg.VideoStorage.GCS.Bucket)
		if err != nil {
			cat.Close()
			return nil, err
		}
		// GCS readers can't seek, so downloads are served from a local cache
		storageCache, err = storagecache.NewStorageCache(logger, storageServer, cfg.VideoCache, cfg.VideoCacheMB*1024*1024)
		if err != nil {
			cat.Close()
			return nil, err
		}
	} else if cfg.VideoStorage.Filesystem != nil {
		storageServer, err = storage.NewStorageFS(logger, cfg.VideoStorage.Filesystem.Root)
		if err != nil {
			cat.Close()
			return nil, err
		}
	} else {
		cat.Close()
		return nil, fmt.Errorf("One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')")
	}

	pipeline, err := ingest.NewPipeline(logger, codec, storageServer, cat, cfg.TempDir)
	if err != nil {
		cat.Close()
		return nil, err
	}

	mediaServer := media.NewMediaServer(logger, cat, storageServer, storageCache, pipeline)
	if cfg.MaxUploadMB > 0 {
		mediaServer.MaxUploadBytes = cfg.MaxUploadMB * 1024 * 1024
	}
	mediaServer.RejectUnknownFilter = cfg.RejectUnknownFilter

	s := &Server{
		Log:              logger,
		Config:           cfg,
		Catalog:          cat,
		ShutdownComplete: make(chan struct{}),
		storage:          storageServer,
		storageCache:     storageCache,
		pipeline:         pipeline,
		media:            mediaServer,
	}
	s.setupHttpRoutes()
	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// addr example: ":5000"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

// Shutdown stops accepting requests, waits briefly for in-flight requests, and closes the catalog.
// An upload that is still being processed when the grace period ends is abandoned, and leaves no catalog record.
func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown: %v", err)
		}
	}
	if err := s.Catalog.Close(); err != nil {
		s.Log.Warnf("Closing catalog: %v", err)
	}
	s.Log.Infof("Shutdown complete")
	close(s.ShutdownComplete)
}
