package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/dbh"
)

const DefaultConfigFile = "vidfilter.json"

type Config struct {
	Listen              string        `json:"listen"`              // eg ":5000"
	DB                  dbh.DBConfig  `json:"db"`                  // SQLite or Postgres
	VideoStorage        StorageConfig `json:"videoStorage"`        // Where original and processed videos are kept
	VideoCache          string        `json:"videoCache"`          // Path to the cache directory, used when videoStorage is a blob store
	VideoCacheMB        int64         `json:"videoCacheMB"`        // Size limit of videoCache
	TempDir             string        `json:"tempDir"`             // Scratch space for videos that are being processed
	MaxUploadMB         int64         `json:"maxUploadMB"`         // Maximum size of an upload request
	UploadsPerMinute    int           `json:"uploadsPerMinute"`    // Per client IP. Zero means unlimited.
	RejectUnknownFilter bool          `json:"rejectUnknownFilter"` // If false, unknown filters are accepted, and frames pass through unchanged
	FFmpeg              string        `json:"ffmpeg"`              // Path to ffmpeg, if it's not in PATH
	FFprobe             string        `json:"ffprobe"`             // Path to ffprobe, if it's not in PATH
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the media tree
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

func DefaultConfig() Config {
	return Config{
		Listen: ":5000",
		DB:     dbh.MakeSqliteConfig("videos.sqlite"),
		VideoStorage: StorageConfig{
			Filesystem: &StorageConfigFS{Root: "media"},
		},
		VideoCache:   "cache",
		VideoCacheMB: 256,
		TempDir:      filepath.Join(os.TempDir(), "vidfilter"),
		MaxUploadMB:  1024,
	}
}

// LoadConfig reads a JSON config file on top of DefaultConfig.
// If the file does not exist, the defaults are returned.
func LoadConfig(filename string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return cfg, err
	}
	// An explicit videoStorage replaces the default, instead of being merged into it
	explicit := struct {
		VideoStorage *StorageConfig `json:"videoStorage"`
	}{}
	if err := json.Unmarshal(raw, &explicit); err != nil {
		return cfg, fmt.Errorf("Error parsing config file %v: %w", filename, err)
	}
	if explicit.VideoStorage != nil {
		cfg.VideoStorage = StorageConfig{}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("Error parsing config file %v: %w", filename, err)
	}
	if cfg.VideoStorage.Filesystem != nil && cfg.VideoStorage.GCS != nil {
		return cfg, fmt.Errorf("Only one of videoStorage.filesystem or videoStorage.gcs may be configured")
	}
	return cfg, nil
}
