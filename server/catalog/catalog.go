// Package catalog stores one record per ingested video.
// Records are append-only: they are inserted once, after both video files are in
// storage, and are never updated or deleted.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("Video not found")

// VideoRecord is a row in the 'videos' table
type VideoRecord struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	OriginalName  string    `json:"original_name"`
	OriginalExt   string    `json:"original_ext"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	DurationSec   float64   `json:"duration_sec"`
	FPS           float64   `gorm:"column:fps" json:"fps"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Filter        string    `json:"filter"` // Filter tag exactly as the client sent it
	CreatedAt     time.Time `json:"created_at"`
	PathOriginal  string    `json:"path_original"`
	PathProcessed string    `json:"path_processed"`
	FrameCount    int64     `json:"frame_count"`    // Frames written to the processed video
	PathThumbnail string    `json:"path_thumbnail"` // Empty if the processed video has no frames
}

func (VideoRecord) TableName() string {
	return "videos"
}

// HistoryItem is the subset of VideoRecord that is shown in the history list
type HistoryItem struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	Filter       string    `json:"filter"`
	CreatedAt    time.Time `json:"created_at"`
}

// Catalog wraps a single long lived, pooled DB handle
type Catalog struct {
	log logs.Log
	DB  *gorm.DB
}

// Open or create the catalog DB
func Open(log logs.Log, config dbh.DBConfig) (*Catalog, error) {
	log.Infof("Opening catalog DB (%v)", config.LogSafeDescription())
	db, err := dbh.OpenDB(log, config, Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open catalog database: %w", err)
	}
	return New(log, db), nil
}

// New wraps an already open DB. The migrations must already have been run.
func New(log logs.Log, db *gorm.DB) *Catalog {
	return &Catalog{
		log: log,
		DB:  db,
	}
}

func (c *Catalog) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert adds a new record. Inserting an ID that already exists is an error.
func (c *Catalog) Insert(rec *VideoRecord) error {
	if rec.ID == "" {
		return errors.New("VideoRecord ID may not be empty")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return c.DB.Create(rec).Error
}

// List returns all videos, newest first
func (c *Catalog) List() ([]HistoryItem, error) {
	items := []HistoryItem{}
	err := c.DB.Table("videos").Select("id, original_name, filter, created_at").Order("created_at DESC").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Get returns ErrNotFound if there is no such video
func (c *Catalog) Get(id string) (*VideoRecord, error) {
	rec := VideoRecord{}
	err := c.DB.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Catalog) Count() (int64, error) {
	n := int64(0)
	err := c.DB.Model(&VideoRecord{}).Count(&n).Error
	return n, err
}
