// Package datastore keeps an SQLite index of completed recordings.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
)

const componentDatastore = "datastore"

// slowQueryThreshold is the duration above which queries are logged as slow
const slowQueryThreshold = 200 * time.Millisecond

// ErrRecordingNotFound is returned when no recording has the requested ID
var ErrRecordingNotFound = errors.NewStd("recording not found")

// FileRemover deletes recording files; *recordings.Dir satisfies it
type FileRemover interface {
	Remove(path string)
}

// Store is the recordings index
type Store struct {
	db   *gorm.DB
	path string
	log  logger.Logger
}

// Open opens or creates the database at path and migrates the schema
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global().Module(componentDatastore)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New(err).
			Component(componentDatastore).
			Category(errors.CategoryFileIO).
			Context("operation", "create_database_dir").
			Build()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, slowQueryThreshold),
	})
	if err != nil {
		return nil, dbError(err, "open_database")
	}

	if err := db.AutoMigrate(&Recording{}); err != nil {
		closeDB(db)
		return nil, dbError(err, "auto_migrate")
	}

	log.Debug("recordings database opened", logger.String("path", path))
	return &Store{db: db, path: path, log: log}, nil
}

// Path returns the database file path
func (s *Store) Path() string { return s.path }

// SaveRecording indexes a session output created at the given time
func (s *Store) SaveRecording(ctx context.Context, out audiocore.MergeOutput, createdAt time.Time) (*Recording, error) {
	info, err := os.Stat(out.Path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentDatastore).
			Category(errors.CategoryFileIO).
			Context("operation", "stat_recording").
			FileContext(out.Path, 0).
			Build()
	}

	rec := &Recording{
		UUID:                uuid.NewString(),
		Title:               "Recording " + createdAt.Format("2006-01-02 15:04"),
		Path:                out.Path,
		DurationMs:          out.Duration.Milliseconds(),
		IncludesSystemAudio: out.IncludesSystemAudio,
		SizeBytes:           info.Size(),
		CreatedAt:           createdAt,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, dbError(err, "save_recording")
	}

	s.log.Info("recording saved",
		logger.String("id", rec.UUID),
		logger.String("path", rec.Path),
		logger.Duration("duration", out.Duration))
	return rec, nil
}

// ListRecordings returns recordings newest first. A non-positive limit returns all.
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	var recs []Recording
	q := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, dbError(err, "list_recordings")
	}
	return recs, nil
}

// GetRecording looks a recording up by its UUID
func (s *Store) GetRecording(ctx context.Context, id string) (*Recording, error) {
	var rec Recording
	err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New(ErrRecordingNotFound).
			Component(componentDatastore).
			Category(errors.CategoryNotFound).
			Context("recording_id", id).
			Build()
	}
	if err != nil {
		return nil, dbError(err, "get_recording")
	}
	return &rec, nil
}

// DeleteRecording removes the index row and then the file through files
func (s *Store) DeleteRecording(ctx context.Context, id string, files FileRemover) error {
	rec, err := s.GetRecording(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&Recording{}, rec.ID).Error; err != nil {
		return dbError(err, "delete_recording")
	}
	if files != nil {
		files.Remove(rec.Path)
	}
	s.log.Info("recording deleted", logger.String("id", id))
	return nil
}

// PruneMissing drops rows whose file no longer exists and returns how many were removed
func (s *Store) PruneMissing(ctx context.Context) (int, error) {
	recs, err := s.ListRecordings(ctx, 0)
	if err != nil {
		return 0, err
	}

	var missing []uint
	for i := range recs {
		if _, err := os.Stat(recs[i].Path); os.IsNotExist(err) {
			missing = append(missing, recs[i].ID)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).Delete(&Recording{}, missing).Error; err != nil {
		return 0, dbError(err, "prune_missing")
	}
	s.log.Info("pruned recordings with missing files", logger.Int("count", len(missing)))
	return len(missing), nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close_database")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close_database")
	}
	return nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func dbError(err error, operation string) error {
	return errors.New(err).
		Component(componentDatastore).
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
