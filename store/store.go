// Package store implements the embedded relational storage layer: frame
// metadata and embedding rows in a single SQLite file. It is the only
// durable artifact of the system; the vector cache is always rebuildable
// from ColumnVectors.
package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/prism-search/prism/model"
)

// ErrTransaction wraps storage write failures. The enclosing batch has been
// rolled back; the caller decides whether to retry or abort the run.
var ErrTransaction = errors.New("storage transaction failed")

// Options contains configuration options for the store.
type Options struct {
	Logger *slog.Logger
}

// DefaultOptions contains the default configuration options for the store.
var DefaultOptions = Options{}

// Store provides access to the frames and embeddings tables.
type Store struct {
	db     *gorm.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates the schema.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.AutoMigrate(&model.Frame{}, &model.Embedding{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, path: path, logger: opts.Logger}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FrameRecord is one frame plus its embedding set, as written in a single
// transaction.
type FrameRecord struct {
	Frame      model.Frame
	Embeddings []model.Embedding
}

// SaveFrameAndEmbeddings upserts the frame row by path and replaces its
// embedding set. All writes commit atomically; re-indexing a path can never
// leave stale embedding rows behind.
func (s *Store) SaveFrameAndEmbeddings(ctx context.Context, frame model.Frame, embeddings []model.Embedding) error {
	return s.BatchSave(ctx, []FrameRecord{{Frame: frame, Embeddings: embeddings}})
}

// BatchSave writes many frames and their embeddings in one transaction,
// with the same upsert-by-path semantics as SaveFrameAndEmbeddings. Used by
// high-throughput indexing runs so a cancelled run commits whole batches or
// nothing.
func (s *Store) BatchSave(ctx context.Context, records []FrameRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range records {
			if err := saveOne(tx, &records[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	return nil
}

func saveOne(tx *gorm.DB, rec *FrameRecord) error {
	frame := &rec.Frame
	if frame.IndexedAt.IsZero() {
		frame.IndexedAt = time.Now()
	}
	if frame.SourceType == "" {
		frame.SourceType = SourceTypeForPath(frame.Path)
	}

	var existing model.Frame
	err := tx.Where("path = ?", frame.Path).First(&existing).Error
	switch {
	case err == nil:
		frame.ID = existing.ID
		if err := tx.Where("frame_id = ?", existing.ID).Delete(&model.Embedding{}).Error; err != nil {
			return err
		}
		if err := tx.Save(frame).Error; err != nil {
			return err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := tx.Create(frame).Error; err != nil {
			return err
		}
	default:
		return err
	}

	for i := range rec.Embeddings {
		rec.Embeddings[i].ID = 0
		rec.Embeddings[i].FrameID = frame.ID
	}
	if len(rec.Embeddings) > 0 {
		if err := tx.Create(&rec.Embeddings).Error; err != nil {
			return err
		}
	}
	return nil
}

// ExistsByHash reports whether any frame carries the given content hash.
// Dedup probe for the batch processing engine.
func (s *Store) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Frame{}).
		Where("content_hash = ?", hash).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

// ExistsByPath reports whether a frame row exists for the given path.
func (s *Store) ExistsByPath(ctx context.Context, path string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Frame{}).
		Where("path = ?", path).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

// DeleteFrame removes the frame with the given path and all its embeddings
// atomically. Returns false when no such frame exists.
func (s *Store) DeleteFrame(ctx context.Context, path string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var frame model.Frame
		if err := tx.Where("path = ?", path).First(&frame).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Where("frame_id = ?", frame.ID).Delete(&model.Embedding{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&frame).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	return deleted, nil
}

// Vacuum deletes embedding rows whose frame no longer exists, then reclaims
// file space. This is the only supported repair for orphaned vectors.
func (s *Store) Vacuum(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("frame_id NOT IN (?)", s.db.Model(&model.Frame{}).Select("id")).
		Delete(&model.Embedding{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransaction, res.Error)
	}
	if err := s.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		return res.RowsAffected, fmt.Errorf("vacuum: %w", err)
	}
	return res.RowsAffected, nil
}

// ColumnVectors streams (embeddingID, rawVectorBytes) pairs for cache
// construction. It deliberately joins no metadata to keep cache builds cheap.
func (s *Store) ColumnVectors(ctx context.Context, fn func(id uint, vector []byte) error) error {
	rows, err := s.db.WithContext(ctx).Model(&model.Embedding{}).
		Select("id", "vector").
		Order("id").
		Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id uint
		var vector []byte
		if err := rows.Scan(&id, &vector); err != nil {
			return err
		}
		if err := fn(id, vector); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ClassPairs streams (embeddingID, objectClass) pairs where objectClass is
// any class detected on the embedding's owning frame. Feeds the searcher's
// class-filter bitmaps.
func (s *Store) ClassPairs(ctx context.Context, fn func(id uint, class string) error) error {
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT e.id, ec.object_class
		FROM embeddings e
		JOIN embeddings ec ON ec.frame_id = e.frame_id
		WHERE ec.object_class IS NOT NULL`).Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id uint
		var class string
		if err := rows.Scan(&id, &class); err != nil {
			return err
		}
		if err := fn(id, class); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EmbeddingMeta is the display metadata hydrated for one embedding row on a
// result page.
type EmbeddingMeta struct {
	EmbeddingID     uint
	FramePath       string
	Kind            model.EmbeddingKind
	ObjectClass     string
	BBox            string
	Width           int
	Height          int
	IndexedAt       time.Time
	SourceType      model.SourceType
	DetectedClasses []string
}

// MetadataByIDs hydrates display metadata for the given embedding ids only.
// Never called for the whole cache; result pages are small.
func (s *Store) MetadataByIDs(ctx context.Context, ids []uint) (map[uint]EmbeddingMeta, error) {
	result := make(map[uint]EmbeddingMeta, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT e.id, f.path, e.kind, e.object_class, e.b_box,
		       f.width, f.height, f.indexed_at, f.source_type, f.detected_classes
		FROM embeddings e
		JOIN frames f ON e.frame_id = f.id
		WHERE e.id IN ?`, ids).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m EmbeddingMeta
		var objectClass, bbox, detected *string
		if err := rows.Scan(&m.EmbeddingID, &m.FramePath, &m.Kind,
			&objectClass, &bbox, &m.Width, &m.Height, &m.IndexedAt, &m.SourceType, &detected); err != nil {
			return nil, err
		}
		if objectClass != nil {
			m.ObjectClass = *objectClass
		}
		if bbox != nil {
			m.BBox = *bbox
		}
		if detected != nil && *detected != "" {
			if err := json.Unmarshal([]byte(*detected), &m.DetectedClasses); err != nil {
				s.logger.Warn("malformed detected_classes column",
					slog.String("path", m.FramePath), slog.Any("error", err))
			}
		}
		result[m.EmbeddingID] = m
	}
	return result, rows.Err()
}

// ObjectClassesForFrame returns the distinct detected object classes for a
// frame path.
func (s *Store) ObjectClassesForFrame(ctx context.Context, path string) ([]string, error) {
	var classes []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT e.object_class
		FROM embeddings e
		JOIN frames f ON e.frame_id = f.id
		WHERE f.path = ? AND e.object_class IS NOT NULL
		ORDER BY e.object_class`, path).Scan(&classes).Error
	return classes, err
}

// EmbeddingCount returns the total number of embedding rows.
func (s *Store) EmbeddingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Embedding{}).Count(&count).Error
	return count, err
}

// Stats summarizes the indexed corpus.
type Stats struct {
	TotalFrames      int64
	TotalEmbeddings  int64
	LastIndexedAt    *time.Time
	SourceTypeCounts map[model.SourceType]int64
}

// Stats returns corpus totals, the most recent index time, and per-source
// frame counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{SourceTypeCounts: make(map[model.SourceType]int64)}

	if err := s.db.WithContext(ctx).Model(&model.Frame{}).Count(&stats.TotalFrames).Error; err != nil {
		return stats, err
	}
	if err := s.db.WithContext(ctx).Model(&model.Embedding{}).Count(&stats.TotalEmbeddings).Error; err != nil {
		return stats, err
	}

	var last model.Frame
	err := s.db.WithContext(ctx).Order("indexed_at DESC").First(&last).Error
	switch {
	case err == nil:
		t := last.IndexedAt
		stats.LastIndexedAt = &t
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return stats, err
	}

	rows, err := s.db.WithContext(ctx).Model(&model.Frame{}).
		Select("source_type, COUNT(*) as n").
		Group("source_type").
		Rows()
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var st model.SourceType
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return stats, err
		}
		stats.SourceTypeCounts[st] = n
	}
	return stats, rows.Err()
}

// SourceTypeForPath derives the source type from the path shape.
func SourceTypeForPath(path string) model.SourceType {
	switch {
	case strings.Contains(path, "#t=") || strings.Contains(path, "::frame_"):
		return model.SourceTypeVideo
	case strings.Contains(path, "://"):
		return model.SourceTypeCloud
	case path == "":
		return model.SourceTypeOther
	default:
		return model.SourceTypeLocal
	}
}

// HashFile computes the MD5 content hash of a local file, streamed.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the MD5 hash of raw content bytes.
func HashBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// HashURI computes the pseudo content hash of a cloud URI. Cloud objects
// are hashed by key, not content; a changed object at an unchanged key is
// not re-indexed.
func HashURI(uri string) string {
	return HashBytes([]byte(uri))
}
