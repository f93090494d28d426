package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound marks a missing row. A processing job for an already-deleted
// record checks this and no-ops instead of failing.
var ErrNotFound = errors.New("record not found")

// Store is the relational persistence layer. The database is the single
// source of truth for media state; every mutation is one transactional
// commit.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Recipe{}, &Ingredient{}, &Step{}, &MediaRecord{})
}

func (s *Store) GetMedia(ctx context.Context, id uint64) (*MediaRecord, error) {
	var m MediaRecord
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: media %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get media %d: %w", id, err)
	}
	return &m, nil
}

func (s *Store) CreateMedia(ctx context.Context, m *MediaRecord) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create media: %w", err)
	}
	return nil
}

// SaveMedia persists the full record in one commit.
func (s *Store) SaveMedia(ctx context.Context, m *MediaRecord) error {
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("save media %d: %w", m.ID, err)
	}
	return nil
}

func (s *Store) DeleteMedia(ctx context.Context, id uint64) error {
	if err := s.db.WithContext(ctx).Delete(&MediaRecord{}, id).Error; err != nil {
		return fmt.Errorf("delete media %d: %w", id, err)
	}
	return nil
}

// UpdateMediaPlacement mutates only ordering and the primary flag, leaving
// processing state alone so unchanged media is never re-processed.
func (s *Store) UpdateMediaPlacement(ctx context.Context, id uint64, isPrimary bool, displayOrder int) error {
	err := s.db.WithContext(ctx).Model(&MediaRecord{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_primary": isPrimary, "display_order": displayOrder}).Error
	if err != nil {
		return fmt.Errorf("update media placement %d: %w", id, err)
	}
	return nil
}

func (s *Store) GetRecipe(ctx context.Context, id uint64) (*Recipe, error) {
	var r Recipe
	err := s.db.WithContext(ctx).
		Preload("Ingredients", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Media", func(db *gorm.DB) *gorm.DB { return db.Order("is_primary desc, display_order") }).
		First(&r, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: recipe %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get recipe %d: %w", id, err)
	}
	return &r, nil
}

func (s *Store) CreateRecipe(ctx context.Context, r *Recipe) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("create recipe: %w", err)
	}
	return nil
}

func (s *Store) SaveRecipe(ctx context.Context, r *Recipe) error {
	if err := s.db.WithContext(ctx).Omit("Ingredients", "Steps", "Media").Save(r).Error; err != nil {
		return fmt.Errorf("save recipe %d: %w", r.ID, err)
	}
	return nil
}

// DeleteRecipe removes the recipe and all owned rows in one transaction.
// Storage cleanup is the caller's job; it collects keys before calling this.
func (s *Store) DeleteRecipe(ctx context.Context, id uint64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recipe_id = ?", id).Delete(&MediaRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("recipe_id = ?", id).Delete(&Ingredient{}).Error; err != nil {
			return err
		}
		if err := tx.Where("recipe_id = ?", id).Delete(&Step{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Recipe{}, id).Error
	})
	if err != nil {
		return fmt.Errorf("delete recipe %d: %w", id, err)
	}
	return nil
}

// OrphanedMediaBefore returns media with no owning recipe created before the
// cutoff.
func (s *Store) OrphanedMediaBefore(ctx context.Context, cutoff time.Time) ([]*MediaRecord, error) {
	var out []*MediaRecord
	err := s.db.WithContext(ctx).
		Where("recipe_id IS NULL AND created_at < ?", cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query orphaned media: %w", err)
	}
	return out, nil
}

// FailedMediaBefore returns permanently failed media created before the
// cutoff.
func (s *Store) FailedMediaBefore(ctx context.Context, cutoff time.Time) ([]*MediaRecord, error) {
	var out []*MediaRecord
	err := s.db.WithContext(ctx).
		Where("processing_error IS NOT NULL AND processed = ? AND created_at < ?", false, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query failed media: %w", err)
	}
	return out, nil
}

// StuckMediaBefore returns media that is neither processed nor failed and
// has not been touched since the cutoff, indicating a lost job.
func (s *Store) StuckMediaBefore(ctx context.Context, cutoff time.Time) ([]*MediaRecord, error) {
	var out []*MediaRecord
	err := s.db.WithContext(ctx).
		Where("processed = ? AND processing_error IS NULL AND updated_at < ?", false, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query stuck media: %w", err)
	}
	return out, nil
}

// StaleDraftsBefore returns non-public recipes untouched since the cutoff,
// with media preloaded so the caller can collect storage keys.
func (s *Store) StaleDraftsBefore(ctx context.Context, cutoff time.Time) ([]*Recipe, error) {
	var out []*Recipe
	err := s.db.WithContext(ctx).
		Preload("Media").
		Where("is_public = ? AND updated_at < ?", false, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query stale drafts: %w", err)
	}
	return out, nil
}

// MediaExistsForKey reports whether any media record references the storage
// object key as its original.
func (s *Store) MediaExistsForKey(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&MediaRecord{}).
		Where("object_key = ?", key).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count media for key %s: %w", key, err)
	}
	return n > 0, nil
}

// SampleProcessedMedia returns up to limit processed records for the
// thumbnail integrity sweep.
func (s *Store) SampleProcessedMedia(ctx context.Context, limit int) ([]*MediaRecord, error) {
	var out []*MediaRecord
	err := s.db.WithContext(ctx).
		Where("processed = ?", true).
		Order("updated_at").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("sample processed media: %w", err)
	}
	return out, nil
}
