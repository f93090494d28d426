// Package lifecycle is the API-facing orchestrator for recipe media: it
// issues presigned upload grants, registers uploaded objects as pending
// media records, enqueues processing, diffs media sets on update, and
// schedules storage cleanup when media or recipes go away.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/tastebase/media-pipeline/internal/config"
	"github.com/tastebase/media-pipeline/internal/media"
	"github.com/tastebase/media-pipeline/internal/publish"
	"github.com/tastebase/media-pipeline/internal/storage"
)

// ErrObjectMissing rejects an attach whose object never arrived in storage.
// Maps to a client-correctable (4xx) failure at the API layer.
var ErrObjectMissing = errors.New("media object not found in storage")

// ErrLimitExceeded rejects upload requests over the configured count or
// size limits.
var ErrLimitExceeded = errors.New("media limit exceeded")

// MediaStore is the persistence surface the manager needs.
type MediaStore interface {
	CreateMedia(ctx context.Context, m *media.MediaRecord) error
	DeleteMedia(ctx context.Context, id uint64) error
	UpdateMediaPlacement(ctx context.Context, id uint64, isPrimary bool, displayOrder int) error
	GetRecipe(ctx context.Context, id uint64) (*media.Recipe, error)
	SaveRecipe(ctx context.Context, r *media.Recipe) error
	DeleteRecipe(ctx context.Context, id uint64) error
}

// Enqueuer schedules asynchronous work. Enqueue failures never abort the
// triggering request; the maintenance sweeps pick up the slack.
type Enqueuer interface {
	EnqueueProcess(mediaID uint64) error
	EnqueueCleanup(keys []string) error
}

// PublishValidator gates the draft-to-public transition.
type PublishValidator interface {
	Validate(ctx context.Context, recipe *media.Recipe) error
}

type Manager struct {
	store     MediaStore
	objects   storage.ObjectStore
	jobs      Enqueuer
	validator PublishValidator
	cfg       config.MediaConfig
	bucket    string
	provider  media.StorageProvider
	logger    *slog.Logger
}

func NewManager(store MediaStore, objects storage.ObjectStore, jobs Enqueuer, validator PublishValidator, cfg config.MediaConfig, bucket string, provider media.StorageProvider, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		objects:   objects,
		jobs:      jobs,
		validator: validator,
		cfg:       cfg,
		bucket:    bucket,
		provider:  provider,
		logger:    logger,
	}
}

// UploadRequest describes one file a client wants to push to storage.
type UploadRequest struct {
	Filename        string
	ContentType     string
	Type            media.MediaType
	SizeBytes       int64
	DurationSeconds int
}

// UploadGrant is the presigned POST a client uses for one file.
type UploadGrant struct {
	Key    string
	URL    string
	Fields map[string]string
}

// PresignUploads validates the batch against count/size/duration limits and
// issues one presigned POST per file under a fresh recipes/ key.
func (mgr *Manager) PresignUploads(ctx context.Context, files []UploadRequest) ([]UploadGrant, error) {
	if err := mgr.validateUploads(files); err != nil {
		return nil, err
	}

	grants := make([]UploadGrant, 0, len(files))
	for _, f := range files {
		key := fmt.Sprintf("recipes/%s_%s", uuid.New(), f.Filename)
		maxSize := mgr.cfg.MaxImageSizeBytes
		if f.Type == media.TypeVideo {
			maxSize = mgr.cfg.MaxVideoSizeBytes
		}
		ticket, err := mgr.objects.PresignUpload(ctx, key, f.ContentType, maxSize)
		if err != nil {
			return nil, fmt.Errorf("presign upload for %s: %w", f.Filename, err)
		}
		grants = append(grants, UploadGrant{Key: ticket.Key, URL: ticket.URL, Fields: ticket.Fields})
	}
	return grants, nil
}

func (mgr *Manager) validateUploads(files []UploadRequest) error {
	var images, videos int
	for _, f := range files {
		switch f.Type {
		case media.TypeImage:
			images++
			if f.SizeBytes > mgr.cfg.MaxImageSizeBytes {
				return fmt.Errorf("%w: image %s exceeds max size", ErrLimitExceeded, f.Filename)
			}
		case media.TypeVideo:
			videos++
			if f.SizeBytes > mgr.cfg.MaxVideoSizeBytes {
				return fmt.Errorf("%w: video %s exceeds max size", ErrLimitExceeded, f.Filename)
			}
			if f.DurationSeconds > mgr.cfg.MaxVideoDurationSeconds {
				return fmt.Errorf("%w: video %s exceeds max duration", ErrLimitExceeded, f.Filename)
			}
		default:
			return fmt.Errorf("unsupported media type %q for %s", f.Type, f.Filename)
		}
	}
	if images > mgr.cfg.MaxImageCount {
		return fmt.Errorf("%w: maximum %d images allowed", ErrLimitExceeded, mgr.cfg.MaxImageCount)
	}
	if videos > mgr.cfg.MaxVideoCount {
		return fmt.Errorf("%w: maximum %d videos allowed", ErrLimitExceeded, mgr.cfg.MaxVideoCount)
	}
	return nil
}

// AttachRequest registers one uploaded object against a recipe.
type AttachRequest struct {
	ObjectKey    string
	Type         media.MediaType
	IsPrimary    bool
	DisplayOrder int
}

// AttachMedia verifies the object landed in storage, persists a pending
// media record, and enqueues processing. The caller is never blocked on
// processing; a queue outage only logs, and the stuck-media sweep recovers.
func (mgr *Manager) AttachMedia(ctx context.Context, recipe *media.Recipe, req AttachRequest) (*media.MediaRecord, error) {
	info, err := mgr.objects.Head(ctx, req.ObjectKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectMissing, req.ObjectKey)
		}
		return nil, fmt.Errorf("verify media object %s: %w", req.ObjectKey, err)
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rec := &media.MediaRecord{
		RecipeID:        &recipe.ID,
		RecipeUUID:      &recipe.UUID,
		StorageProvider: mgr.provider,
		Bucket:          mgr.bucket,
		ObjectKey:       req.ObjectKey,
		Type:            req.Type,
		ContentType:     contentType,
		SizeBytes:       info.Size,
		IsPrimary:       req.IsPrimary,
		DisplayOrder:    req.DisplayOrder,
	}
	if err := mgr.store.CreateMedia(ctx, rec); err != nil {
		return nil, err
	}

	if err := mgr.jobs.EnqueueProcess(rec.ID); err != nil {
		mgr.logger.Warn("enqueue media processing failed, sweeper will retry",
			"media_id", rec.ID, "err", err)
	}
	return rec, nil
}

// DesiredMedia is one entry of the media set a recipe update wants to end
// up with. ID zero means a newly uploaded object.
type DesiredMedia struct {
	ID           uint64
	ObjectKey    string
	Type         media.MediaType
	IsPrimary    bool
	DisplayOrder int
}

// ReplaceMedia diffs the desired set against the recipe's current media.
// Removed records are detached with their storage objects scheduled for
// cleanup; new entries are attached; surviving entries only have placement
// mutated, so unchanged media is never re-processed.
func (mgr *Manager) ReplaceMedia(ctx context.Context, recipe *media.Recipe, desired []DesiredMedia) error {
	current := make(map[uint64]*media.MediaRecord, len(recipe.Media))
	for i := range recipe.Media {
		current[recipe.Media[i].ID] = &recipe.Media[i]
	}
	wanted := make(map[uint64]DesiredMedia, len(desired))
	for _, d := range desired {
		if d.ID != 0 {
			wanted[d.ID] = d
		}
	}

	var removedKeys []string
	for id, rec := range current {
		if _, keep := wanted[id]; keep {
			continue
		}
		removedKeys = append(removedKeys, rec.StorageKeys()...)
		if err := mgr.store.DeleteMedia(ctx, id); err != nil {
			return err
		}
	}

	for _, d := range desired {
		if d.ID == 0 {
			if _, err := mgr.AttachMedia(ctx, recipe, AttachRequest{
				ObjectKey:    d.ObjectKey,
				Type:         d.Type,
				IsPrimary:    d.IsPrimary,
				DisplayOrder: d.DisplayOrder,
			}); err != nil {
				return err
			}
			continue
		}
		rec, ok := current[d.ID]
		if !ok {
			return fmt.Errorf("desired media %d does not belong to recipe %d", d.ID, recipe.ID)
		}
		if rec.IsPrimary != d.IsPrimary || rec.DisplayOrder != d.DisplayOrder {
			if err := mgr.store.UpdateMediaPlacement(ctx, d.ID, d.IsPrimary, d.DisplayOrder); err != nil {
				return err
			}
		}
	}

	if len(removedKeys) > 0 {
		if err := mgr.jobs.EnqueueCleanup(removedKeys); err != nil {
			mgr.logger.Warn("enqueue media cleanup failed",
				"recipe_id", recipe.ID, "keys", len(removedKeys), "err", err)
		}
	}
	return nil
}

// DeleteRecipe collects every storage key owned by the recipe's media,
// cascades the relational delete, and schedules asynchronous cleanup.
// Cleanup never blocks the delete.
func (mgr *Manager) DeleteRecipe(ctx context.Context, recipeID uint64) error {
	recipe, err := mgr.store.GetRecipe(ctx, recipeID)
	if err != nil {
		return err
	}

	var keys []string
	for i := range recipe.Media {
		keys = append(keys, recipe.Media[i].StorageKeys()...)
	}

	if err := mgr.store.DeleteRecipe(ctx, recipeID); err != nil {
		return err
	}

	if len(keys) > 0 {
		if err := mgr.jobs.EnqueueCleanup(keys); err != nil {
			mgr.logger.Warn("enqueue recipe media cleanup failed",
				"recipe_id", recipeID, "keys", len(keys), "err", err)
		}
	}
	return nil
}

// EnsurePrimaryImage normalizes the primary flag ahead of publish
// validation: if no image is primary the first one by display order is
// promoted, and any extra primaries are demoted. The validator itself only
// checks; promotion is this caller-side step.
func (mgr *Manager) EnsurePrimaryImage(ctx context.Context, recipe *media.Recipe) error {
	var images []*media.MediaRecord
	for i := range recipe.Media {
		if recipe.Media[i].Type == media.TypeImage {
			images = append(images, &recipe.Media[i])
		}
	}
	if len(images) == 0 {
		return nil
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].DisplayOrder < images[j].DisplayOrder
	})

	var primary *media.MediaRecord
	for _, img := range images {
		if img.IsPrimary {
			if primary == nil {
				primary = img
				continue
			}
			if err := mgr.store.UpdateMediaPlacement(ctx, img.ID, false, img.DisplayOrder); err != nil {
				return err
			}
			img.IsPrimary = false
		}
	}
	if primary == nil {
		first := images[0]
		if err := mgr.store.UpdateMediaPlacement(ctx, first.ID, true, first.DisplayOrder); err != nil {
			return err
		}
		first.IsPrimary = true
	}
	return nil
}

// PublishRecipe runs the publish gate and, on success, flips the recipe to
// public. Already-public recipes are a no-op. Any rejection leaves the
// recipe untouched.
func (mgr *Manager) PublishRecipe(ctx context.Context, recipeID uint64) error {
	recipe, err := mgr.store.GetRecipe(ctx, recipeID)
	if err != nil {
		return err
	}
	if recipe.IsPublic {
		return nil
	}

	if err := mgr.EnsurePrimaryImage(ctx, recipe); err != nil {
		return err
	}
	if err := mgr.validator.Validate(ctx, recipe); err != nil {
		return err
	}

	recipe.IsPublic = true
	recipe.Status = media.StatusPublished
	return mgr.store.SaveRecipe(ctx, recipe)
}

var _ PublishValidator = (*publish.Validator)(nil)
