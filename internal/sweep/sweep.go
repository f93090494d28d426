// Package sweep contains the periodic maintenance jobs that keep storage
// and metadata converged: orphan reclaim, failed-media purge, stuck-job
// re-enqueue, draft expiry, stray-object reclaim, and a thumbnail
// integrity sample. Every sweep is idempotent and independently safe to
// re-run.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tastebase/media-pipeline/internal/config"
	"github.com/tastebase/media-pipeline/internal/media"
	"github.com/tastebase/media-pipeline/internal/storage"
)

// Store is the query surface the sweeps need; *media.Store satisfies it.
type Store interface {
	OrphanedMediaBefore(ctx context.Context, cutoff time.Time) ([]*media.MediaRecord, error)
	FailedMediaBefore(ctx context.Context, cutoff time.Time) ([]*media.MediaRecord, error)
	StuckMediaBefore(ctx context.Context, cutoff time.Time) ([]*media.MediaRecord, error)
	StaleDraftsBefore(ctx context.Context, cutoff time.Time) ([]*media.Recipe, error)
	SampleProcessedMedia(ctx context.Context, limit int) ([]*media.MediaRecord, error)
	MediaExistsForKey(ctx context.Context, key string) (bool, error)
	DeleteMedia(ctx context.Context, id uint64) error
	DeleteRecipe(ctx context.Context, id uint64) error
}

type Enqueuer interface {
	EnqueueProcess(mediaID uint64) error
	EnqueueCleanup(keys []string) error
}

type Sweeper struct {
	store   Store
	objects storage.ObjectStore
	jobs    Enqueuer
	cfg     config.SweepConfig
	logger  *slog.Logger
	now     func() time.Time
}

func New(store Store, objects storage.ObjectStore, jobs Enqueuer, cfg config.SweepConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		objects: objects,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// ReclaimOrphans deletes media records that never got attached to a recipe,
// along with their storage objects.
func (s *Sweeper) ReclaimOrphans(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.OrphanAge)
	orphans, err := s.store.OrphanedMediaBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, m := range orphans {
		if err := s.jobs.EnqueueCleanup(m.StorageKeys()); err != nil {
			s.logger.Warn("enqueue orphan cleanup failed", "media_id", m.ID, "err", err)
			continue
		}
		if err := s.store.DeleteMedia(ctx, m.ID); err != nil {
			return 0, err
		}
	}
	s.logger.Info("orphan reclaim done", "reclaimed", len(orphans))
	return len(orphans), nil
}

// PurgeFailed deletes media whose processing failed permanently and was
// never resolved within the retention window.
func (s *Sweeper) PurgeFailed(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.FailedAge)
	failed, err := s.store.FailedMediaBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, m := range failed {
		if err := s.jobs.EnqueueCleanup(m.StorageKeys()); err != nil {
			s.logger.Warn("enqueue failed-media cleanup failed", "media_id", m.ID, "err", err)
			continue
		}
		if err := s.store.DeleteMedia(ctx, m.ID); err != nil {
			return 0, err
		}
	}
	s.logger.Info("failed purge done", "purged", len(failed))
	return len(failed), nil
}

// RetryStuck re-enqueues media that is neither processed nor failed and has
// not been touched within the stuck window, guarding against lost jobs.
// Each stuck record is re-enqueued exactly once per sweep.
func (s *Sweeper) RetryStuck(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StuckAge)
	stuck, err := s.store.StuckMediaBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, m := range stuck {
		if err := s.jobs.EnqueueProcess(m.ID); err != nil {
			s.logger.Warn("re-enqueue stuck media failed", "media_id", m.ID, "err", err)
			continue
		}
		requeued++
	}
	s.logger.Info("stuck retry done", "stuck", len(stuck), "requeued", requeued)
	return requeued, nil
}

// ExpireDrafts deletes private recipes untouched beyond the draft window;
// the relational delete cascades the media rows, and storage cleanup goes
// through the queue.
func (s *Sweeper) ExpireDrafts(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.DraftAge)
	drafts, err := s.store.StaleDraftsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, r := range drafts {
		var keys []string
		for i := range r.Media {
			keys = append(keys, r.Media[i].StorageKeys()...)
		}
		if err := s.store.DeleteRecipe(ctx, r.ID); err != nil {
			return 0, err
		}
		if len(keys) > 0 {
			if err := s.jobs.EnqueueCleanup(keys); err != nil {
				s.logger.Warn("enqueue draft cleanup failed", "recipe_id", r.ID, "err", err)
			}
		}
	}
	s.logger.Info("draft expiry done", "expired", len(drafts))
	return len(drafts), nil
}

// uploadPrefix is where presigned upload grants place original objects.
const uploadPrefix = "recipes/"

// ReclaimStrayObjects lists the upload prefix and schedules deletion of
// objects older than the orphan window that no media record references.
// Catches uploads pushed through a presigned grant but never attached,
// which have bytes in the bucket and no row to sweep.
func (s *Sweeper) ReclaimStrayObjects(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.OrphanAge)
	objs, err := s.objects.List(ctx, uploadPrefix)
	if err != nil {
		return 0, err
	}
	var stray []string
	for _, obj := range objs {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		inUse, err := s.store.MediaExistsForKey(ctx, obj.Key)
		if err != nil {
			return 0, err
		}
		if inUse {
			continue
		}
		stray = append(stray, obj.Key)
	}
	if len(stray) > 0 {
		if err := s.jobs.EnqueueCleanup(stray); err != nil {
			s.logger.Warn("enqueue stray object cleanup failed", "keys", len(stray), "err", err)
			return 0, nil
		}
	}
	s.logger.Info("stray object reclaim done", "listed", len(objs), "stray", len(stray))
	return len(stray), nil
}

// VerifyThumbnails samples processed records and re-enqueues processing for
// any whose small-tier thumbnail no longer resolves in storage.
func (s *Sweeper) VerifyThumbnails(ctx context.Context) (int, error) {
	sample, err := s.store.SampleProcessedMedia(ctx, s.cfg.IntegritySampleSize)
	if err != nil {
		return 0, err
	}
	regenerated := 0
	for _, m := range sample {
		if m.ThumbnailSmallKey == nil || *m.ThumbnailSmallKey == "" {
			continue
		}
		_, err := s.objects.Head(ctx, *m.ThumbnailSmallKey)
		if err == nil {
			continue
		}
		if !storage.IsNotFound(err) {
			s.logger.Warn("thumbnail integrity probe failed", "media_id", m.ID, "err", err)
			continue
		}
		if err := s.jobs.EnqueueProcess(m.ID); err != nil {
			s.logger.Warn("re-enqueue thumbnail regeneration failed", "media_id", m.ID, "err", err)
			continue
		}
		regenerated++
	}
	s.logger.Info("thumbnail integrity done", "sampled", len(sample), "regenerating", regenerated)
	return regenerated, nil
}

// RunAll executes every sweep once, continuing past individual failures.
func (s *Sweeper) RunAll(ctx context.Context) error {
	var errs []error
	if _, err := s.ReclaimOrphans(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.PurgeFailed(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.RetryStuck(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.ExpireDrafts(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.ReclaimStrayObjects(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.VerifyThumbnails(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
