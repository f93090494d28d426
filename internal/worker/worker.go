// Package worker runs one processing attempt for one media record: probe
// intrinsic metadata, derive the three thumbnail tiers, and move the record
// to processed or failed. Permanent failures are recorded on the row and
// absorbed; transient infrastructure failures propagate so the dispatcher
// retries the job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/tastebase/media-pipeline/internal/config"
	"github.com/tastebase/media-pipeline/internal/media"
	"github.com/tastebase/media-pipeline/internal/probe"
	"github.com/tastebase/media-pipeline/internal/storage"
	"github.com/tastebase/media-pipeline/pkg/schema"
)

// MediaStore is the slice of the persistence layer the worker needs.
type MediaStore interface {
	GetMedia(ctx context.Context, id uint64) (*media.MediaRecord, error)
	SaveMedia(ctx context.Context, m *media.MediaRecord) error
}

// Prober extracts intrinsic metadata from stored objects.
type Prober interface {
	ProbeImage(ctx context.Context, key string) (probe.Result, error)
	ProbeVideo(ctx context.Context, key string) (probe.Result, error)
}

// Thumbnailer fetches source pixels and produces uploaded JPEG derivatives.
type Thumbnailer interface {
	FetchImage(ctx context.Context, key string) (image.Image, error)
	FromImage(ctx context.Context, src image.Image, sourceKey, targetKey string, maxEdge int) (int, int, error)
	ExtractFrame(ctx context.Context, videoKey string, timestampSeconds float64) (image.Image, error)
}

// ResultPublisher emits terminal-state events. May be nil.
type ResultPublisher interface {
	PublishResult(evt schema.MediaProcessed) error
}

type Worker struct {
	store   MediaStore
	objects storage.ObjectStore
	prober  Prober
	thumbs  Thumbnailer
	results ResultPublisher
	cfg     config.MediaConfig
	logger  *slog.Logger
}

func New(store MediaStore, objects storage.ObjectStore, prober Prober, thumbs Thumbnailer, results ResultPublisher, cfg config.MediaConfig, logger *slog.Logger) *Worker {
	return &Worker{
		store:   store,
		objects: objects,
		prober:  prober,
		thumbs:  thumbs,
		results: results,
		cfg:     cfg,
		logger:  logger,
	}
}

// Process runs one attempt for mediaID. Idempotent: re-running on an
// already-processed record recomputes the same dimensions and thumbnail
// keys and overwrites the derivatives with equivalent output.
func (w *Worker) Process(ctx context.Context, mediaID uint64) error {
	logger := w.logger.With("media_id", mediaID)
	start := time.Now()

	rec, err := w.store.GetMedia(ctx, mediaID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			// Already deleted; the job is stale, not an error.
			logger.Info("media record gone, skipping")
			return nil
		}
		return err
	}

	procErr := w.run(ctx, rec, logger)
	if procErr != nil {
		if isTransient(procErr) {
			logger.Warn("transient processing failure, leaving record for retry", "err", procErr)
			return procErr
		}
		rec.MarkFailed(procErr.Error())
		if err := w.store.SaveMedia(ctx, rec); err != nil {
			return err
		}
		logger.Warn("media processing failed permanently", "type", rec.Type, "err", procErr)
		w.publish(rec, procErr, time.Since(start))
		return nil
	}

	if err := w.store.SaveMedia(ctx, rec); err != nil {
		return err
	}
	logger.Info("media processed",
		"type", rec.Type,
		"width", deref(rec.Width),
		"height", deref(rec.Height),
		"elapsed_ms", time.Since(start).Milliseconds())
	w.publish(rec, nil, time.Since(start))
	return nil
}

func (w *Worker) run(ctx context.Context, rec *media.MediaRecord, logger *slog.Logger) error {
	switch rec.Type {
	case media.TypeImage:
		return w.processImage(ctx, rec)
	case media.TypeVideo:
		return w.processVideo(ctx, rec)
	default:
		return fmt.Errorf("unsupported media type %q", rec.Type)
	}
}

func (w *Worker) processImage(ctx context.Context, rec *media.MediaRecord) error {
	res, err := w.prober.ProbeImage(ctx, rec.ObjectKey)
	if err != nil {
		return err
	}

	src, err := w.thumbs.FetchImage(ctx, rec.ObjectKey)
	if err != nil {
		return err
	}

	small, medium, large, err := w.generateTiers(ctx, src, rec)
	if err != nil {
		return err
	}

	rec.MarkProcessed(res.Width, res.Height, nil, small, medium, large)
	return nil
}

func (w *Worker) processVideo(ctx context.Context, rec *media.MediaRecord) error {
	res, err := w.prober.ProbeVideo(ctx, rec.ObjectKey)
	if err != nil {
		return err
	}

	frame, err := w.thumbs.ExtractFrame(ctx, rec.ObjectKey, w.cfg.FrameTimestampSeconds)
	if err != nil {
		return err
	}

	small, medium, large, err := w.generateTiers(ctx, frame, rec)
	if err != nil {
		return err
	}

	duration := int(res.DurationSeconds)
	rec.MarkProcessed(res.Width, res.Height, &duration, small, medium, large)
	return nil
}

// generateTiers derives the three thumbnails from one decoded source. Keys
// are deterministic functions of the media id and type, so retries always
// target the same objects.
func (w *Worker) generateTiers(ctx context.Context, src image.Image, rec *media.MediaRecord) (string, string, string, error) {
	small, medium, large := media.ThumbnailKeys(rec.ID, rec.Type)
	edges := w.cfg.ThumbnailEdges()
	targets := []struct {
		key  string
		edge int
	}{
		{small, edges[0]},
		{medium, edges[1]},
		{large, edges[2]},
	}
	for _, t := range targets {
		if _, _, err := w.thumbs.FromImage(ctx, src, rec.ObjectKey, t.key, t.edge); err != nil {
			return "", "", "", err
		}
	}
	return small, medium, large, nil
}

// Cleanup deletes a batch of storage objects. Missing objects are skipped;
// transport failures propagate so the dispatcher retries the batch.
func (w *Worker) Cleanup(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := w.objects.Delete(ctx, key); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return err
		}
	}
	w.logger.Info("cleaned up storage objects", "count", len(keys))
	return nil
}

func (w *Worker) publish(rec *media.MediaRecord, cause error, elapsed time.Duration) {
	if w.results == nil {
		return
	}
	evt := schema.MediaProcessed{
		MediaID:          rec.ID,
		MediaType:        string(rec.Type),
		Status:           string(rec.State()),
		Width:            deref(rec.Width),
		Height:           deref(rec.Height),
		DurationSeconds:  deref(rec.DurationSeconds),
		ProcessingTimeMs: elapsed.Milliseconds(),
		HappenedAt:       time.Now().Unix(),
	}
	if rec.RecipeID != nil {
		evt.RecipeID = *rec.RecipeID
	}
	if cause != nil {
		evt.Error = cause.Error()
		evt.FailureType = schema.FailureTypePermanent
	}
	if err := w.results.PublishResult(evt); err != nil {
		w.logger.Warn("publish result event failed", "media_id", rec.ID, "err", err)
	}
}

// isTransient decides whether a processing error should bubble to the
// dispatcher. Decode and inspector failures are always terminal for the
// record; everything that smells like unreachable infrastructure retries.
func isTransient(err error) bool {
	var decodeErr *probe.DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	var probeErr *probe.ProbeError
	if errors.As(err, &probeErr) {
		return false
	}
	return storage.IsTransient(err)
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
