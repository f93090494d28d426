// Package publish gates the transition of a recipe to public visibility.
// All checks run against the current database and storage state; the first
// failure wins and the recipe stays in its prior state.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tastebase/media-pipeline/internal/config"
	"github.com/tastebase/media-pipeline/internal/media"
	"github.com/tastebase/media-pipeline/internal/storage"
)

// Reason identifies which publish check rejected the transition.
type Reason string

const (
	ReasonNoIngredients       Reason = "no_ingredients"
	ReasonNoSteps             Reason = "no_steps"
	ReasonNoImage             Reason = "no_image"
	ReasonProcessingInFlight  Reason = "processing_in_progress"
	ReasonNoPrimaryImage      Reason = "no_primary_image"
	ReasonDurationUnknown     Reason = "video_duration_unknown"
	ReasonDurationExceeded    Reason = "video_duration_exceeded"
	ReasonObjectMissing       Reason = "object_missing"
	ReasonContentTypeMismatch Reason = "content_type_mismatch"
	ReasonObjectTooLarge      Reason = "object_too_large"
)

// ValidationError rejects a publish attempt. Retryable errors mean the
// condition resolves on its own (media still processing) and the client
// should try again shortly; the rest need user action.
type ValidationError struct {
	Reason    Reason
	Message   string
	Retryable bool
}

func (e *ValidationError) Error() string { return e.Message }

// IsRetryable reports whether err is a publish rejection that will clear
// without user intervention.
func IsRetryable(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) && verr.Retryable
}

type Validator struct {
	objects storage.ObjectStore
	cfg     config.MediaConfig
}

func NewValidator(objects storage.ObjectStore, cfg config.MediaConfig) *Validator {
	return &Validator{objects: objects, cfg: cfg}
}

// Validate checks whether the recipe may become public. A nil return allows
// the transition. Already-public recipes pass unconditionally. Checks run
// in order; the first failing one is returned. Errors that are not
// *ValidationError are infrastructure failures and abort without a verdict.
func (v *Validator) Validate(ctx context.Context, recipe *media.Recipe) error {
	if recipe.IsPublic {
		return nil
	}

	if len(recipe.Ingredients) == 0 {
		return &ValidationError{Reason: ReasonNoIngredients, Message: "recipe must have at least one ingredient"}
	}
	if len(recipe.Steps) == 0 {
		return &ValidationError{Reason: ReasonNoSteps, Message: "recipe must have at least one step"}
	}

	images := recipe.Images()
	if len(images) == 0 {
		return &ValidationError{Reason: ReasonNoImage, Message: "recipe must have at least one image"}
	}

	for _, m := range recipe.Media {
		if m.State() != media.StateProcessed {
			return &ValidationError{
				Reason:    ReasonProcessingInFlight,
				Message:   "media processing still in progress, try again shortly",
				Retryable: true,
			}
		}
	}

	primaries := 0
	for _, m := range images {
		if m.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return &ValidationError{
			Reason:  ReasonNoPrimaryImage,
			Message: fmt.Sprintf("recipe must have exactly one primary image (found %d)", primaries),
		}
	}

	for _, video := range recipe.Videos() {
		if video.DurationSeconds == nil {
			return &ValidationError{Reason: ReasonDurationUnknown, Message: "video metadata not processed yet"}
		}
		if *video.DurationSeconds > v.cfg.MaxVideoDurationSeconds {
			return &ValidationError{
				Reason:  ReasonDurationExceeded,
				Message: fmt.Sprintf("video exceeds maximum duration of %d seconds", v.cfg.MaxVideoDurationSeconds),
			}
		}
	}

	return v.verifyObjects(ctx, recipe.Media)
}

// verifyObjects re-probes storage for each record as defense against drift
// between metadata and the bucket.
func (v *Validator) verifyObjects(ctx context.Context, records []media.MediaRecord) error {
	for i := range records {
		m := &records[i]
		info, err := v.objects.Head(ctx, m.ObjectKey)
		if err != nil {
			if storage.IsNotFound(err) {
				return &ValidationError{
					Reason:  ReasonObjectMissing,
					Message: fmt.Sprintf("media object not found: %s", m.ObjectKey),
				}
			}
			return fmt.Errorf("verify media object %s: %w", m.ObjectKey, err)
		}

		switch m.Type {
		case media.TypeImage:
			if err := checkObject(info, "image/", v.cfg.MaxImageSizeBytes); err != nil {
				return err
			}
		case media.TypeVideo:
			if err := checkObject(info, "video/", v.cfg.MaxVideoSizeBytes); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkObject(info storage.ObjectInfo, wantPrefix string, maxSize int64) error {
	if !strings.HasPrefix(info.ContentType, wantPrefix) {
		return &ValidationError{
			Reason:  ReasonContentTypeMismatch,
			Message: fmt.Sprintf("object %s has content type %q, expected %s*", info.Key, info.ContentType, wantPrefix),
		}
	}
	if maxSize > 0 && info.Size > maxSize {
		return &ValidationError{
			Reason:  ReasonObjectTooLarge,
			Message: fmt.Sprintf("object %s exceeds maximum allowed size", info.Key),
		}
	}
	return nil
}
