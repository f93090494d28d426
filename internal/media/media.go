// Package media holds the persisted recipe and media records plus the
// processing-state lifecycle of attached media.
package media

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MediaType string

const (
	TypeImage MediaType = "image"
	TypeVideo MediaType = "video"
)

type StorageProvider string

const (
	ProviderMinio StorageProvider = "minio"
	ProviderS3    StorageProvider = "s3"
)

type RecipeStatus string

const (
	StatusDraft     RecipeStatus = "draft"
	StatusPublished RecipeStatus = "published"
)

// State is the processing lifecycle of one media record. A record is in
// exactly one state at any time; the only transitions are
// pending -> processed, pending -> failed and (via re-enqueue)
// failed -> processed.
type State string

const (
	StatePending   State = "pending"
	StateProcessed State = "processed"
	StateFailed    State = "failed"
)

// MediaRecord is one attached image or video belonging to one recipe. Rows
// are mutated by the processing worker (metadata and state) and by the
// lifecycle manager (placement and deletion); nothing else writes them.
//
// Processed and ProcessingError together encode the three-state lifecycle.
// Use State, MarkProcessed and MarkFailed instead of touching the columns
// directly so the impossible combination (processed with an error set)
// cannot be produced.
type MediaRecord struct {
	ID         uint64     `gorm:"primaryKey"`
	RecipeID   *uint64    `gorm:"index"`
	RecipeUUID *uuid.UUID `gorm:"type:uuid"`

	StorageProvider StorageProvider `gorm:"type:varchar(16);not null"`
	Bucket          string          `gorm:"not null"`
	ObjectKey       string          `gorm:"not null"`

	Type        MediaType `gorm:"type:varchar(16);not null;index"`
	ContentType string    `gorm:"not null"`
	SizeBytes   int64     `gorm:"not null"`

	Width           *int
	Height          *int
	DurationSeconds *int

	Processed       bool `gorm:"not null;default:false"`
	ProcessingError *string

	ThumbnailSmallKey  *string
	ThumbnailMediumKey *string
	ThumbnailLargeKey  *string

	IsPrimary    bool `gorm:"not null;default:false;index"`
	DisplayOrder int  `gorm:"not null;default:0;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MediaRecord) TableName() string { return "recipe_media" }

// State derives the lifecycle state from the persisted columns.
func (m *MediaRecord) State() State {
	switch {
	case m.Processed:
		return StateProcessed
	case m.ProcessingError != nil:
		return StateFailed
	default:
		return StatePending
	}
}

// MarkProcessed records a successful processing attempt: intrinsic metadata,
// the three thumbnail keys, and the processed flag. Any previous error is
// cleared, so a successful retry moves a failed record to processed.
func (m *MediaRecord) MarkProcessed(width, height int, durationSeconds *int, smallKey, mediumKey, largeKey string) {
	m.Width = &width
	m.Height = &height
	m.DurationSeconds = durationSeconds
	m.ThumbnailSmallKey = &smallKey
	m.ThumbnailMediumKey = &mediumKey
	m.ThumbnailLargeKey = &largeKey
	m.Processed = true
	m.ProcessingError = nil
}

// MarkFailed records a permanent processing failure. Dimensions and
// thumbnail keys are left untouched so a failing retry cannot clobber
// whatever an earlier attempt established.
func (m *MediaRecord) MarkFailed(reason string) {
	m.Processed = false
	m.ProcessingError = &reason
}

// ThumbnailKeys derives the three deterministic thumbnail object keys for a
// media record. Video thumbnails carry a distinct prefix so a frame-derived
// image can never collide with a same-id image thumbnail.
func ThumbnailKeys(id uint64, mediaType MediaType) (small, medium, large string) {
	base := fmt.Sprintf("thumbnails/%d", id)
	if mediaType == TypeVideo {
		base = fmt.Sprintf("thumbnails/video_%d", id)
	}
	return base + "_sm.jpg", base + "_md.jpg", base + "_lg.jpg"
}

// StorageKeys returns every storage object that may belong to this record:
// the original plus all three deterministic thumbnail keys, whether or not
// processing ever recorded them. A partial processing attempt can upload a
// tier and then fail before any key lands on the row, so cleanup always
// schedules all four; deleting a key that was never written is a no-op.
// Recorded keys that differ from the derived ones are appended as well.
func (m *MediaRecord) StorageKeys() []string {
	small, medium, large := ThumbnailKeys(m.ID, m.Type)
	keys := []string{m.ObjectKey, small, medium, large}
	for _, k := range []*string{m.ThumbnailSmallKey, m.ThumbnailMediumKey, m.ThumbnailLargeKey} {
		if k != nil && *k != "" && *k != small && *k != medium && *k != large {
			keys = append(keys, *k)
		}
	}
	return keys
}

// Recipe is the owning aggregate. Only the fields the media pipeline and
// publish gate read are modeled; profile and social data live elsewhere.
type Recipe struct {
	ID     uint64    `gorm:"primaryKey"`
	UUID   uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	UserID uint64    `gorm:"not null;index"`

	Name            string `gorm:"not null"`
	Description     string
	ChefsNote       string
	CookTimeMinutes int
	Servings        int

	IsPublic bool         `gorm:"not null;default:false;index"`
	Status   RecipeStatus `gorm:"type:varchar(16);not null;default:draft"`

	Ingredients []Ingredient  `gorm:"foreignKey:RecipeID;constraint:OnDelete:CASCADE"`
	Steps       []Step        `gorm:"foreignKey:RecipeID;constraint:OnDelete:CASCADE"`
	Media       []MediaRecord `gorm:"foreignKey:RecipeID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Recipe) TableName() string { return "recipes" }

// Images returns the image-type media in display order.
func (r *Recipe) Images() []MediaRecord {
	var out []MediaRecord
	for _, m := range r.Media {
		if m.Type == TypeImage {
			out = append(out, m)
		}
	}
	return out
}

// Videos returns the video-type media in display order.
func (r *Recipe) Videos() []MediaRecord {
	var out []MediaRecord
	for _, m := range r.Media {
		if m.Type == TypeVideo {
			out = append(out, m)
		}
	}
	return out
}

type Ingredient struct {
	ID       uint64 `gorm:"primaryKey"`
	RecipeID uint64 `gorm:"not null;index"`
	NameText string `gorm:"not null"`
	Quantity float64
	Unit     string
	Position int `gorm:"not null;default:0"`
}

func (Ingredient) TableName() string { return "recipe_ingredients" }

type Step struct {
	ID          uint64 `gorm:"primaryKey"`
	RecipeID    uint64 `gorm:"not null;index"`
	Position    int    `gorm:"not null;default:0"`
	Instruction string `gorm:"not null"`
}

func (Step) TableName() string { return "recipe_steps" }
