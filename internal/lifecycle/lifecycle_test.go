package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tastebase/media-pipeline/internal/config"
	"github.com/tastebase/media-pipeline/internal/media"
	"github.com/tastebase/media-pipeline/internal/storage"
)

type fakeStore struct {
	nextID    uint64
	created   []*media.MediaRecord
	deleted   []uint64
	placement map[uint64][2]any
	recipes   map[uint64]*media.Recipe
	saved     []*media.Recipe
	deletedRs []uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		placement: make(map[uint64][2]any),
		recipes:   make(map[uint64]*media.Recipe),
	}
}

func (s *fakeStore) CreateMedia(ctx context.Context, m *media.MediaRecord) error {
	s.nextID++
	m.ID = s.nextID
	s.created = append(s.created, m)
	return nil
}

func (s *fakeStore) DeleteMedia(ctx context.Context, id uint64) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) UpdateMediaPlacement(ctx context.Context, id uint64, isPrimary bool, displayOrder int) error {
	s.placement[id] = [2]any{isPrimary, displayOrder}
	return nil
}

func (s *fakeStore) GetRecipe(ctx context.Context, id uint64) (*media.Recipe, error) {
	r, ok := s.recipes[id]
	if !ok {
		return nil, media.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) SaveRecipe(ctx context.Context, r *media.Recipe) error {
	s.saved = append(s.saved, r)
	return nil
}

func (s *fakeStore) DeleteRecipe(ctx context.Context, id uint64) error {
	s.deletedRs = append(s.deletedRs, id)
	delete(s.recipes, id)
	return nil
}

type fakeJobs struct {
	processed  []uint64
	cleanups   [][]string
	processErr error
	cleanupErr error
}

func (j *fakeJobs) EnqueueProcess(mediaID uint64) error {
	if j.processErr != nil {
		return j.processErr
	}
	j.processed = append(j.processed, mediaID)
	return nil
}

func (j *fakeJobs) EnqueueCleanup(keys []string) error {
	if j.cleanupErr != nil {
		return j.cleanupErr
	}
	j.cleanups = append(j.cleanups, keys)
	return nil
}

type fakeObjects struct {
	infos   map[string]storage.ObjectInfo
	tickets map[string]*storage.UploadTicket
	headErr error
}

func (f *fakeObjects) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if f.headErr != nil {
		return storage.ObjectInfo{}, f.headErr
	}
	info, ok := f.infos[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return info, nil
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string) (string, error) {
	return "http://example/" + key, nil
}

func (f *fakeObjects) PresignUpload(ctx context.Context, key, contentType string, maxSizeBytes int64) (*storage.UploadTicket, error) {
	return &storage.UploadTicket{
		Key:    key,
		URL:    "http://example/upload",
		Fields: map[string]string{"Content-Type": contentType},
	}, nil
}

func (f *fakeObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error { return nil }

func (f *fakeObjects) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

type allowAll struct{}

func (allowAll) Validate(ctx context.Context, recipe *media.Recipe) error { return nil }

type rejectAll struct{ err error }

func (r rejectAll) Validate(ctx context.Context, recipe *media.Recipe) error { return r.err }

func testConfig() config.MediaConfig {
	return config.MediaConfig{
		MaxImageCount:           10,
		MaxVideoCount:           1,
		MaxImageSizeBytes:       10 << 20,
		MaxVideoSizeBytes:       100 << 20,
		MaxVideoDurationSeconds: 60,
	}
}

func newTestManager(store *fakeStore, objects *fakeObjects, jobs *fakeJobs, validator PublishValidator) *Manager {
	logger := slog.New(slog.DiscardHandler)
	return NewManager(store, objects, jobs, validator, testConfig(), "test-bucket", media.ProviderMinio, logger)
}

func TestPresignUploadsIssuesOneGrantPerFile(t *testing.T) {
	mgr := newTestManager(newFakeStore(), &fakeObjects{}, &fakeJobs{}, allowAll{})

	grants, err := mgr.PresignUploads(context.Background(), []UploadRequest{
		{Filename: "soup.jpg", ContentType: "image/jpeg", Type: media.TypeImage, SizeBytes: 1024},
		{Filename: "plating.mp4", ContentType: "video/mp4", Type: media.TypeVideo, SizeBytes: 2048, DurationSeconds: 30},
	})
	if err != nil {
		t.Fatalf("PresignUploads returned error: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	for _, g := range grants {
		if !strings.HasPrefix(g.Key, "recipes/") {
			t.Fatalf("grant key outside recipes/ prefix: %s", g.Key)
		}
		if g.URL == "" || g.Fields == nil {
			t.Fatalf("incomplete grant: %+v", g)
		}
	}
	if !strings.HasSuffix(grants[0].Key, "_soup.jpg") {
		t.Fatalf("original filename not preserved in key: %s", grants[0].Key)
	}
}

func TestPresignUploadsEnforcesLimits(t *testing.T) {
	mgr := newTestManager(newFakeStore(), &fakeObjects{}, &fakeJobs{}, allowAll{})
	ctx := context.Background()

	tests := []struct {
		name  string
		files []UploadRequest
	}{
		{
			name: "too many videos",
			files: []UploadRequest{
				{Filename: "a.mp4", Type: media.TypeVideo, SizeBytes: 1},
				{Filename: "b.mp4", Type: media.TypeVideo, SizeBytes: 1},
			},
		},
		{
			name:  "image over size",
			files: []UploadRequest{{Filename: "big.jpg", Type: media.TypeImage, SizeBytes: 11 << 20}},
		},
		{
			name:  "video over duration",
			files: []UploadRequest{{Filename: "long.mp4", Type: media.TypeVideo, SizeBytes: 1, DurationSeconds: 90}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.PresignUploads(ctx, tt.files)
			if !errors.Is(err, ErrLimitExceeded) {
				t.Fatalf("expected ErrLimitExceeded, got %v", err)
			}
		})
	}

	t.Run("too many images", func(t *testing.T) {
		files := make([]UploadRequest, 11)
		for i := range files {
			files[i] = UploadRequest{Filename: "a.jpg", Type: media.TypeImage, SizeBytes: 1}
		}
		if _, err := mgr.PresignUploads(ctx, files); !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("expected ErrLimitExceeded, got %v", err)
		}
	})
}

func TestAttachMediaCreatesPendingRecordAndEnqueues(t *testing.T) {
	store := newFakeStore()
	jobs := &fakeJobs{}
	objects := &fakeObjects{infos: map[string]storage.ObjectInfo{
		"recipes/abc_soup.jpg": {Key: "recipes/abc_soup.jpg", ContentType: "image/jpeg", Size: 4096},
	}}
	mgr := newTestManager(store, objects, jobs, allowAll{})

	recipe := &media.Recipe{ID: 7, UUID: uuid.New()}
	rec, err := mgr.AttachMedia(context.Background(), recipe, AttachRequest{
		ObjectKey: "recipes/abc_soup.jpg",
		Type:      media.TypeImage,
		IsPrimary: true,
	})
	if err != nil {
		t.Fatalf("AttachMedia returned error: %v", err)
	}

	if rec.State() != media.StatePending {
		t.Fatalf("new record must start pending, got %v", rec.State())
	}
	if rec.RecipeID == nil || *rec.RecipeID != 7 {
		t.Fatalf("recipe id not set: %v", rec.RecipeID)
	}
	if rec.ContentType != "image/jpeg" || rec.SizeBytes != 4096 {
		t.Fatalf("storage metadata not copied onto record: %+v", rec)
	}
	if len(jobs.processed) != 1 || jobs.processed[0] != rec.ID {
		t.Fatalf("processing not enqueued: %v", jobs.processed)
	}
}

func TestAttachMediaRejectsMissingObject(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeObjects{}, &fakeJobs{}, allowAll{})

	_, err := mgr.AttachMedia(context.Background(), &media.Recipe{ID: 1}, AttachRequest{
		ObjectKey: "recipes/never-uploaded.jpg",
		Type:      media.TypeImage,
	})
	if !errors.Is(err, ErrObjectMissing) {
		t.Fatalf("expected ErrObjectMissing, got %v", err)
	}
	if len(store.created) != 0 {
		t.Fatal("no record may be created for a missing object")
	}
}

func TestAttachMediaSurvivesEnqueueFailure(t *testing.T) {
	store := newFakeStore()
	jobs := &fakeJobs{processErr: errors.New("nats down")}
	objects := &fakeObjects{infos: map[string]storage.ObjectInfo{
		"recipes/a.jpg": {ContentType: "image/jpeg", Size: 1},
	}}
	mgr := newTestManager(store, objects, jobs, allowAll{})

	rec, err := mgr.AttachMedia(context.Background(), &media.Recipe{ID: 1}, AttachRequest{
		ObjectKey: "recipes/a.jpg",
		Type:      media.TypeImage,
	})
	if err != nil {
		t.Fatalf("queue outage must not fail the attach: %v", err)
	}
	if rec.State() != media.StatePending {
		t.Fatalf("record must stay pending for the sweeper, got %v", rec.State())
	}
}

func TestReplaceMediaDiffsSets(t *testing.T) {
	store := newFakeStore()
	jobs := &fakeJobs{}
	objects := &fakeObjects{infos: map[string]storage.ObjectInfo{
		"recipes/new.jpg": {ContentType: "image/jpeg", Size: 1},
	}}
	mgr := newTestManager(store, objects, jobs, allowAll{})

	removed := media.MediaRecord{ID: 10, ObjectKey: "recipes/old.jpg", Type: media.TypeImage}
	removed.MarkProcessed(100, 100, nil, "thumbnails/10_sm.jpg", "thumbnails/10_md.jpg", "thumbnails/10_lg.jpg")
	kept := media.MediaRecord{ID: 11, ObjectKey: "recipes/kept.jpg", Type: media.TypeImage, IsPrimary: true, DisplayOrder: 0}

	recipe := &media.Recipe{ID: 5, Media: []media.MediaRecord{removed, kept}}
	desired := []DesiredMedia{
		{ID: 11, IsPrimary: false, DisplayOrder: 1},
		{ObjectKey: "recipes/new.jpg", Type: media.TypeImage, IsPrimary: true, DisplayOrder: 0},
	}

	if err := mgr.ReplaceMedia(context.Background(), recipe, desired); err != nil {
		t.Fatalf("ReplaceMedia returned error: %v", err)
	}

	if len(store.deleted) != 1 || store.deleted[0] != 10 {
		t.Fatalf("removed media not deleted: %v", store.deleted)
	}
	if len(store.created) != 1 || store.created[0].ObjectKey != "recipes/new.jpg" {
		t.Fatalf("new media not attached: %v", store.created)
	}
	if got, ok := store.placement[11]; !ok || got != [2]any{false, 1} {
		t.Fatalf("surviving media placement not updated: %v", store.placement)
	}

	if len(jobs.cleanups) != 1 {
		t.Fatalf("expected one cleanup batch, got %d", len(jobs.cleanups))
	}
	if got := len(jobs.cleanups[0]); got != 4 {
		t.Fatalf("cleanup must cover original plus 3 thumbnails, got %d keys: %v", got, jobs.cleanups[0])
	}
}

func TestReplaceMediaSkipsUnchangedPlacement(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeObjects{}, &fakeJobs{}, allowAll{})

	kept := media.MediaRecord{ID: 20, ObjectKey: "recipes/kept.jpg", Type: media.TypeImage, IsPrimary: true, DisplayOrder: 2}
	recipe := &media.Recipe{ID: 6, Media: []media.MediaRecord{kept}}

	err := mgr.ReplaceMedia(context.Background(), recipe, []DesiredMedia{
		{ID: 20, IsPrimary: true, DisplayOrder: 2},
	})
	if err != nil {
		t.Fatalf("ReplaceMedia returned error: %v", err)
	}
	if len(store.placement) != 0 {
		t.Fatalf("unchanged media must not be touched: %v", store.placement)
	}
}

func TestReplaceMediaRejectsForeignID(t *testing.T) {
	mgr := newTestManager(newFakeStore(), &fakeObjects{}, &fakeJobs{}, allowAll{})
	recipe := &media.Recipe{ID: 6}

	err := mgr.ReplaceMedia(context.Background(), recipe, []DesiredMedia{{ID: 999}})
	if err == nil {
		t.Fatal("desired media from another recipe must be rejected")
	}
}

func TestDeleteRecipeSchedulesCleanup(t *testing.T) {
	store := newFakeStore()
	jobs := &fakeJobs{}

	pending := media.MediaRecord{ID: 1, ObjectKey: "recipes/a.jpg", Type: media.TypeImage}
	processed := media.MediaRecord{ID: 2, ObjectKey: "recipes/b.jpg", Type: media.TypeImage}
	processed.MarkProcessed(100, 100, nil, "thumbnails/2_sm.jpg", "thumbnails/2_md.jpg", "thumbnails/2_lg.jpg")
	store.recipes[9] = &media.Recipe{ID: 9, Media: []media.MediaRecord{pending, processed}}

	mgr := newTestManager(store, &fakeObjects{}, jobs, allowAll{})

	if err := mgr.DeleteRecipe(context.Background(), 9); err != nil {
		t.Fatalf("DeleteRecipe returned error: %v", err)
	}
	if len(store.deletedRs) != 1 || store.deletedRs[0] != 9 {
		t.Fatalf("recipe not deleted: %v", store.deletedRs)
	}
	if len(jobs.cleanups) != 1 {
		t.Fatalf("expected one cleanup batch, got %d", len(jobs.cleanups))
	}
	// Every record schedules its original plus all 3 tier keys, whether or
	// not processing finished.
	if got := len(jobs.cleanups[0]); got != 8 {
		t.Fatalf("expected 2x(1+3) keys scheduled for cleanup, got %d: %v", got, jobs.cleanups[0])
	}
}

func TestDeleteRecipeSurvivesCleanupEnqueueFailure(t *testing.T) {
	store := newFakeStore()
	store.recipes[3] = &media.Recipe{ID: 3, Media: []media.MediaRecord{
		{ID: 1, ObjectKey: "recipes/a.jpg", Type: media.TypeImage},
	}}
	jobs := &fakeJobs{cleanupErr: errors.New("nats down")}
	mgr := newTestManager(store, &fakeObjects{}, jobs, allowAll{})

	if err := mgr.DeleteRecipe(context.Background(), 3); err != nil {
		t.Fatalf("cleanup outage must not fail the delete: %v", err)
	}
	if len(store.deletedRs) != 1 {
		t.Fatal("recipe delete must still happen")
	}
}

func TestEnsurePrimaryImagePromotesFirstByOrder(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeObjects{}, &fakeJobs{}, allowAll{})

	recipe := &media.Recipe{ID: 2, Media: []media.MediaRecord{
		{ID: 1, Type: media.TypeImage, DisplayOrder: 2},
		{ID: 2, Type: media.TypeImage, DisplayOrder: 0},
		{ID: 3, Type: media.TypeVideo, DisplayOrder: 1},
	}}

	if err := mgr.EnsurePrimaryImage(context.Background(), recipe); err != nil {
		t.Fatalf("EnsurePrimaryImage returned error: %v", err)
	}
	if got, ok := store.placement[2]; !ok || got != [2]any{true, 0} {
		t.Fatalf("first image by display order not promoted: %v", store.placement)
	}
	if !recipe.Media[1].IsPrimary {
		t.Fatal("in-memory record not updated")
	}
}

func TestEnsurePrimaryImageDemotesExtras(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeObjects{}, &fakeJobs{}, allowAll{})

	recipe := &media.Recipe{ID: 2, Media: []media.MediaRecord{
		{ID: 1, Type: media.TypeImage, DisplayOrder: 0, IsPrimary: true},
		{ID: 2, Type: media.TypeImage, DisplayOrder: 1, IsPrimary: true},
	}}

	if err := mgr.EnsurePrimaryImage(context.Background(), recipe); err != nil {
		t.Fatalf("EnsurePrimaryImage returned error: %v", err)
	}
	if got, ok := store.placement[2]; !ok || got != [2]any{false, 1} {
		t.Fatalf("extra primary not demoted: %v", store.placement)
	}
	if _, touched := store.placement[1]; touched {
		t.Fatal("surviving primary must not be rewritten")
	}
}

func TestPublishRecipeFlipsVisibility(t *testing.T) {
	store := newFakeStore()
	store.recipes[4] = &media.Recipe{ID: 4, Status: media.StatusDraft, Media: []media.MediaRecord{
		{ID: 1, Type: media.TypeImage, IsPrimary: true},
	}}
	mgr := newTestManager(store, &fakeObjects{}, &fakeJobs{}, allowAll{})

	if err := mgr.PublishRecipe(context.Background(), 4); err != nil {
		t.Fatalf("PublishRecipe returned error: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatal("recipe not saved")
	}
	if !store.saved[0].IsPublic || store.saved[0].Status != media.StatusPublished {
		t.Fatalf("recipe not flipped public: %+v", store.saved[0])
	}
}

func TestPublishRecipeRejectionLeavesRecipeUntouched(t *testing.T) {
	store := newFakeStore()
	store.recipes[4] = &media.Recipe{ID: 4, Status: media.StatusDraft}
	want := errors.New("not ready")
	mgr := newTestManager(store, &fakeObjects{}, &fakeJobs{}, rejectAll{err: want})

	if err := mgr.PublishRecipe(context.Background(), 4); !errors.Is(err, want) {
		t.Fatalf("expected validation rejection, got %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatal("rejected recipe must not be saved")
	}
	if store.recipes[4].IsPublic {
		t.Fatal("rejected recipe must stay private")
	}
}

func TestPublishRecipeAlreadyPublicIsNoop(t *testing.T) {
	store := newFakeStore()
	store.recipes[4] = &media.Recipe{ID: 4, IsPublic: true, Status: media.StatusPublished}
	mgr := newTestManager(store, &fakeObjects{}, &fakeJobs{}, rejectAll{err: errors.New("never called")})

	if err := mgr.PublishRecipe(context.Background(), 4); err != nil {
		t.Fatalf("already-public publish must be a no-op: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatal("no-op publish must not rewrite the recipe")
	}
}
