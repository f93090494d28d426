package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.NATS.ProcessSubject != "media.process" {
		t.Fatalf("unexpected process subject: %s", cfg.NATS.ProcessSubject)
	}
	if cfg.NATS.MaxAttempts != 5 || cfg.NATS.RetryBackoff != 10*time.Second {
		t.Fatalf("unexpected retry defaults: %d attempts, %v backoff", cfg.NATS.MaxAttempts, cfg.NATS.RetryBackoff)
	}
	if got := cfg.Media.ThumbnailEdges(); got != [3]int{320, 640, 1280} {
		t.Fatalf("unexpected thumbnail edges: %v", got)
	}
	if cfg.Media.JPEGQuality != 85 {
		t.Fatalf("unexpected jpeg quality: %d", cfg.Media.JPEGQuality)
	}
	if cfg.Media.MaxImageCount != 10 || cfg.Media.MaxVideoCount != 1 {
		t.Fatalf("unexpected media counts: %d images, %d videos", cfg.Media.MaxImageCount, cfg.Media.MaxVideoCount)
	}
	if cfg.Media.MaxVideoDurationSeconds != 60 {
		t.Fatalf("unexpected max video duration: %d", cfg.Media.MaxVideoDurationSeconds)
	}
	if cfg.Sweep.OrphanAge != 24*time.Hour || cfg.Sweep.StuckAge != 30*time.Minute {
		t.Fatalf("unexpected sweep ages: orphan %v, stuck %v", cfg.Sweep.OrphanAge, cfg.Sweep.StuckAge)
	}
	if cfg.Sweep.FailedAge != 168*time.Hour || cfg.Sweep.DraftAge != 720*time.Hour {
		t.Fatalf("unexpected retention windows: failed %v, draft %v", cfg.Sweep.FailedAge, cfg.Sweep.DraftAge)
	}
	if cfg.Sweep.IntegritySampleSize != 50 {
		t.Fatalf("unexpected integrity sample size: %d", cfg.Sweep.IntegritySampleSize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MEDIA_BUCKET", "staging-media")
	t.Setenv("JOB_MAX_ATTEMPTS", "3")
	t.Setenv("JOB_RETRY_BACKOFF", "2s")
	t.Setenv("THUMB_SMALL_EDGE", "160")
	t.Setenv("SWEEP_STUCK_AGE", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.S3.Bucket != "staging-media" {
		t.Fatalf("bucket override not applied: %s", cfg.S3.Bucket)
	}
	if cfg.NATS.MaxAttempts != 3 || cfg.NATS.RetryBackoff != 2*time.Second {
		t.Fatalf("retry overrides not applied: %d attempts, %v backoff", cfg.NATS.MaxAttempts, cfg.NATS.RetryBackoff)
	}
	if got := cfg.Media.ThumbnailEdges(); got != [3]int{160, 640, 1280} {
		t.Fatalf("edge override not applied: %v", got)
	}
	if cfg.Sweep.StuckAge != 10*time.Minute {
		t.Fatalf("stuck age override not applied: %v", cfg.Sweep.StuckAge)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero attempts", "JOB_MAX_ATTEMPTS", "0"},
		{"negative attempts", "JOB_MAX_ATTEMPTS", "-1"},
		{"zero quality", "THUMB_JPEG_QUALITY", "0"},
		{"quality over 100", "THUMB_JPEG_QUALITY", "150"},
		{"zero edge", "THUMB_MEDIUM_EDGE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected rejection for %s=%s", tt.key, tt.value)
			}
		})
	}
}
