// Package thumb produces resized JPEG derivatives of stored media and
// uploads them back to object storage. For videos it first extracts a
// representative still frame with ffmpeg.
package thumb

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tastebase/media-pipeline/internal/storage"
)

// Error wraps the underlying I/O or decode failure of one thumbnail.
type Error struct {
	SourceKey string
	TargetKey string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("thumbnail %s -> %s: %v", e.SourceKey, e.TargetKey, e.Err)
}
func (e *Error) Unwrap() error { return e.Err }

type Generator struct {
	objects         storage.ObjectStore
	httpClient      *http.Client
	quality         int
	ffmpegPath      string
	downloadTimeout time.Duration
	extractTimeout  time.Duration
}

type Option func(*Generator)

func WithQuality(q int) Option                   { return func(g *Generator) { g.quality = q } }
func WithFFmpegPath(path string) Option          { return func(g *Generator) { g.ffmpegPath = path } }
func WithDownloadTimeout(d time.Duration) Option { return func(g *Generator) { g.downloadTimeout = d } }
func WithExtractTimeout(d time.Duration) Option  { return func(g *Generator) { g.extractTimeout = d } }
func WithHTTPClient(c *http.Client) Option       { return func(g *Generator) { g.httpClient = c } }

func NewGenerator(objects storage.ObjectStore, opts ...Option) *Generator {
	g := &Generator{
		objects:         objects,
		httpClient:      http.DefaultClient,
		quality:         85,
		ffmpegPath:      "ffmpeg",
		downloadTimeout: 20 * time.Second,
		extractTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate downloads sourceKey, resizes so neither edge exceeds maxEdge and
// uploads the JPEG to targetKey. Deterministic for identical source bytes
// and maxEdge.
func (g *Generator) Generate(ctx context.Context, sourceKey, targetKey string, maxEdge int) (int, int, error) {
	src, err := g.FetchImage(ctx, sourceKey)
	if err != nil {
		return 0, 0, &Error{SourceKey: sourceKey, TargetKey: targetKey, Err: err}
	}
	return g.FromImage(ctx, src, sourceKey, targetKey, maxEdge)
}

// FromImage resizes an already-decoded source and uploads the JPEG. The
// worker decodes an original once and derives all three tiers from it.
// Sources smaller than maxEdge are not upscaled.
func (g *Generator) FromImage(ctx context.Context, src image.Image, sourceKey, targetKey string, maxEdge int) (int, int, error) {
	resized := imaging.Fit(src, maxEdge, maxEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(g.quality)); err != nil {
		return 0, 0, &Error{SourceKey: sourceKey, TargetKey: targetKey, Err: fmt.Errorf("encode jpeg: %w", err)}
	}

	if err := g.objects.Put(ctx, targetKey, buf.Bytes(), "image/jpeg"); err != nil {
		return 0, 0, &Error{SourceKey: sourceKey, TargetKey: targetKey, Err: err}
	}

	b := resized.Bounds()
	return b.Dx(), b.Dy(), nil
}

// FetchImage downloads and decodes a stored image within the configured
// download bound.
func (g *Generator) FetchImage(ctx context.Context, key string) (image.Image, error) {
	url, err := g.objects.PresignGet(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}

	dlCtx, cancel := context.WithTimeout(ctx, g.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", key, err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %d", key, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return img, nil
}

// ExtractFrame pulls a single still frame from a stored video at the given
// timestamp, bounded by the extract timeout. ffmpeg reads the presigned URL
// directly, so the video is never fully downloaded.
func (g *Generator) ExtractFrame(ctx context.Context, videoKey string, timestampSeconds float64) (image.Image, error) {
	url, err := g.objects.PresignGet(ctx, videoKey)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", videoKey, err)
	}

	tmp, err := os.CreateTemp("", "frame-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("create temp frame file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	extractCtx, cancel := context.WithTimeout(ctx, g.extractTimeout)
	defer cancel()

	cmd := exec.CommandContext(extractCtx, g.ffmpegPath,
		"-ss", strconv.FormatFloat(timestampSeconds, 'f', -1, 64),
		"-i", url,
		"-frames:v", "1",
		"-q:v", "2",
		"-y",
		tmpPath,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg extract frame from %s: %w: %s", videoKey, err, string(out))
	}

	frame, err := imaging.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("decode extracted frame for %s: %w", videoKey, err)
	}
	return frame, nil
}
