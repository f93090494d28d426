// Package probe extracts intrinsic metadata from stored media: pixel
// dimensions for images, dimensions plus duration for videos. It is
// read-only against storage; bytes are fetched through presigned URLs so
// workers never need bucket credentials of their own.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
)

// DecodeError means the object's bytes are not a valid image. Permanent:
// retrying the same bytes cannot succeed.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode image %s: %v", e.Key, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// ProbeError means the external stream inspector failed: nonzero exit,
// timeout, or output without a video stream.
type ProbeError struct {
	Key string
	Err error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("probe video %s: %v", e.Key, e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

// Result carries the intrinsic metadata of one object. DurationSeconds is
// zero for images.
type Result struct {
	Width           int
	Height          int
	DurationSeconds float64
}

// URLSigner issues readable presigned URLs for object keys.
type URLSigner interface {
	PresignGet(ctx context.Context, key string) (string, error)
}

type Prober struct {
	signer          URLSigner
	httpClient      *http.Client
	ffprobePath     string
	downloadTimeout time.Duration
	probeTimeout    time.Duration
}

type Option func(*Prober)

func WithDownloadTimeout(d time.Duration) Option { return func(p *Prober) { p.downloadTimeout = d } }
func WithProbeTimeout(d time.Duration) Option    { return func(p *Prober) { p.probeTimeout = d } }
func WithFFprobePath(path string) Option         { return func(p *Prober) { p.ffprobePath = path } }
func WithHTTPClient(c *http.Client) Option       { return func(p *Prober) { p.httpClient = c } }

func New(signer URLSigner, opts ...Option) *Prober {
	p := &Prober{
		signer:          signer,
		httpClient:      http.DefaultClient,
		ffprobePath:     "ffprobe",
		downloadTimeout: 20 * time.Second,
		probeTimeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProbeImage downloads the object and decodes it for pixel dimensions.
func (p *Prober) ProbeImage(ctx context.Context, key string) (Result, error) {
	data, err := p.download(ctx, key)
	if err != nil {
		return Result{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, &DecodeError{Key: key, Err: err}
	}

	b := img.Bounds()
	return Result{Width: b.Dx(), Height: b.Dy()}, nil
}

// ProbeVideo runs ffprobe against a presigned URL and parses the first
// video stream's width, height and duration from its JSON output.
func (p *Prober) ProbeVideo(ctx context.Context, key string) (Result, error) {
	url, err := p.signer.PresignGet(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("presign %s: %w", key, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, p.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration",
		"-of", "json",
		url,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, &ProbeError{Key: key, Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}

	res, err := parseFFprobeOutput(stdout.Bytes())
	if err != nil {
		return Result{}, &ProbeError{Key: key, Err: err}
	}
	return res, nil
}

func (p *Prober) download(ctx context.Context, key string) ([]byte, error) {
	url, err := p.signer.PresignGet(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}

	dlCtx, cancel := context.WithTimeout(ctx, p.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", key, err)
	}

	resp, err := p.httpClient.Do(req)
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
	return data, nil
}

// ffprobe reports duration as a JSON string, not a number.
type ffprobeStream struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Duration string `json:"duration"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

func parseFFprobeOutput(raw []byte) (Result, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return Result{}, fmt.Errorf("no video stream in ffprobe output")
	}

	stream := out.Streams[0]
	if stream.Width <= 0 || stream.Height <= 0 {
		return Result{}, fmt.Errorf("invalid stream dimensions %dx%d", stream.Width, stream.Height)
	}

	res := Result{Width: stream.Width, Height: stream.Height}
	if stream.Duration != "" {
		d, err := strconv.ParseFloat(stream.Duration, 64)
		if err != nil {
			return Result{}, fmt.Errorf("parse stream duration %q: %w", stream.Duration, err)
		}
		res.DurationSeconds = d
	}
	return res, nil
}
