package probe

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeSigner struct {
	urls map[string]string
	err  error
}

func (f *fakeSigner) PresignGet(ctx context.Context, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.urls[key], nil
}

func servePNG(t *testing.T, w, h int) *httptest.Server {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "image/png")
		if err := png.Encode(rw, img); err != nil {
			t.Errorf("encode png: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeImageReturnsDimensions(t *testing.T) {
	srv := servePNG(t, 640, 480)
	p := New(&fakeSigner{urls: map[string]string{"recipes/a.png": srv.URL}})

	res, err := p.ProbeImage(context.Background(), "recipes/a.png")
	if err != nil {
		t.Fatalf("ProbeImage returned error: %v", err)
	}
	if res.Width != 640 || res.Height != 480 {
		t.Fatalf("unexpected dimensions: %dx%d", res.Width, res.Height)
	}
}

func TestProbeImageInvalidBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write([]byte("definitely not an image"))
	}))
	t.Cleanup(srv.Close)

	p := New(&fakeSigner{urls: map[string]string{"recipes/bad.png": srv.URL}})

	_, err := p.ProbeImage(context.Background(), "recipes/bad.png")
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decodeErr.Key != "recipes/bad.png" {
		t.Fatalf("unexpected key in error: %s", decodeErr.Key)
	}
}

func TestProbeImageMissingObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	p := New(&fakeSigner{urls: map[string]string{"recipes/gone.png": srv.URL}})

	_, err := p.ProbeImage(context.Background(), "recipes/gone.png")
	if err == nil {
		t.Fatal("expected error for missing object")
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		t.Fatalf("404 must not classify as decode failure: %v", err)
	}
}

func TestProbeImagePresignFailure(t *testing.T) {
	want := errors.New("signer down")
	p := New(&fakeSigner{err: want})

	if _, err := p.ProbeImage(context.Background(), "recipes/a.png"); !errors.Is(err, want) {
		t.Fatalf("expected presign error, got %v", err)
	}
}

func TestParseFFprobeOutput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Result
		wantErr bool
	}{
		{
			name: "full stream",
			raw:  `{"streams":[{"width":1920,"height":1080,"duration":"90.500000"}]}`,
			want: Result{Width: 1920, Height: 1080, DurationSeconds: 90.5},
		},
		{
			name: "missing duration",
			raw:  `{"streams":[{"width":640,"height":360}]}`,
			want: Result{Width: 640, Height: 360},
		},
		{
			name:    "no video stream",
			raw:     `{"streams":[]}`,
			wantErr: true,
		},
		{
			name:    "zero dimensions",
			raw:     `{"streams":[{"width":0,"height":0,"duration":"1.0"}]}`,
			wantErr: true,
		},
		{
			name:    "malformed duration",
			raw:     `{"streams":[{"width":640,"height":360,"duration":"N/A"}]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `ffprobe exploded`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFFprobeOutput([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("parseFFprobeOutput = %+v, want %+v", got, tt.want)
			}
		})
	}
}
