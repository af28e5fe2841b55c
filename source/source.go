// Package source produces board frames for analysis.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrNoFrame means the source has nothing to offer right now. Callers should
// try again later.
var ErrNoFrame = errors.New("source: no frame")

// Source produces one image per call, or ErrNoFrame.
type Source interface {
	Next(ctx context.Context) (image.Image, error)
}

// Decode reads an image in any supported format: PNG, JPEG, GIF, BMP, TIFF
// or WebP.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("source: decode: %w", err)
	}
	return img, format, nil
}

// FileSource loads a still image from disk on every call, so a file that is
// rewritten in place is picked up.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoFrame, s.Path)
		}
		return nil, fmt.Errorf("source: open %s: %w", s.Path, err)
	}
	defer f.Close()

	img, _, err := Decode(f)
	return img, err
}

// HTTPSource pulls the latest frame from a snapshot URL, such as the still
// endpoint of a stream relay.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSource) Next(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound, http.StatusServiceUnavailable:
		return nil, ErrNoFrame
	default:
		return nil, fmt.Errorf("source: fetch %s: unexpected status %s", s.URL, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("source: read frame: %w", err)
	}
	if len(body) == 0 {
		return nil, ErrNoFrame
	}
	img, _, err := Decode(bytes.NewReader(body))
	return img, err
}
