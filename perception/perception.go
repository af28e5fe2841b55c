// Package perception talks to the board detector: given a camera or screen
// frame it returns the rectified board, the detected layout and per-cell
// confidence.
package perception

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/jacokyle01/xiangqi-analyzer/models"
	"github.com/jacokyle01/xiangqi-analyzer/position"
	"github.com/jacokyle01/xiangqi-analyzer/source"
)

var ErrInvalidResponse = errors.New("perception: invalid detector response")

// Detector finds the board in a frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) (models.Detection, error)
}

// Response is the detector service's JSON reply.
type Response struct {
	// Board is the rectified board as base64 PNG. When absent the frame
	// itself is taken as the board.
	Board string `json:"board,omitempty"`
	// Layout is ten rows of nine cells, either one newline separated
	// string or a list of rows.
	Layout json.RawMessage `json:"layout"`
	// Scores is 90 values, flat or nested by row.
	Scores    json.RawMessage `json:"scores"`
	ElapsedMS float64         `json:"elapsed_ms"`
}

// ParseResponse validates a detector reply. frame stands in for the board
// when the reply carries none.
func ParseResponse(data []byte, frame image.Image) (models.Detection, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return models.Detection{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	layout, err := parseLayout(resp.Layout)
	if err != nil {
		return models.Detection{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	conf, err := parseScores(resp.Scores)
	if err != nil {
		return models.Detection{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	board := frame
	if resp.Board != "" {
		raw, err := base64.StdEncoding.DecodeString(resp.Board)
		if err != nil {
			return models.Detection{}, fmt.Errorf("%w: board: %v", ErrInvalidResponse, err)
		}
		if board, _, err = source.Decode(bytes.NewReader(raw)); err != nil {
			return models.Detection{}, fmt.Errorf("%w: board: %v", ErrInvalidResponse, err)
		}
	}

	return models.Detection{
		Board:      board,
		Layout:     layout,
		Confidence: conf,
		Elapsed:    time.Duration(resp.ElapsedMS * float64(time.Millisecond)),
	}, nil
}

func parseLayout(raw json.RawMessage) (models.Layout, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		var rows []string
		if err := json.Unmarshal(raw, &rows); err != nil {
			return models.Layout{}, fmt.Errorf("layout: want string or list of rows")
		}
		text = strings.Join(rows, "\n")
	}
	return models.ParseLayout(text)
}

func parseScores(raw json.RawMessage) (models.ConfidenceGrid, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return models.UniformConfidence(1), nil
	}
	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		return models.ParseConfidence(flat)
	}
	var rows [][]float64
	if err := json.Unmarshal(raw, &rows); err != nil {
		return models.ConfidenceGrid{}, fmt.Errorf("scores: want 90 values or 10 rows of 9")
	}
	return models.ParseConfidenceRows(rows)
}

// Resize scales a board to size so every cell covers a whole number of
// pixels. A zero size returns the board unchanged.
func Resize(board image.Image, size image.Point) image.Image {
	if board == nil || size.X <= 0 || size.Y <= 0 || board.Bounds().Size() == size {
		return board
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), board, board.Bounds(), draw.Src, nil)
	return dst
}

// HTTPDetector posts frames as PNG to a detector service.
type HTTPDetector struct {
	URL    string
	Client *http.Client
	// BoardSize, when set, is the size boards are scaled to.
	BoardSize image.Point
}

func NewHTTPDetector(url string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDetector) Detect(ctx context.Context, frame image.Image) (models.Detection, error) {
	var body bytes.Buffer
	if err := png.Encode(&body, frame); err != nil {
		return models.Detection{}, fmt.Errorf("perception: encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, &body)
	if err != nil {
		return models.Detection{}, fmt.Errorf("perception: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")

	start := time.Now()
	resp, err := d.Client.Do(req)
	if err != nil {
		return models.Detection{}, fmt.Errorf("perception: detect: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Detection{}, fmt.Errorf("perception: read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.Detection{}, fmt.Errorf("%w: status %s: %s", ErrInvalidResponse, resp.Status, bytes.TrimSpace(data))
	}

	det, err := ParseResponse(data, frame)
	if err != nil {
		return models.Detection{}, err
	}
	if det.Elapsed == 0 {
		det.Elapsed = time.Since(start)
	}
	det.Board = Resize(det.Board, d.BoardSize)
	return det, nil
}

// StaticDetector always reports the starting position. It is handy for
// checking the engine path without a detector service.
type StaticDetector struct {
	Confidence float64
	BoardSize  image.Point
}

func NewStaticDetector() *StaticDetector {
	return &StaticDetector{Confidence: 0.95}
}

func (d *StaticDetector) Detect(ctx context.Context, frame image.Image) (models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return models.Detection{}, err
	}
	start := time.Now()
	return models.Detection{
		Board:      Resize(frame, d.BoardSize),
		Layout:     position.StartingLayout(),
		Confidence: models.UniformConfidence(d.Confidence),
		Elapsed:    time.Since(start),
	}, nil
}
