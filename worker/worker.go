package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jacokyle01/xiangqi-analyzer/analyzer"
	"github.com/jacokyle01/xiangqi-analyzer/models"
	"github.com/jacokyle01/xiangqi-analyzer/perception"
	"github.com/jacokyle01/xiangqi-analyzer/queue"
	"github.com/jacokyle01/xiangqi-analyzer/source"
)

// Analyzer runs one analysis at a time.
type Analyzer interface {
	Analyze(ctx context.Context, det models.Detection, think time.Duration) (models.Analysis, error)
	TryAnalyze(ctx context.Context, det models.Detection, think time.Duration) (models.Analysis, error)
}

// PublishFunc receives every successful analysis.
type PublishFunc func(models.Analysis)

type Config struct {
	ThinkTime        time.Duration
	CaptureInterval  time.Duration
	AnalysisInterval time.Duration
	BufferSize       int
}

// Client captures frames and feeds the newest one to the analyzer
type Client struct {
	source   source.Source
	detector perception.Detector
	analyzer Analyzer
	publish  PublishFunc
	cfg      Config
	log      *slog.Logger

	frames *queue.Latest[models.Snapshot]
}

// NewClient creates a worker client. src may be nil when frames only arrive
// through Submit.
func NewClient(src source.Source, det perception.Detector, an Analyzer, publish PublishFunc, cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if publish == nil {
		publish = func(models.Analysis) {}
	}
	return &Client{
		source:   src,
		detector: det,
		analyzer: an,
		publish:  publish,
		cfg:      cfg,
		log:      log.With("component", "worker"),
		frames:   queue.New[models.Snapshot](cfg.BufferSize),
	}
}

func newSnapshot(img image.Image) models.Snapshot {
	now := time.Now()
	return models.Snapshot{
		ID:    fmt.Sprintf("snap_%d", now.UnixNano()),
		Taken: now,
		Image: img,
	}
}

// Submit queues a frame for the analysis loop, evicting the oldest waiting
// frame when the buffer is full.
func (c *Client) Submit(img image.Image) models.Snapshot {
	snap := newSnapshot(img)
	if c.frames.Push(snap) {
		c.log.Debug("frame buffer full, dropped oldest frame")
	}
	return snap
}

// Frames exposes the frame buffer for monitoring.
func (c *Client) Frames() *queue.Latest[models.Snapshot] {
	return c.frames
}

// Run captures and analyses until ctx is done or the analyzer fails hard.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.source != nil {
		g.Go(func() error { return c.CaptureLoop(ctx) })
	}
	g.Go(func() error { return c.AnalysisLoop(ctx) })
	return g.Wait()
}

// CaptureLoop polls the source every CaptureInterval. Source errors are
// logged and retried on the next tick.
func (c *Client) CaptureLoop(ctx context.Context) error {
	c.log.Info("starting capture", "interval", c.cfg.CaptureInterval)
	ticker := time.NewTicker(c.cfg.CaptureInterval)
	defer ticker.Stop()

	for {
		c.capture(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) capture(ctx context.Context) {
	img, err := c.source.Next(ctx)
	switch {
	case err == nil:
		c.Submit(img)
	case errors.Is(err, source.ErrNoFrame):
		c.log.Debug("no frame available")
	case ctx.Err() != nil:
	default:
		c.log.Warn("error capturing frame", "error", err)
	}
}

// AnalysisLoop analyses the newest frame, waits AnalysisInterval and
// repeats. Snapshots that yield nothing are skipped; only an unusable
// engine ends the loop.
func (c *Client) AnalysisLoop(ctx context.Context) error {
	c.log.Info("starting analysis", "interval", c.cfg.AnalysisInterval, "think_time", c.cfg.ThinkTime)
	for {
		snap, err := c.frames.Next(ctx)
		if err != nil {
			return nil
		}

		if _, err := c.process(ctx, snap, c.analyzer.Analyze); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, analyzer.ErrNoResult), errors.Is(err, ErrDetect):
				c.log.Info("snapshot skipped", "snapshot", snap.ID, "error", err)
			default:
				c.log.Error("analysis stopped", "error", err)
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.AnalysisInterval):
		}
	}
}

// ErrDetect wraps detector failures. The snapshot is skipped.
var ErrDetect = errors.New("worker: detection failed")

type analyzeFunc func(context.Context, models.Detection, time.Duration) (models.Analysis, error)

func (c *Client) process(ctx context.Context, snap models.Snapshot, analyze analyzeFunc) (models.Analysis, error) {
	det, err := c.detector.Detect(ctx, snap.Image)
	if err != nil {
		return models.Analysis{}, fmt.Errorf("%w: %v", ErrDetect, err)
	}

	a, err := analyze(ctx, det, c.cfg.ThinkTime)
	if err != nil {
		return models.Analysis{}, err
	}
	a.SnapshotID = snap.ID
	c.publish(a)
	return a, nil
}

// AnalyzeImage analyses one image right away. It fails with
// analyzer.ErrBusy instead of waiting when an analysis is running.
func (c *Client) AnalyzeImage(ctx context.Context, img image.Image) (models.Analysis, error) {
	return c.process(ctx, newSnapshot(img), c.analyzer.TryAnalyze)
}
