// Package analyzer turns one perception result into one engine answer:
// color correction, position encoding, then a search on the engine session.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jacokyle01/xiangqi-analyzer/engine"
	"github.com/jacokyle01/xiangqi-analyzer/models"
	"github.com/jacokyle01/xiangqi-analyzer/position"
	"github.com/jacokyle01/xiangqi-analyzer/report"
	"github.com/jacokyle01/xiangqi-analyzer/validator"
)

var (
	// ErrNoResult means the snapshot produced nothing worth publishing. The
	// caller should move on to the next snapshot.
	ErrNoResult = errors.New("analyzer: no result")
	// ErrPerception means the detection had no usable board.
	ErrPerception = errors.New("perception failed")
	// ErrBusy is returned by TryAnalyze while another analysis holds the slot.
	ErrBusy = errors.New("analyzer: busy")
)

// NoResultError carries why an analysis produced nothing. Tag is empty for
// perception failures.
type NoResultError struct {
	Tag models.ErrorTag
	Err error
}

func (e *NoResultError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("%s: engine: %s", ErrNoResult, e.Tag)
	}
	return fmt.Sprintf("%s: %v", ErrNoResult, e.Err)
}

func (e *NoResultError) Is(target error) bool {
	return target == ErrNoResult
}

func (e *NoResultError) Unwrap() error {
	return e.Err
}

// Engine is the part of an engine session the analyzer needs.
type Engine interface {
	BestMove(ctx context.Context, req engine.SearchRequest) (models.Result, error)
	Status() engine.Status
	Close() error
}

type Options struct {
	// Inverted tells the detector labels sides opposite to the engine.
	Inverted bool
	// ApplyFlips feeds the corrected layout to the engine. When false the
	// corrections are still reported but the raw layout is searched.
	ApplyFlips bool
	// Depth requests fixed-depth searches when > 0.
	Depth     int
	Validator *validator.Validator
}

// Status is a snapshot of the analyzer for monitoring.
type Status struct {
	Engine   engine.Status `json:"engine"`
	Busy     bool          `json:"busy"`
	Analyses int64         `json:"analyses"`
	Failures int64         `json:"failures"`
}

// Analyzer serialises analyses onto a single engine session.
type Analyzer struct {
	engine Engine
	opts   Options
	log    *slog.Logger

	slot chan struct{}

	analyses atomic.Int64
	failures atomic.Int64
}

func New(eng Engine, opts Options, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "analyzer")
	if opts.Validator == nil {
		opts.Validator = validator.New(validator.DefaultThresholds(), log)
	}
	return &Analyzer{
		engine: eng,
		opts:   opts,
		log:    log,
		slot:   make(chan struct{}, 1),
	}
}

// Analyze waits for the engine to be free and then runs one analysis.
// Soft failures come back as a *NoResultError; any other error means the
// engine session is unusable.
func (a *Analyzer) Analyze(ctx context.Context, det models.Detection, think time.Duration) (models.Analysis, error) {
	select {
	case a.slot <- struct{}{}:
	case <-ctx.Done():
		return models.Analysis{}, ctx.Err()
	}
	defer func() { <-a.slot }()
	return a.analyze(ctx, det, think)
}

// TryAnalyze is Analyze without waiting: it fails with ErrBusy when an
// analysis is already running.
func (a *Analyzer) TryAnalyze(ctx context.Context, det models.Detection, think time.Duration) (models.Analysis, error) {
	select {
	case a.slot <- struct{}{}:
	default:
		return models.Analysis{}, ErrBusy
	}
	defer func() { <-a.slot }()
	return a.analyze(ctx, det, think)
}

func (a *Analyzer) analyze(ctx context.Context, det models.Detection, think time.Duration) (models.Analysis, error) {
	if err := checkDetection(det); err != nil {
		a.failures.Add(1)
		a.log.Warn("skipping snapshot", "error", err)
		return models.Analysis{}, &NoResultError{Err: err}
	}

	rep := a.opts.Validator.Correct(det.Board, det.Layout, det.Confidence)
	layout, conf := det.Layout, det.Confidence
	if len(rep.Flips) > 0 {
		a.log.Info("color check flipped pieces",
			"flips", len(rep.Flips), "applied", a.opts.ApplyFlips)
		a.log.Debug("layout correction\n" + report.LayoutDiff(det.Layout, rep.Layout))
	}
	if a.opts.ApplyFlips {
		layout, conf = rep.Layout, rep.Confidence
	}

	placement := position.Encode(layout, a.opts.Inverted)
	res, err := a.engine.BestMove(ctx, engine.SearchRequest{
		Placement: placement,
		ThinkTime: think,
		Depth:     a.opts.Depth,
	})
	if err != nil {
		a.failures.Add(1)
		return models.Analysis{}, fmt.Errorf("analyzer: %w", err)
	}
	if !res.OK() {
		a.failures.Add(1)
		a.log.Warn("engine gave no answer", "error", res.Error, "position", res.Position)
		return models.Analysis{}, &NoResultError{Tag: res.Error}
	}

	a.analyses.Add(1)
	out := models.Analysis{
		Result:          res,
		Timestamp:       time.Now(),
		Layout:          layout,
		Confidence:      conf,
		Quality:         rep.Confidence.Mean(),
		Flips:           rep.Flips,
		Warnings:        layout.Validate(),
		DetectTime:      det.Elapsed,
		ColorConfidence: rep.Overall,
	}
	a.log.Info("analysis complete",
		"best_move", out.BestMove, "score", out.Score.String(), "quality", out.Quality)
	return out, nil
}

// checkDetection rejects detections without a board to analyse.
func checkDetection(det models.Detection) error {
	if det.Board == nil {
		return fmt.Errorf("%w: no board image", ErrPerception)
	}
	for _, row := range det.Layout {
		for _, p := range row {
			if p.IsPiece() {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no pieces detected", ErrPerception)
}

func (a *Analyzer) Status() Status {
	return Status{
		Engine:   a.engine.Status(),
		Busy:     len(a.slot) > 0,
		Analyses: a.analyses.Load(),
		Failures: a.failures.Load(),
	}
}

// Close waits for a running analysis to finish, then closes the engine.
func (a *Analyzer) Close() error {
	a.slot <- struct{}{}
	defer func() { <-a.slot }()
	return a.engine.Close()
}
