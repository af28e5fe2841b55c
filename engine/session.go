package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacokyle01/xiangqi-analyzer/models"
	"github.com/jacokyle01/xiangqi-analyzer/position"
)

var (
	ErrStartupFailed = errors.New("engine: startup failed")
	ErrClosed        = errors.New("engine: session closed")
)

// State is a step of the session lifecycle.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateReady
	StateSearching
	StateDead
	StateFailed
	StateClosed
)

var stateNames = [...]string{"unstarted", "starting", "ready", "searching", "dead", "failed", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DegradedPolicy limits search strength after repeated crashes.
type DegradedPolicy struct {
	// CrashThreshold is the number of consecutive crashes tolerated before
	// searches are limited.
	CrashThreshold int
	MaxDepth       int
	MaxThinkTime   time.Duration
}

type Options struct {
	// Timeout bounds the handshake and every sync exchange.
	Timeout        time.Duration
	StartupRetries int
	StartupBackoff time.Duration
	// SearchOverhead is added to the think time to bound a search.
	SearchOverhead time.Duration
	QuitGrace      time.Duration
	// Variant is sent as UCI_Variant after the handshake when set.
	Variant  string
	Degraded DegradedPolicy
}

func DefaultOptions() Options {
	return Options{
		Timeout:        10 * time.Second,
		StartupRetries: 3,
		StartupBackoff: time.Second,
		SearchOverhead: 15 * time.Second,
		QuitGrace:      2 * time.Second,
		Variant:        "xiangqi",
		Degraded: DegradedPolicy{
			CrashThreshold: 2,
			MaxDepth:       12,
			MaxThinkTime:   10 * time.Second,
		},
	}
}

// SearchRequest describes one search.
type SearchRequest struct {
	// Placement is the board field of the position string.
	Placement string
	// Side overrides the inferred side to move when set.
	Side      *models.Side
	ThinkTime time.Duration
	// Depth searches to a fixed depth instead of for ThinkTime when > 0.
	Depth int
}

// Status is a point-in-time view of a session, safe to read concurrently.
type Status struct {
	State    string `json:"state"`
	Crashes  int    `json:"crashes"`
	Degraded bool   `json:"degraded"`
	Restarts int    `json:"restarts"`
}

// Session drives one engine process. It is not safe for concurrent use:
// callers must serialise BestMove calls. Status may be called at any time.
type Session struct {
	launch Launcher
	opts   Options
	log    *slog.Logger

	ch Channel

	state    atomic.Int32
	crashes  atomic.Int32
	restarts atomic.Int32
	degraded atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewSession returns an unstarted session. The process is launched by Start
// or by the first BestMove.
func NewSession(launch Launcher, opts Options, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{launch: launch, opts: opts, log: log.With("component", "engine")}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) Status() Status {
	return Status{
		State:    s.State().String(),
		Crashes:  int(s.crashes.Load()),
		Degraded: s.degraded.Load(),
		Restarts: int(s.restarts.Load()),
	}
}

// Start brings the process to the ready state, retrying from scratch up to
// StartupRetries times. Exhausting the retries makes the session unusable.
func (s *Session) Start(ctx context.Context) error {
	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return ErrStartupFailed
	case StateReady:
		if s.ch != nil && s.ch.Alive() {
			return nil
		}
	}

	var err error
	for attempt := 0; attempt <= s.opts.StartupRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn("engine startup failed, retrying",
				"attempt", attempt, "retries", s.opts.StartupRetries, "error", err)
			select {
			case <-ctx.Done():
				s.setState(StateFailed)
				return fmt.Errorf("%w: %v", ErrStartupFailed, ctx.Err())
			case <-time.After(s.opts.StartupBackoff):
			}
		}
		if err = s.startOnce(); err == nil {
			s.log.Info("engine started")
			return nil
		}
	}

	s.setState(StateFailed)
	s.log.Error("engine startup gave up", "attempts", s.opts.StartupRetries+1, "error", err)
	return fmt.Errorf("%w after %d attempts: %v", ErrStartupFailed, s.opts.StartupRetries+1, err)
}

// startOnce runs the handshake on a fresh process, killing whatever was
// there before.
func (s *Session) startOnce() error {
	s.setState(StateStarting)
	s.discard()

	ch, err := s.launch()
	if err != nil {
		return err
	}
	s.ch = ch

	if err := s.ch.Send(cmdUCI); err != nil {
		return err
	}
	if _, err := s.waitFor(tokUCIOK, s.opts.Timeout); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if s.opts.Variant != "" {
		if err := s.ch.Send(variantCommand(s.opts.Variant)); err != nil {
			return err
		}
	}

	s.setState(StateReady)
	return nil
}

func (s *Session) discard() {
	if s.ch == nil {
		return
	}
	if err := s.ch.Kill(); err != nil {
		s.log.Warn("kill engine process", "error", err)
	}
	s.ch = nil
}

// drop throws the process away so the next call starts a fresh one.
func (s *Session) drop() {
	s.setState(StateDead)
	s.discard()
}

// markDead records a crash observed during an exchange.
func (s *Session) markDead() {
	n := s.crashes.Add(1)
	s.drop()
	s.log.Error("engine process died", "crashes", n)
}

// ensureAlive makes the process ready before a command. A process found dead
// gets one restart attempt; the full retry ladder only runs on first use.
func (s *Session) ensureAlive(ctx context.Context) error {
	counted := false
	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return ErrStartupFailed
	case StateUnstarted:
		return s.Start(ctx)
	case StateReady:
		if s.ch != nil && s.ch.Alive() {
			return nil
		}
		s.markDead()
		counted = true
	}

	s.log.Warn("engine process not running, restarting")
	s.restarts.Add(1)
	if err := s.startOnce(); err != nil {
		// One incident is one crash.
		if counted {
			s.drop()
		} else {
			s.markDead()
		}
		return fmt.Errorf("%w: restart: %v", ErrProcessExited, err)
	}
	return nil
}

// waitFor collects output lines until one contains token or timeout elapses.
func (s *Session) waitFor(token string, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	var lines []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return lines, fmt.Errorf("%w waiting for %q after %s", ErrTimeout, token, timeout)
		}
		line, err := s.ch.ReadLine(remaining)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return lines, fmt.Errorf("%w waiting for %q after %s", ErrTimeout, token, timeout)
			}
			return lines, err
		}
		lines = append(lines, line)
		if strings.Contains(line, token) {
			return lines, nil
		}
	}
}

// BestMove asks the engine for the best move in a position. Engine trouble
// is reported through Result.Error; the returned error is reserved for a
// session that can no longer be used.
func (s *Session) BestMove(ctx context.Context, req SearchRequest) (models.Result, error) {
	if err := s.ensureAlive(ctx); err != nil {
		if errors.Is(err, ErrProcessExited) {
			return models.Result{Error: models.ErrEngineUnavailable}, nil
		}
		return models.Result{}, err
	}

	depth, think := req.Depth, req.ThinkTime
	degraded := int(s.crashes.Load()) > s.opts.Degraded.CrashThreshold
	s.degraded.Store(degraded)
	if degraded {
		if depth <= 0 {
			depth = s.opts.Degraded.MaxDepth
		}
		if think > s.opts.Degraded.MaxThinkTime {
			think = s.opts.Degraded.MaxThinkTime
		}
		s.log.Warn("engine unstable, limiting search",
			"crashes", s.crashes.Load(), "depth", depth, "think_time", think)
	}

	side := position.SideToMove(req.Placement)
	if req.Side != nil {
		side = *req.Side
	}
	fen := position.FEN(req.Placement, side)

	res := models.Result{Position: fen, Depth: depth, ThinkTime: think, Degraded: degraded}

	s.setState(StateSearching)
	lines, err := s.search(fen, depth, think)
	res.Trace = lines

	switch {
	case err == nil:
		s.setState(StateReady)
		s.crashes.Store(0)
		s.degraded.Store(false)
		res.BestMove, res.Score = ParseSearchOutput(lines)
		return res, nil
	case errors.Is(err, ErrProcessExited):
		s.markDead()
		res.Error = models.ErrEngineUnavailable
	case errors.Is(err, ErrTimeout):
		s.log.Warn("engine search timed out", "error", err)
		s.abandonSearch()
		res.Error = models.ErrTimeout
	default:
		s.setState(StateReady)
		s.log.Error("engine search failed", "error", err)
		res.Error = models.ErrOther
	}
	return res, nil
}

func (s *Session) search(fen string, depth int, think time.Duration) ([]string, error) {
	if err := s.ch.Send(cmdIsReady); err != nil {
		return nil, err
	}
	if _, err := s.waitFor(tokReadyOK, s.opts.Timeout); err != nil {
		return nil, err
	}

	s.log.Debug("searching", "fen", fen, "depth", depth, "think_time", think)
	if err := s.ch.Send(positionCommand(fen)); err != nil {
		return nil, err
	}
	if err := s.ch.Send(goCommand(depth, think)); err != nil {
		return nil, err
	}
	return s.waitFor(tokBestMove, think+s.opts.SearchOverhead)
}

// abandonSearch stops an overdue search and reads up to its bestmove, which
// would otherwise be taken as the answer to the next position. An engine
// that cannot be drained is replaced on the next call; a timeout is not a
// crash.
func (s *Session) abandonSearch() {
	err := s.ch.Send(cmdStop)
	if err == nil {
		_, err = s.waitFor(tokBestMove, s.opts.Timeout)
	}
	switch {
	case err == nil:
		s.setState(StateReady)
	case errors.Is(err, ErrProcessExited):
		s.markDead()
	default:
		s.log.Warn("engine did not stop, replacing process", "error", err)
		s.drop()
	}
}

// Close asks the engine to quit and kills it if it does not within
// QuitGrace. Only the first call does anything.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.ch != nil {
			if s.ch.Alive() {
				_ = s.ch.Send(cmdQuit)
			}
			s.closeErr = s.ch.Close(s.opts.QuitGrace)
			s.ch = nil
		}
		s.setState(StateClosed)
		s.log.Info("engine closed")
	})
	return s.closeErr
}
