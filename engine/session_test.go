package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacokyle01/xiangqi-analyzer/models"
	"github.com/jacokyle01/xiangqi-analyzer/position"
)

// fakeEngine is a scripted Channel. reply maps each command to the lines the
// engine prints; die makes the process exit after that command.
type fakeEngine struct {
	mu      sync.Mutex
	sent    []string
	pending []string
	dead    bool
	killed  bool
	closed  bool

	reply func(cmd string) (lines []string, die bool)
}

func (f *fakeEngine) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return ErrProcessExited
	}
	f.sent = append(f.sent, line)
	lines, die := f.reply(line)
	f.pending = append(f.pending, lines...)
	if die {
		f.dead = true
	}
	return nil
}

// ReadLine never sleeps: an empty queue on a live process is an immediate
// timeout.
func (f *fakeEngine) ReadLine(time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) > 0 {
		line := f.pending[0]
		f.pending = f.pending[1:]
		return line, nil
	}
	if f.dead {
		return "", ErrProcessExited
	}
	return "", ErrTimeout
}

func (f *fakeEngine) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead
}

func (f *fakeEngine) Close(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.dead = true
	return nil
}

func (f *fakeEngine) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.dead = true
	return nil
}

func (f *fakeEngine) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeEngine) lastGo() string {
	for _, cmd := range f.commands() {
		if strings.HasPrefix(cmd, "go ") {
			return cmd
		}
	}
	return ""
}

// healthy answers the handshake and every search with h2e2 at +0.35.
func healthy(cmd string) ([]string, bool) {
	switch {
	case cmd == "uci":
		return []string{"id name Fake", "option name UCI_Variant type combo", "uciok"}, false
	case cmd == "isready":
		return []string{"readyok"}, false
	case strings.HasPrefix(cmd, "go "):
		return []string{"info depth 10 score cp 35 pv h2e2", "bestmove h2e2 ponder h9g7"}, false
	}
	return nil, false
}

func diesOnGo(cmd string) ([]string, bool) {
	if strings.HasPrefix(cmd, "go ") {
		return []string{"info depth 1 score cp 3"}, true
	}
	return healthy(cmd)
}

// silentSearch never finishes a search on its own but honours stop.
func silentSearch(cmd string) ([]string, bool) {
	switch {
	case strings.HasPrefix(cmd, "go "):
		return []string{"info depth 1 score cp 3"}, false
	case cmd == "stop":
		return []string{"bestmove a0a1"}, false
	}
	return healthy(cmd)
}

// overdueSearch lets the first search run past its deadline. Its bestmove
// comes after stop when stops is set; otherwise it shows up only behind the
// readyok of the next sync.
func overdueSearch(stops bool) func(string) ([]string, bool) {
	searches := 0
	return func(cmd string) ([]string, bool) {
		switch {
		case strings.HasPrefix(cmd, "go "):
			searches++
			if searches == 1 {
				return []string{"info depth 1 score cp -900"}, false
			}
		case cmd == "stop":
			if stops {
				return []string{"bestmove a0a1"}, false
			}
			return nil, false
		case cmd == "isready" && searches == 1 && !stops:
			return []string{"readyok", "bestmove a0a1"}, false
		}
		return healthy(cmd)
	}
}

func neverReady(cmd string) ([]string, bool) {
	return []string{"id name Broken"}, false
}

// launcher hands out one fake per launch, using scripts in order and
// repeating the last one.
type launcher struct {
	mu      sync.Mutex
	scripts []func(string) ([]string, bool)
	fakes   []*fakeEngine
	err     error
}

func (l *launcher) launch() (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	script := l.scripts[len(l.scripts)-1]
	if len(l.fakes) < len(l.scripts) {
		script = l.scripts[len(l.fakes)]
	}
	f := &fakeEngine{reply: script}
	l.fakes = append(l.fakes, f)
	return f, nil
}

func (l *launcher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fakes)
}

func (l *launcher) last() *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fakes[len(l.fakes)-1]
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = time.Second
	opts.StartupBackoff = time.Millisecond
	opts.SearchOverhead = 10 * time.Millisecond
	return opts
}

func newTestSession(scripts ...func(string) ([]string, bool)) (*Session, *launcher) {
	l := &launcher{scripts: scripts}
	return NewSession(l.launch, testOptions(), nil), l
}

func startPlacement() string {
	placement, _, _ := strings.Cut(position.StartFEN, " ")
	return placement
}

func TestSession_StartHandshake(t *testing.T) {
	s, l := newTestSession(healthy)
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, []string{"uci", "setoption name UCI_Variant value xiangqi"}, l.last().commands())
}

func TestSession_StartWhenReadyKeepsProcess(t *testing.T) {
	s, l := newTestSession(healthy)
	require.NoError(t, s.Start(context.Background()))
	first := l.last()

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, l.launches())
	assert.False(t, first.killed)
	assert.Equal(t, StateReady, s.State())
}

func TestSession_StartRetriesThenFails(t *testing.T) {
	s, l := newTestSession(neverReady)

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupFailed)
	assert.Equal(t, 4, l.launches(), "first attempt plus three retries")
	assert.Equal(t, StateFailed, s.State())

	for _, f := range l.fakes[:3] {
		assert.True(t, f.killed, "half-started process is killed before retrying")
	}

	_, err = s.BestMove(context.Background(), SearchRequest{Placement: startPlacement(), ThinkTime: time.Second})
	assert.ErrorIs(t, err, ErrStartupFailed)
}

func TestSession_StartRecoversOnRetry(t *testing.T) {
	s, l := newTestSession(neverReady, healthy)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, l.launches())
}

func TestSession_StartLaunchError(t *testing.T) {
	l := &launcher{err: errors.New("exec format error")}
	s := NewSession(l.launch, testOptions(), nil)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartupFailed)
	assert.Contains(t, err.Error(), "exec format error")
}

func TestSession_BestMove(t *testing.T) {
	s, l := newTestSession(healthy)

	res, err := s.BestMove(context.Background(), SearchRequest{Placement: startPlacement(), ThinkTime: 2 * time.Second})
	require.NoError(t, err)
	require.True(t, res.OK())

	assert.Equal(t, "h2e2", res.BestMove)
	assert.Equal(t, models.PawnScore(35), res.Score)
	assert.Equal(t, "rnbakabnr/9/1c5c1/p1p1p1p1p/9/9/P1P1P1P1P/1C5C1/9/RNBAKABNR b - - 0 1", res.Position)
	assert.Equal(t, []string{"info depth 10 score cp 35 pv h2e2", "bestmove h2e2 ponder h9g7"}, res.Trace)
	assert.False(t, res.Degraded)

	assert.Equal(t, []string{
		"uci",
		"setoption name UCI_Variant value xiangqi",
		"isready",
		"position fen " + res.Position,
		"go movetime 2000",
	}, l.last().commands())
}

func TestSession_BestMoveSideHintAndDepth(t *testing.T) {
	s, l := newTestSession(healthy)
	red := models.Red

	res, err := s.BestMove(context.Background(), SearchRequest{Placement: startPlacement(), Side: &red, Depth: 8, ThinkTime: time.Second})
	require.NoError(t, err)
	assert.Equal(t, position.StartFEN, res.Position)
	assert.Equal(t, "go depth 8", l.last().lastGo())
}

func TestSession_NoMove(t *testing.T) {
	s, _ := newTestSession(func(cmd string) ([]string, bool) {
		if strings.HasPrefix(cmd, "go ") {
			return []string{"info depth 0 score mate 0", "bestmove (none)"}, false
		}
		return healthy(cmd)
	})

	res, err := s.BestMove(context.Background(), SearchRequest{Placement: startPlacement(), ThinkTime: time.Second})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Empty(t, res.BestMove)
}

func TestSession_DeathIsSoftAndSelfHeals(t *testing.T) {
	s, l := newTestSession(diesOnGo, healthy)
	req := SearchRequest{Placement: startPlacement(), ThinkTime: time.Second}

	res, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ErrEngineUnavailable, res.Error)
	assert.Empty(t, res.BestMove)
	assert.Equal(t, StateDead, s.State())
	assert.Equal(t, 1, s.Status().Crashes)

	res, err = s.BestMove(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 2, l.launches(), "one restart, not the full ladder")
	assert.Equal(t, 0, s.Status().Crashes)
	assert.Equal(t, 1, s.Status().Restarts)
}

func TestSession_DeathBetweenCallsIsDetected(t *testing.T) {
	s, l := newTestSession(healthy)
	req := SearchRequest{Placement: startPlacement(), ThinkTime: time.Second}

	_, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)

	// The process dies while idle.
	require.NoError(t, l.last().Kill())

	res, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 2, l.launches())
}

func TestSession_FailedRestartIsSoft(t *testing.T) {
	s, l := newTestSession(diesOnGo, neverReady)
	req := SearchRequest{Placement: startPlacement(), ThinkTime: time.Second}

	_, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)

	res, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ErrEngineUnavailable, res.Error)
	assert.Equal(t, 2, l.launches())
	assert.Equal(t, StateDead, s.State())
	assert.Equal(t, 2, s.Status().Crashes, "the failed restart is a second incident")
}

func TestSession_IdleDeathWithFailedRestartCountsOnce(t *testing.T) {
	s, l := newTestSession(healthy, neverReady)
	req := SearchRequest{Placement: startPlacement(), ThinkTime: time.Second}

	_, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, l.last().Kill())

	res, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ErrEngineUnavailable, res.Error)
	assert.Equal(t, 2, l.launches())
	assert.Equal(t, 1, s.Status().Crashes)
	assert.Equal(t, StateDead, s.State())
}

func TestSession_DegradedAfterRepeatedCrashes(t *testing.T) {
	s, l := newTestSession(diesOnGo, diesOnGo, diesOnGo, healthy)
	req := SearchRequest{Placement: startPlacement(), ThinkTime: 20 * time.Second}

	for i := 1; i <= 3; i++ {
		res, err := s.BestMove(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, models.ErrEngineUnavailable, res.Error)
		require.Equal(t, i, s.Status().Crashes)
	}

	res, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK())

	assert.True(t, res.Degraded)
	assert.Equal(t, 12, res.Depth)
	assert.Equal(t, 10*time.Second, res.ThinkTime)
	assert.Equal(t, "go depth 12", l.last().lastGo())

	assert.Equal(t, 0, s.Status().Crashes, "a successful search resets the counter")
	assert.False(t, s.Status().Degraded)
}

func TestSession_DegradedKeepsExplicitDepth(t *testing.T) {
	s, l := newTestSession(diesOnGo, diesOnGo, diesOnGo, healthy)
	req := SearchRequest{Placement: startPlacement(), ThinkTime: 20 * time.Second, Depth: 5}

	for i := 0; i < 3; i++ {
		_, err := s.BestMove(context.Background(), req)
		require.NoError(t, err)
	}

	res, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 5, res.Depth)
	assert.Equal(t, 10*time.Second, res.ThinkTime)
	assert.Equal(t, "go depth 5", l.last().lastGo())
}

func TestSession_TimeoutIsSoftAndNotACrash(t *testing.T) {
	s, l := newTestSession(silentSearch)

	res, err := s.BestMove(context.Background(), SearchRequest{Placement: startPlacement(), ThinkTime: 10 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, models.ErrTimeout, res.Error)
	assert.Empty(t, res.BestMove)
	assert.Equal(t, 0, s.Status().Crashes)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, l.launches())
	assert.Equal(t, "stop", l.last().commands()[len(l.last().commands())-1])
}

func TestSession_TimedOutSearchDoesNotLeak(t *testing.T) {
	s, l := newTestSession(overdueSearch(true))
	req := SearchRequest{Placement: startPlacement(), ThinkTime: 10 * time.Millisecond}

	res, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.ErrTimeout, res.Error)
	assert.Equal(t, StateReady, s.State())

	res, err = s.BestMove(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK(), "error: %s", res.Error)
	assert.Equal(t, "h2e2", res.BestMove)
	assert.Equal(t, models.PawnScore(35), res.Score)
	assert.NotContains(t, res.Trace, "bestmove a0a1")
	assert.Equal(t, 1, l.launches())
}

func TestSession_UnstoppableSearchReplacesProcess(t *testing.T) {
	s, l := newTestSession(overdueSearch(false), healthy)
	req := SearchRequest{Placement: startPlacement(), ThinkTime: 10 * time.Millisecond}

	res, err := s.BestMove(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.ErrTimeout, res.Error)
	assert.True(t, l.fakes[0].killed)
	assert.Equal(t, 0, s.Status().Crashes, "a timeout is not a crash")

	res, err = s.BestMove(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK(), "error: %s", res.Error)
	assert.Equal(t, "h2e2", res.BestMove)
	assert.Equal(t, models.PawnScore(35), res.Score)
	assert.Equal(t, 2, l.launches())
	assert.Equal(t, 0, s.Status().Crashes)
}

func TestSession_TimeoutBound(t *testing.T) {
	ch := &slowChannel{}
	opts := testOptions()
	opts.SearchOverhead = 30 * time.Millisecond
	s := NewSession(func() (Channel, error) { return ch, nil }, opts, nil)

	start := time.Now()
	res, err := s.BestMove(context.Background(), SearchRequest{Placement: startPlacement(), ThinkTime: 20 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, models.ErrTimeout, res.Error)
	assert.Greater(t, ch.searchWait, 40*time.Millisecond, "think time plus overhead")
	assert.LessOrEqual(t, ch.searchWait, 50*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// slowChannel answers the handshake and sync, then stays silent, recording
// how long the session was willing to wait for the search.
type slowChannel struct {
	pending    []string
	searchWait time.Duration
	searching  bool
}

func (c *slowChannel) Send(line string) error {
	lines, _ := healthy(line)
	switch {
	case strings.HasPrefix(line, "go "):
		c.searching = true
		return nil
	case line == "stop":
		c.searching = false
		return nil
	}
	c.pending = append(c.pending, lines...)
	return nil
}

func (c *slowChannel) ReadLine(timeout time.Duration) (string, error) {
	if len(c.pending) > 0 {
		line := c.pending[0]
		c.pending = c.pending[1:]
		return line, nil
	}
	if c.searching {
		c.searchWait += timeout
	}
	time.Sleep(timeout)
	return "", ErrTimeout
}

func (c *slowChannel) Alive() bool { return true }
func (c *slowChannel) Close(time.Duration) error { return nil }
func (c *slowChannel) Kill() error { return nil }

func TestSession_Close(t *testing.T) {
	s, l := newTestSession(healthy)
	require.NoError(t, s.Start(context.Background()))
	f := l.last()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, "quit", f.commands()[len(f.commands())-1])
	assert.True(t, f.closed)
	assert.Equal(t, StateClosed, s.State())

	_, err := s.BestMove(context.Background(), SearchRequest{Placement: startPlacement()})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestSession_CloseUnstarted(t *testing.T) {
	s, l := newTestSession(healthy)
	require.NoError(t, s.Close())
	assert.Equal(t, 0, l.launches())
}
