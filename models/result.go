package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrorTag classifies a failed engine call. The set is closed.
type ErrorTag string

const (
	ErrEngineUnavailable ErrorTag = "engine_unavailable"
	ErrTimeout           ErrorTag = "timeout"
	ErrOther             ErrorTag = "other"
)

// ScoreKind tells which field of a Score is meaningful.
type ScoreKind int

const (
	ScoreNone ScoreKind = iota
	ScorePawns
	ScoreMate
)

// Score is an engine evaluation: pawn units (centipawns / 100) or a forced
// mate in N moves.
type Score struct {
	Kind   ScoreKind
	Pawns  float64
	MateIn int
}

func PawnScore(centipawns int) Score {
	return Score{Kind: ScorePawns, Pawns: float64(centipawns) / 100}
}

func MateScore(n int) Score {
	return Score{Kind: ScoreMate, MateIn: n}
}

func (s Score) String() string {
	switch s.Kind {
	case ScorePawns:
		return strconv.FormatFloat(s.Pawns, 'f', -1, 64)
	case ScoreMate:
		return fmt.Sprintf("MateIn%d", s.MateIn)
	default:
		return ""
	}
}

func (s Score) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case ScorePawns:
		return json.Marshal(s.Pawns)
	case ScoreMate:
		return json.Marshal(s.String())
	default:
		return []byte("null"), nil
	}
}

func (s *Score) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*s = Score{}
	case float64:
		*s = Score{Kind: ScorePawns, Pawns: t}
	case string:
		n, err := strconv.Atoi(strings.TrimPrefix(t, "MateIn"))
		if err != nil || !strings.HasPrefix(t, "MateIn") {
			return fmt.Errorf("models: invalid score %q", t)
		}
		*s = MateScore(n)
	default:
		return fmt.Errorf("models: invalid score %s", b)
	}
	return nil
}

// Result represents the engine's answer for one position
type Result struct {
	BestMove  string        `json:"best_move,omitempty"`
	Score     Score         `json:"score"`
	Position  string        `json:"position"`
	Depth     int           `json:"depth,omitempty"`
	ThinkTime time.Duration `json:"think_time"`
	Degraded  bool          `json:"degraded,omitempty"`
	Trace     []string      `json:"trace,omitempty"`
	Error     ErrorTag      `json:"error,omitempty"`
}

// OK reports whether the engine produced an answer.
func (r Result) OK() bool {
	return r.Error == ""
}

// Analysis is the packaged answer for one snapshot.
type Analysis struct {
	Result

	SnapshotID string         `json:"snapshot_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Layout     Layout         `json:"layout"`
	Confidence ConfidenceGrid `json:"-"`
	Quality    float64        `json:"quality"`
	Flips      []FlipDecision `json:"flips,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	DetectTime time.Duration  `json:"detect_time"`
	// ColorConfidence is the corrector's pass-level summary.
	ColorConfidence float64 `json:"color_confidence"`
}
