package models

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Rows = 10
	Cols = 9
)

var ErrMalformedLayout = errors.New("models: malformed layout")

// Side is the owner of a piece. Red pieces are written uppercase, black
// pieces lowercase.
type Side int

const (
	Red Side = iota
	Black
)

func (s Side) String() string {
	if s == Red {
		return "red"
	}
	return "black"
}

func (s Side) Opponent() Side {
	if s == Red {
		return Black
	}
	return Red
}

// FENChar is the side-to-move field of a position string.
func (s Side) FENChar() string {
	if s == Red {
		return "w"
	}
	return "b"
}

// Piece is one cell of a layout, in the alphabet the detector emits.
type Piece byte

const (
	Empty      Piece = '.'
	Obstructed Piece = 'x'
)

// Kinds, red spelling.
const (
	King     Piece = 'K'
	Advisor  Piece = 'A'
	Elephant Piece = 'B'
	Horse    Piece = 'N'
	Chariot  Piece = 'R'
	Cannon   Piece = 'C'
	Soldier  Piece = 'P'
)

var pieceNames = map[Piece]string{
	'K': "红帅", 'A': "红士", 'B': "红相", 'N': "红马", 'R': "红车", 'C': "红炮", 'P': "红兵",
	'k': "黑将", 'a': "黑仕", 'b': "黑象", 'n': "黑傌", 'r': "黑車", 'c': "黑砲", 'p': "黑卒",
}

// IsPiece reports whether p is an actual piece rather than an empty or
// obstructed cell.
func (p Piece) IsPiece() bool {
	_, ok := pieceNames[p]
	return ok
}

func (p Piece) Side() (Side, bool) {
	switch {
	case !p.IsPiece():
		return 0, false
	case p >= 'A' && p <= 'Z':
		return Red, true
	default:
		return Black, true
	}
}

// Kind returns the red spelling of the piece, Empty for non-pieces.
func (p Piece) Kind() Piece {
	if !p.IsPiece() {
		return Empty
	}
	if p >= 'a' && p <= 'z' {
		return p - 'a' + 'A'
	}
	return p
}

// Flip swaps the owning side and keeps the kind.
func (p Piece) Flip() Piece {
	side, ok := p.Side()
	if !ok {
		return p
	}
	if side == Red {
		return p - 'A' + 'a'
	}
	return p - 'a' + 'A'
}

// Name is the display name used on rendered boards.
func (p Piece) Name() string {
	if name, ok := pieceNames[p]; ok {
		return name
	}
	return string(p)
}

func (p Piece) MarshalText() ([]byte, error) {
	return []byte{byte(p)}, nil
}

func (p *Piece) UnmarshalText(b []byte) error {
	if len(b) != 1 || !validPiece(Piece(b[0])) {
		return fmt.Errorf("%w: unknown symbol %q", ErrMalformedLayout, b)
	}
	*p = Piece(b[0])
	return nil
}

func validPiece(p Piece) bool {
	return p == Empty || p == Obstructed || p.IsPiece()
}

// Layout is a detected board, row 0 first as the detector reports it.
type Layout [Rows][Cols]Piece

// ParseLayout reads the detector's text form: ten lines of nine cells.
func ParseLayout(s string) (Layout, error) {
	var l Layout
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) != Rows {
		return l, fmt.Errorf("%w: %d rows, want %d", ErrMalformedLayout, len(lines), Rows)
	}
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) != Cols {
			return l, fmt.Errorf("%w: row %d has %d cells, want %d", ErrMalformedLayout, i, len(line), Cols)
		}
		for j := 0; j < Cols; j++ {
			p := Piece(line[j])
			if !validPiece(p) {
				return l, fmt.Errorf("%w: row %d col %d: unknown symbol %q", ErrMalformedLayout, i, j, line[j])
			}
			l[i][j] = p
		}
	}
	return l, nil
}

// EmptyLayout returns a layout with every cell empty.
func EmptyLayout() Layout {
	var l Layout
	for i := range l {
		for j := range l[i] {
			l[i][j] = Empty
		}
	}
	return l
}

func (l Layout) String() string {
	var sb strings.Builder
	for i, row := range l {
		if i > 0 {
			sb.WriteByte('\n')
		}
		for _, p := range row {
			sb.WriteByte(byte(p))
		}
	}
	return sb.String()
}

// Validate reports suspicious layouts. Nothing is rejected: a partially
// misdetected board is still worth analysing.
func (l Layout) Validate() []string {
	kings := map[Side]int{}
	for _, row := range l {
		for _, p := range row {
			if p.Kind() == King {
				side, _ := p.Side()
				kings[side]++
			}
		}
	}

	var warnings []string
	for _, side := range []Side{Red, Black} {
		switch n := kings[side]; {
		case n == 0:
			warnings = append(warnings, fmt.Sprintf("no %s king detected", side))
		case n > 1:
			warnings = append(warnings, fmt.Sprintf("%d %s kings detected", n, side))
		}
	}
	return warnings
}

func (l Layout) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Layout) UnmarshalText(b []byte) error {
	parsed, err := ParseLayout(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ConfidenceGrid holds per-cell detection confidence in [0,1].
type ConfidenceGrid [Rows][Cols]float64

// ParseConfidence accepts the detector's flat list of 90 scores.
func ParseConfidence(scores []float64) (ConfidenceGrid, error) {
	var g ConfidenceGrid
	if len(scores) != Rows*Cols {
		return g, fmt.Errorf("%w: %d confidence values, want %d", ErrMalformedLayout, len(scores), Rows*Cols)
	}
	for k, v := range scores {
		g[k/Cols][k%Cols] = v
	}
	return g, nil
}

// ParseConfidenceRows accepts scores nested by row.
func ParseConfidenceRows(rows [][]float64) (ConfidenceGrid, error) {
	var g ConfidenceGrid
	if len(rows) != Rows {
		return g, fmt.Errorf("%w: %d confidence rows, want %d", ErrMalformedLayout, len(rows), Rows)
	}
	for i, row := range rows {
		if len(row) != Cols {
			return g, fmt.Errorf("%w: confidence row %d has %d values, want %d", ErrMalformedLayout, i, len(row), Cols)
		}
		copy(g[i][:], row)
	}
	return g, nil
}

// UniformConfidence fills every cell with v.
func UniformConfidence(v float64) ConfidenceGrid {
	var g ConfidenceGrid
	for i := range g {
		for j := range g[i] {
			g[i][j] = v
		}
	}
	return g
}

func (g ConfidenceGrid) Mean() float64 {
	var sum float64
	for _, row := range g {
		for _, v := range row {
			sum += v
		}
	}
	return sum / float64(Rows*Cols)
}

// FlipDecision is a proposed correction of one cell's side.
type FlipDecision struct {
	Row     int     `json:"row"`
	Col     int     `json:"col"`
	From    Piece   `json:"from"`
	To      Piece   `json:"to"`
	Reason  string  `json:"reason"`
	Penalty float64 `json:"penalty"`
}

func (f FlipDecision) String() string {
	return fmt.Sprintf("[%d,%d] %s -> %s | %s", f.Row, f.Col, f.From.Name(), f.To.Name(), f.Reason)
}
