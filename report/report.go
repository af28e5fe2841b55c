// Package report renders analyses for humans.
package report

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/jacokyle01/xiangqi-analyzer/models"
	"github.com/jacokyle01/xiangqi-analyzer/position"
)

const (
	cellWidth = 5
	files     = "abcdefghi"
	rule      = "============================================================"
)

// Board draws a layout the way the engine sees it: rank 9 on top, files a-i
// left to right. When inverted is set, side labels are swapped first so the
// names match the engine's colors.
func Board(l models.Layout, inverted bool) string {
	if inverted {
		l = position.Invert(l)
	}

	var sb strings.Builder
	sb.WriteString("   ")
	for _, f := range files {
		sb.WriteString(runewidth.FillLeft(string(f), cellWidth))
	}
	sb.WriteByte('\n')

	for rank := models.Rows - 1; rank >= 0; rank-- {
		fmt.Fprintf(&sb, "%d: ", rank)
		for _, p := range l[rank] {
			sb.WriteString(runewidth.FillLeft(cellLabel(p), cellWidth))
		}
		sb.WriteByte('\n')
		if rank == models.Rows/2 {
			sb.WriteString("   " + strings.Repeat("-", cellWidth*models.Cols) + "\n")
		}
	}
	return sb.String()
}

func cellLabel(p models.Piece) string {
	switch p {
	case models.Empty:
		return "."
	case models.Obstructed:
		return "?"
	default:
		return p.Name()
	}
}

// Move describes a move in from/to form, "h2e2 (h2 -> e2)".
func Move(m string) string {
	if len(m) < 4 {
		return m
	}
	return fmt.Sprintf("%s (%s -> %s)", m, m[:2], m[2:4])
}

// Score puts an evaluation into words from red's point of view.
func Score(s models.Score) string {
	switch s.Kind {
	case models.ScoreMate:
		return fmt.Sprintf("mate in %d", s.MateIn)
	case models.ScorePawns:
		switch {
		case s.Pawns > 0:
			return fmt.Sprintf("red ahead +%.2f", s.Pawns)
		case s.Pawns < 0:
			return fmt.Sprintf("black ahead %.2f", s.Pawns)
		default:
			return "level"
		}
	default:
		return "unknown"
	}
}

// Text is the full report for one analysis.
func Text(a models.Analysis, inverted bool) string {
	var sb strings.Builder
	sb.WriteString(rule + "\nXiangqi analysis\n" + rule + "\n")
	fmt.Fprintf(&sb, "detect time:  %.3fs\n", a.DetectTime.Seconds())
	fmt.Fprintf(&sb, "quality:      %.3f\n", a.Quality)
	fmt.Fprintf(&sb, "color check:  %.2f (%d flipped)\n", a.ColorConfidence, len(a.Flips))
	fmt.Fprintf(&sb, "position:     %s\n", a.Position)
	for _, w := range a.Warnings {
		fmt.Fprintf(&sb, "warning:      %s\n", w)
	}
	sb.WriteByte('\n')
	sb.WriteString(Board(a.Layout, inverted))

	sb.WriteString(rule + "\n")
	switch {
	case !a.OK():
		fmt.Fprintf(&sb, "no move: %s\n", a.Error)
	case a.BestMove == "":
		sb.WriteString("no legal move\n")
	default:
		fmt.Fprintf(&sb, "best move:    %s\n", Move(a.BestMove))
		fmt.Fprintf(&sb, "evaluation:   %s\n", Score(a.Score))
	}
	if a.Degraded {
		fmt.Fprintf(&sb, "engine degraded: depth %d, think time %s\n", a.Depth, a.ThinkTime)
	}
	sb.WriteString(rule + "\n")
	return sb.String()
}

// LayoutDiff returns a unified diff between the detected and the corrected
// layout, empty when they are equal.
func LayoutDiff(detected, corrected models.Layout) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(detected.String() + "\n"),
		B:        difflib.SplitLines(corrected.String() + "\n"),
		FromFile: "detected",
		ToFile:   "corrected",
		Context:  1,
	}

	result, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("(diff error: %v)", err)
	}
	return result
}
