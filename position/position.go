// Package position converts detected layouts to and from the engine's
// position notation.
//
// A detected layout lists rows from the far side of the board; the engine
// expects them in the opposite order, so every conversion reverses rows.
package position

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacokyle01/xiangqi-analyzer/models"
)

// StartFEN is the standard starting position with red to move.
const StartFEN = "rnbakabnr/9/1c5c1/p1p1p1p1p/9/9/P1P1P1P1P/1C5C1/9/RNBAKABNR w - - 0 1"

const rowSep = "/"

// Invert swaps the side of every piece.
func Invert(l models.Layout) models.Layout {
	for i := range l {
		for j := range l[i] {
			l[i][j] = l[i][j].Flip()
		}
	}
	return l
}

// Encode renders the placement field of a position string. When inverted is
// set the layout's side labels are swapped first. Obstructed cells count as
// empty.
func Encode(l models.Layout, inverted bool) string {
	if inverted {
		l = Invert(l)
	}

	rows := make([]string, 0, models.Rows)
	for i := models.Rows - 1; i >= 0; i-- {
		rows = append(rows, encodeRow(l[i]))
	}
	return strings.Join(rows, rowSep)
}

func encodeRow(row [models.Cols]models.Piece) string {
	var sb strings.Builder
	empty := 0
	for _, p := range row {
		if !p.IsPiece() {
			empty++
			continue
		}
		if empty > 0 {
			sb.WriteString(strconv.Itoa(empty))
			empty = 0
		}
		sb.WriteByte(byte(p))
	}
	if empty > 0 {
		sb.WriteString(strconv.Itoa(empty))
	}
	return sb.String()
}

// Decode is the inverse of Encode. It accepts a bare placement or a full
// position string, ignoring everything after the first space.
func Decode(placement string, inverted bool) (models.Layout, error) {
	placement, _, _ = strings.Cut(strings.TrimSpace(placement), " ")

	rows := strings.Split(placement, rowSep)
	if len(rows) != models.Rows {
		return models.Layout{}, fmt.Errorf("position: %d rows, want %d", len(rows), models.Rows)
	}

	l := models.EmptyLayout()
	for k, row := range rows {
		i := models.Rows - 1 - k
		j := 0
		for _, c := range row {
			if c >= '1' && c <= '9' {
				j += int(c - '0')
				continue
			}
			p := models.Piece(c)
			if !p.IsPiece() {
				return models.Layout{}, fmt.Errorf("position: row %d: unknown symbol %q", k, c)
			}
			if j >= models.Cols {
				return models.Layout{}, fmt.Errorf("position: row %d overflows", k)
			}
			l[i][j] = p
			j++
		}
		if j != models.Cols {
			return models.Layout{}, fmt.Errorf("position: row %d has %d cells, want %d", k, j, models.Cols)
		}
	}

	if inverted {
		l = Invert(l)
	}
	return l, nil
}

// SideToMove infers whose turn it is from an encoded placement. A red king
// in the first five rows means the viewer is playing red; otherwise black
// is assumed. Only that half is inspected.
func SideToMove(placement string) models.Side {
	rows := strings.Split(placement, rowSep)
	if len(rows) > models.Rows/2 {
		rows = rows[:models.Rows/2]
	}
	for _, row := range rows {
		if strings.ContainsRune(row, rune(models.King)) {
			return models.Red
		}
	}
	return models.Black
}

// FEN completes a placement with the side to move and empty counters.
func FEN(placement string, side models.Side) string {
	return fmt.Sprintf("%s %s - - 0 1", placement, side.FENChar())
}

// StartingLayout is the standard arrangement as an inverted detector reports
// it: black symbols on row 0, which encode to red at the engine's bottom.
func StartingLayout() models.Layout {
	l, err := Decode(StartFEN, true)
	if err != nil {
		panic(err)
	}
	return l
}
