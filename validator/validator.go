// Package validator cross-checks the side the detector assigned to each piece
// against the amount of red actually present in that cell of the board image.
package validator

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/jacokyle01/xiangqi-analyzer/models"
)

// Thresholds tune the per-cell color check.
type Thresholds struct {
	// Margin is the fraction stripped from each side of a cell to get its
	// centre window.
	Margin float64

	RedCenterMax   float64 // red piece: centre must be below this to be suspect
	RedEdgeHome    float64 // red piece: edge bleed required on home rows
	RedEdgeField   float64 // red piece: edge bleed required elsewhere
	BlackCenterMin float64 // black piece: centre red above this is suspect
	TrustedScore   float64 // black piece on a home row above this score is kept

	Penalty        float64 // confidence multiplier for flipped cells
	FlippedOverall float64 // pass summary when anything was flipped
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Margin:         0.25,
		RedCenterMax:   0.02,
		RedEdgeHome:    0.10,
		RedEdgeField:   0.05,
		BlackCenterMin: 0.08,
		TrustedScore:   0.7,
		Penalty:        0.6,
		FlippedOverall: 0.8,
	}
}

// Report is the outcome of one correction pass.
type Report struct {
	Layout     models.Layout
	Confidence models.ConfidenceGrid
	Flips      []models.FlipDecision
	// Overall is 1 when nothing was flipped.
	Overall float64
}

type Validator struct {
	Thresholds Thresholds
	log        *slog.Logger
}

func New(th Thresholds, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{Thresholds: th, log: log}
}

// IsHomeRow reports whether row is one of the two rows nearest either edge.
func IsHomeRow(row int) bool {
	return row <= 1 || row >= models.Rows-2
}

// Correct flags cells whose color disagrees with their assigned side and
// returns the layout with those cells flipped. Cells that are not flagged are
// copied through untouched. A nil board skips the check.
func (v *Validator) Correct(board image.Image, layout models.Layout, conf models.ConfidenceGrid) Report {
	rep := Report{Layout: layout, Confidence: conf, Overall: 1}
	if board == nil {
		return rep
	}

	th := v.Thresholds
	mask := RedMask(board)

	for i := 0; i < models.Rows; i++ {
		for j := 0; j < models.Cols; j++ {
			piece := layout[i][j]
			side, ok := piece.Side()
			if !ok {
				continue
			}

			center, edge := CellRatios(mask, i, j, th.Margin)
			v.log.Debug("cell color", "row", i, "col", j, "piece", piece.Name(), "center", center, "edge", edge)

			var reason string
			switch side {
			case models.Red:
				edgeMin := th.RedEdgeField
				if IsHomeRow(i) {
					edgeMin = th.RedEdgeHome
				}
				if center < th.RedCenterMax && edge > edgeMin {
					reason = fmt.Sprintf("red bleed from neighbours (row %d): center %.1f%% edge %.1f%%", i, center*100, edge*100)
				}
			case models.Black:
				if center > th.BlackCenterMin && !(IsHomeRow(i) && conf[i][j] > th.TrustedScore) {
					reason = fmt.Sprintf("red centre on black piece: center %.1f%%", center*100)
				}
			}
			if reason == "" {
				continue
			}

			flip := models.FlipDecision{
				Row:     i,
				Col:     j,
				From:    piece,
				To:      piece.Flip(),
				Reason:  reason,
				Penalty: th.Penalty,
			}
			rep.Flips = append(rep.Flips, flip)
			rep.Layout[i][j] = flip.To
			rep.Confidence[i][j] = conf[i][j] * th.Penalty
		}
	}

	if len(rep.Flips) > 0 {
		rep.Overall = th.FlippedOverall
		v.log.Info("color mismatches detected", "count", len(rep.Flips))
		for _, f := range rep.Flips {
			v.log.Info("flip", "decision", f.String())
		}
	}
	return rep
}

// CellRatios measures the red fraction of the centre window of cell (row,
// col) and of the ring around it. Cells are H/10 by W/9 pixels.
func CellRatios(mask *Mask, row, col int, margin float64) (center, edge float64) {
	cellH, cellW := mask.H/models.Rows, mask.W/models.Cols
	if cellH == 0 || cellW == 0 {
		return 0, 0
	}

	y0, x0 := row*cellH, col*cellW
	cell := image.Rect(x0, y0, x0+cellW, y0+cellH)

	cy1, cy2 := int(float64(cellH)*margin), int(float64(cellH)*(1-margin))
	cx1, cx2 := int(float64(cellW)*margin), int(float64(cellW)*(1-margin))
	inner := image.Rect(x0+cx1, y0+cy1, x0+cx2, y0+cy2)

	centerPx := inner.Dx() * inner.Dy()
	edgePx := cellW*cellH - centerPx

	centerRed := mask.Count(inner)
	totalRed := mask.Count(cell)

	if centerPx > 0 {
		center = float64(centerRed) / float64(centerPx)
	}
	if edgePx > 0 {
		edge = float64(totalRed-centerRed) / float64(edgePx)
	}
	return center, edge
}
