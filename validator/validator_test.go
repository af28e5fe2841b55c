package validator

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacokyle01/xiangqi-analyzer/models"
)

const cellPx = 100

var red = image.NewUniform(color.RGBA{R: 255, A: 255})

// newBoard returns a black board with 100x100 pixel cells.
func newBoard() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, models.Cols*cellPx, models.Rows*cellPx))
}

// paint fills r, given relative to cell (row, col), with c.
func paint(img *image.RGBA, row, col int, r image.Rectangle, c image.Image) {
	off := image.Pt(col*cellPx, row*cellPx)
	draw.Draw(img, r.Add(off), c, image.Point{}, draw.Src)
}

// paintRing marks the cell's outer ring red with 10% of the ring left clear,
// so the edge ratio is exactly 0.9 and the centre ratio 0.
func paintRing(img *image.RGBA, row, col int) {
	black := image.NewUniform(color.Black)
	paint(img, row, col, image.Rect(0, 0, cellPx, cellPx), red)
	paint(img, row, col, image.Rect(25, 25, 75, 75), black)
	paint(img, row, col, image.Rect(0, 0, 75, 10), black)
}

func newValidator() *Validator {
	return New(DefaultThresholds(), nil)
}

func TestHSV(t *testing.T) {
	tests := []struct {
		r, g, b uint8
		h, s, v uint8
	}{
		{255, 0, 0, 0, 255, 255},
		{0, 255, 0, 60, 255, 255},
		{0, 0, 255, 120, 255, 255},
		{255, 0, 128, 165, 255, 255},
		{128, 128, 128, 0, 0, 128},
		{0, 0, 0, 0, 0, 0},
	}
	for _, tt := range tests {
		h, s, v := HSV(tt.r, tt.g, tt.b)
		assert.Equal(t, []uint8{tt.h, tt.s, tt.v}, []uint8{h, s, v}, "rgb(%d,%d,%d)", tt.r, tt.g, tt.b)
	}
}

func TestRedMask_BothHueBands(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	draw.Draw(img, image.Rect(0, 0, 10, 10), red, image.Point{}, draw.Src)
	magenta := image.NewUniform(color.RGBA{R: 255, B: 128, A: 255})
	draw.Draw(img, image.Rect(10, 0, 20, 10), magenta, image.Point{}, draw.Src)

	m := RedMask(img)
	assert.Equal(t, 200, m.Count(image.Rect(0, 0, 20, 10)))
}

func TestRedMask_OpeningRemovesSpecks(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	img.Set(2, 2, color.RGBA{R: 255, A: 255})
	draw.Draw(img, image.Rect(10, 10, 15, 15), red, image.Point{}, draw.Src)

	m := RedMask(img)
	assert.False(t, m.At(2, 2))
	assert.Equal(t, 25, m.Count(image.Rect(0, 0, 20, 20)))
}

func TestCellRatios(t *testing.T) {
	img := newBoard()
	paintRing(img, 4, 4)

	center, edge := CellRatios(RedMask(img), 4, 4, 0.25)
	assert.Equal(t, 0.0, center)
	assert.InDelta(t, 0.9, edge, 1e-9)

	center, edge = CellRatios(RedMask(img), 4, 5, 0.25)
	assert.Zero(t, center)
	assert.Zero(t, edge)
}

func TestCorrect_NoRedAnywhere(t *testing.T) {
	layout := models.EmptyLayout()
	layout[0][4] = models.King
	layout[4][4] = models.Cannon
	layout[9][4] = 'k'
	layout[5][0] = 'p'
	conf := models.UniformConfidence(0.9)

	rep := newValidator().Correct(newBoard(), layout, conf)
	assert.Empty(t, rep.Flips)
	assert.Equal(t, layout, rep.Layout)
	assert.Equal(t, conf, rep.Confidence)
	assert.Equal(t, 1.0, rep.Overall)
}

func TestCorrect_NilBoard(t *testing.T) {
	layout := models.EmptyLayout()
	layout[4][4] = models.Cannon

	rep := newValidator().Correct(nil, layout, models.UniformConfidence(0.9))
	assert.Empty(t, rep.Flips)
	assert.Equal(t, layout, rep.Layout)
}

func TestCorrect_RedPieceWithBleed(t *testing.T) {
	img := newBoard()
	paintRing(img, 4, 4)

	layout := models.EmptyLayout()
	layout[4][4] = models.Cannon
	conf := models.UniformConfidence(0.9)

	rep := newValidator().Correct(img, layout, conf)
	require.Len(t, rep.Flips, 1)

	flip := rep.Flips[0]
	assert.Equal(t, 4, flip.Row)
	assert.Equal(t, 4, flip.Col)
	assert.Equal(t, models.Cannon, flip.From)
	assert.Equal(t, models.Piece('c'), flip.To)
	assert.Equal(t, 0.6, flip.Penalty)
	assert.NotEmpty(t, flip.Reason)

	assert.Equal(t, models.Piece('c'), rep.Layout[4][4])
	assert.InDelta(t, 0.54, rep.Confidence[4][4], 1e-9)
	assert.Equal(t, 0.8, rep.Overall)

	// Everything else is copied through.
	rep.Layout[4][4] = layout[4][4]
	rep.Confidence[4][4] = conf[4][4]
	assert.Equal(t, layout, rep.Layout)
	assert.Equal(t, conf, rep.Confidence)
}

func TestCorrect_HomeRowNeedsMoreBleed(t *testing.T) {
	img := newBoard()
	band := image.Rect(0, 0, cellPx, 6) // 600 of 7500 ring pixels
	paint(img, 0, 4, band, red)
	paint(img, 4, 4, band, red)

	layout := models.EmptyLayout()
	layout[0][4] = models.King
	layout[4][4] = models.Soldier

	rep := newValidator().Correct(img, layout, models.UniformConfidence(0.9))
	require.Len(t, rep.Flips, 1)
	assert.Equal(t, 4, rep.Flips[0].Row)
	assert.Equal(t, models.King, rep.Layout[0][4])
}

func TestCorrect_BlackPieceWithRedCentre(t *testing.T) {
	img := newBoard()
	full := image.Rect(0, 0, cellPx, cellPx)
	paint(img, 4, 2, full, red)
	paint(img, 9, 2, full, red)
	paint(img, 9, 6, full, red)

	layout := models.EmptyLayout()
	layout[4][2] = 'p'
	layout[9][2] = 'r'
	layout[9][6] = 'n'
	conf := models.UniformConfidence(0.9)
	conf[9][6] = 0.5

	rep := newValidator().Correct(img, layout, conf)
	require.Len(t, rep.Flips, 2)

	assert.Equal(t, models.Soldier, rep.Layout[4][2])
	assert.Equal(t, models.Piece('r'), rep.Layout[9][2], "confident home-row piece is trusted")
	assert.Equal(t, models.Horse, rep.Layout[9][6])
	assert.InDelta(t, 0.3, rep.Confidence[9][6], 1e-9)
}

func TestCorrect_SkipsEmptyAndObstructed(t *testing.T) {
	img := newBoard()
	draw.Draw(img, img.Bounds(), red, image.Point{}, draw.Src)

	layout := models.EmptyLayout()
	layout[3][3] = models.Obstructed

	rep := newValidator().Correct(img, layout, models.UniformConfidence(0.9))
	assert.Empty(t, rep.Flips)
}
