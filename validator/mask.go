package validator

import (
	"image"
	"math"
)

// Mask is a binary image, true where a pixel is red.
type Mask struct {
	W, H int
	Pix  []bool
}

func newMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Pix: make([]bool, w*h)}
}

func (m *Mask) At(x, y int) bool {
	return m.Pix[y*m.W+x]
}

func (m *Mask) Set(x, y int, v bool) {
	m.Pix[y*m.W+x] = v
}

// Count returns the number of marked pixels in r, clipped to the mask.
func (m *Mask) Count(r image.Rectangle) int {
	r = r.Intersect(image.Rect(0, 0, m.W, m.H))
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := m.Pix[y*m.W : (y+1)*m.W]
		for x := r.Min.X; x < r.Max.X; x++ {
			if row[x] {
				n++
			}
		}
	}
	return n
}

// HSV converts an 8-bit RGB triple the way OpenCV does for 8-bit images:
// hue halved into [0,180), saturation and value in [0,255].
func HSV(r, g, b uint8) (h, s, v uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	maxc := math.Max(rf, math.Max(gf, bf))
	minc := math.Min(rf, math.Min(gf, bf))
	diff := maxc - minc

	v = r
	if g > v {
		v = g
	}
	if b > v {
		v = b
	}
	if maxc == 0 {
		return 0, 0, v
	}
	s = uint8(math.Round(255 * diff / maxc))
	if diff == 0 {
		return 0, s, v
	}

	var hue float64
	switch maxc {
	case rf:
		hue = 60 * (gf - bf) / diff
	case gf:
		hue = 120 + 60*(bf-rf)/diff
	default:
		hue = 240 + 60*(rf-gf)/diff
	}
	if hue < 0 {
		hue += 360
	}
	h = uint8(math.Round(hue / 2))
	if h >= 180 {
		h -= 180
	}
	return h, s, v
}

// hueBand is an inclusive HSV range.
type hueBand struct {
	lo, hi [3]uint8
}

func (b hueBand) contains(h, s, v uint8) bool {
	return h >= b.lo[0] && h <= b.hi[0] &&
		s >= b.lo[1] && s <= b.hi[1] &&
		v >= b.lo[2] && v <= b.hi[2]
}

// Red wraps around hue zero, so both ends of the hue circle are tested.
var redBands = []hueBand{
	{lo: [3]uint8{0, 50, 50}, hi: [3]uint8{10, 255, 255}},
	{lo: [3]uint8{160, 50, 50}, hi: [3]uint8{180, 255, 255}},
}

// RedMask marks red pixels of img and removes isolated specks with a 3x3
// morphological opening.
func RedMask(img image.Image) *Mask {
	bounds := img.Bounds()
	m := newMask(bounds.Dx(), bounds.Dy())
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			h, s, v := HSV(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			for _, band := range redBands {
				if band.contains(h, s, v) {
					m.Set(x, y, true)
					break
				}
			}
		}
	}
	return open3(m)
}

// open3 is erosion followed by dilation with a 3x3 square. Neighbours
// outside the image do not take part.
func open3(m *Mask) *Mask {
	return morph(morph(m, true), false)
}

func morph(m *Mask, erode bool) *Mask {
	out := newMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			v := erode
			for dy := -1; dy <= 1 && v == erode; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= m.W || ny >= m.H {
						continue
					}
					if m.At(nx, ny) != erode {
						v = !erode
						break
					}
				}
			}
			out.Set(x, y, v)
		}
	}
	return out
}
