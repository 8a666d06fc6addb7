package calibration

import (
	"image"
	"image/color"
)

// Red is the color of the calibration rectangle drawn by the overlay.
var Red = color.NRGBA{R: 255, G: 0, B: 0, A: 255}

// DefaultTolerance is the accepted sum of absolute channel differences.
const DefaultTolerance = 50

type matcher struct {
	img       *image.NRGBA
	target    color.NRGBA
	tolerance int
}

func (m matcher) match(x, y int) bool {
	p := m.img.Pix[m.img.PixOffset(x, y):]
	distance := absDiff(p[0], m.target.R) +
		absDiff(p[1], m.target.G) +
		absDiff(p[2], m.target.B) +
		absDiff(p[3], m.target.A)
	return distance < m.tolerance
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// FindRectangle returns the top left corner of the first rectangle of
// exactly width x height pixels of the target color. Candidates are seeded
// on a grid spaced by the rectangle size, so any such rectangle contains at
// least one seed, and the grid is scanned row by row.
func FindRectangle(img *image.NRGBA, target color.NRGBA, width, height, tolerance int) (image.Point, bool) {
	if width <= 0 || height <= 0 {
		return image.Point{}, false
	}
	m := matcher{img: img, target: target, tolerance: tolerance}
	b := img.Bounds()
	for y := b.Min.Y + height - 1; y < b.Max.Y; y += height {
		for x := b.Min.X + width - 1; x < b.Max.X; x += width {
			if r, ok := m.rectangleAt(x, y, width, height); ok {
				return r.Min.Sub(b.Min), true
			}
		}
	}
	return image.Point{}, false
}

// rectangleAt grows a rectangle from the seed independently in the four
// directions and checks it.
func (m matcher) rectangleAt(x, y, width, height int) (image.Rectangle, bool) {
	if !m.match(x, y) {
		return image.Rectangle{}, false
	}
	b := m.img.Bounds()

	minX, maxX := x, x
	for minX-1 >= b.Min.X && m.match(minX-1, y) {
		minX--
	}
	for maxX+1 < b.Max.X && m.match(maxX+1, y) {
		maxX++
	}
	minY, maxY := y, y
	for minY-1 >= b.Min.Y && m.match(x, minY-1) {
		minY--
	}
	for maxY+1 < b.Max.Y && m.match(x, maxY+1) {
		maxY++
	}

	r := image.Rect(minX, minY, maxX+1, maxY+1)
	if r.Dx() != width || r.Dy() != height {
		return image.Rectangle{}, false
	}
	for py := r.Min.Y; py < r.Max.Y; py++ {
		for px := r.Min.X; px < r.Max.X; px++ {
			if !m.match(px, py) {
				return image.Rectangle{}, false
			}
		}
	}
	return r, true
}
