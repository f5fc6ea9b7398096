// Package coords holds the page-space geometry used when cropping and
// rescaling pages.
package coords

import (
	"strconv"
	"strings"
)

// Matrix is a PDF transformation matrix [a b c d e f].
type Matrix [6]float64

func Scale(sx, sy float64) Matrix { return Matrix{sx, 0, 0, sy, 0, 0} }

// Operator renders m as a cm operator line, e.g. "1.124 0 0 1.124 0 0 cm".
func (m Matrix) Operator() string {
	parts := make([]string, 0, 7)
	for _, v := range m {
		parts = append(parts, strconv.FormatFloat(v, 'f', -1, 64))
	}
	return strings.Join(append(parts, "cm"), " ")
}

// Rect is a page boundary [llx lly urx ury].
type Rect struct {
	LLX, LLY, URX, URY float64
}

func RectFrom(v [4]float64) Rect {
	return Rect{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}
}

// Width and Height measure from the origin corner, not from zero.
func (r Rect) Width() float64  { return r.URX - r.LLX }
func (r Rect) Height() float64 { return r.URY - r.LLY }

// Fraction returns the rectangle spanning the given fractions of r's
// extent, offset by r's origin.
func (r Rect) Fraction(x0, y0, x1, y1 float64) Rect {
	w, h := r.Width(), r.Height()
	return Rect{
		LLX: x0*w + r.LLX,
		LLY: y0*h + r.LLY,
		URX: x1*w + r.LLX,
		URY: y1*h + r.LLY,
	}
}

// Trimmed is [0 0 w h]: r's extent anchored at the page origin.
func (r Rect) Trimmed() Rect { return Rect{URX: r.Width(), URY: r.Height()} }
