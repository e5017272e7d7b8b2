// Package geom maps points and images between the world camera frame and the
// reference stimulus through planar homographies.
package geom

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a homography cannot be inverted or fitted.
var ErrSingular = errors.New("geom: singular homography")

// maxCondition is the largest condition number accepted when inverting.
const maxCondition = 1e12

// Point is a sub-pixel 2D coordinate.
type Point struct {
	X, Y float64
}

// Homography is a 3x3 projective transform stored row-major.
type Homography [9]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation returns a transform shifting points by (dx, dy).
func Translation(dx, dy float64) Homography {
	return Homography{1, 0, dx, 0, 1, dy, 0, 0, 1}
}

// Apply projects p through h without rounding. ok is false when the point
// maps to infinity.
func (h Homography) Apply(p Point) (q Point, ok bool) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if w == 0 || math.IsNaN(w) {
		return Point{}, false
	}
	q.X = (h[0]*p.X + h[1]*p.Y + h[2]) / w
	q.Y = (h[3]*p.X + h[4]*p.Y + h[5]) / w
	return q, true
}

// MapPoint projects p through h and rounds to the nearest integer pixel,
// ties to even. ok is false when the result is not a finite point.
func MapPoint(p Point, h Homography) (image.Point, bool) {
	q, ok := h.Apply(p)
	if !ok || !finite(q.X) || !finite(q.Y) {
		return image.Point{}, false
	}
	return image.Point{X: int(math.RoundToEven(q.X)), Y: int(math.RoundToEven(q.Y))}, true
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// IsFinite reports whether every entry is a finite number.
func (h Homography) IsFinite() bool {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Inverse returns the inverse transform, normalised so the last entry is 1
// where possible.
func (h Homography) Inverse() (Homography, error) {
	if !h.IsFinite() {
		return Homography{}, fmt.Errorf("%w: non-finite entries", ErrSingular)
	}
	m := mat.NewDense(3, 3, append([]float64(nil), h[:]...))
	if c := mat.Cond(m, 2); math.IsNaN(c) || math.IsInf(c, 1) || c > maxCondition {
		return Homography{}, fmt.Errorf("%w: condition number %g", ErrSingular, c)
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	out = out.normalized()
	if !out.IsFinite() {
		return Homography{}, fmt.Errorf("%w: non-finite inverse", ErrSingular)
	}
	return out, nil
}

// Mul returns h * o, the transform applying o first and then h.
func (h Homography) Mul(o Homography) Homography {
	a := mat.NewDense(3, 3, append([]float64(nil), h[:]...))
	b := mat.NewDense(3, 3, append([]float64(nil), o[:]...))
	var p mat.Dense
	p.Mul(a, b)
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = p.At(r, c)
		}
	}
	return out
}

func (h Homography) normalized() Homography {
	if math.Abs(h[8]) < 1e-12 {
		return h
	}
	s := 1 / h[8]
	for i := range h {
		h[i] *= s
	}
	return h
}

// FitHomography estimates the transform mapping src onto dst with the
// normalised direct linear transform. At least four correspondences are
// required.
func FitHomography(src, dst []Point) (Homography, error) {
	if len(src) != len(dst) {
		return Homography{}, fmt.Errorf("geom: %d source points but %d destination points", len(src), len(dst))
	}
	n := len(src)
	if n < 4 {
		return Homography{}, fmt.Errorf("%w: need 4 correspondences, got %d", ErrSingular, n)
	}

	ts, okS := normalizer(src)
	td, okD := normalizer(dst)
	if !okS || !okD {
		return Homography{}, fmt.Errorf("%w: coincident points", ErrSingular)
	}

	rows := 2 * n
	if rows < 9 {
		rows = 9 // pad so the full SVD always yields a 9x9 V
	}
	a := mat.NewDense(rows, 9, nil)
	for i := 0; i < n; i++ {
		p, _ := ts.Apply(src[i])
		q, _ := td.Apply(dst[i])
		a.SetRow(2*i, []float64{-p.X, -p.Y, -1, 0, 0, 0, q.X * p.X, q.X * p.Y, q.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -p.X, -p.Y, -1, q.Y * p.X, q.Y * p.Y, q.Y})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Homography{}, fmt.Errorf("%w: SVD did not converge", ErrSingular)
	}
	var v mat.Dense
	svd.VTo(&v)

	var hn Homography
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}

	tdInv, err := td.Inverse()
	if err != nil {
		return Homography{}, err
	}
	h := tdInv.Mul(hn).Mul(ts)
	if math.Abs(h[8]) < 1e-12 || !h.IsFinite() {
		return Homography{}, fmt.Errorf("%w: degenerate fit", ErrSingular)
	}
	return h.normalized(), nil
}

// normalizer returns the similarity moving the centroid of pts to the origin
// with mean distance sqrt(2).
func normalizer(pts []Point) (Homography, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= float64(len(pts))
	if mean < 1e-12 {
		return Homography{}, false
	}
	s := math.Sqrt2 / mean
	return Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}, true
}

// ReprojectionError returns the distance between h(src) and dst, or +Inf when
// src maps to infinity.
func ReprojectionError(h Homography, src, dst Point) float64 {
	q, ok := h.Apply(src)
	if !ok {
		return math.Inf(1)
	}
	return math.Hypot(q.X-dst.X, q.Y-dst.Y)
}
