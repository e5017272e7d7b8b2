package enginetest

import (
	"image"
	"image/color"
	"math"

	"github.com/banshee-data/gazemap/internal/geom"
)

// Sizes of the reference texture and the world canvas used by WarpCases.
var (
	WarpReference = image.Pt(120, 90)
	WarpCanvas    = image.Pt(240, 180)
)

// WarpCase places the reference on the canvas through H.
type WarpCase struct {
	Name string
	H    geom.Homography
}

// about returns T(c) * m * T(-refCentre), so m acts around the reference
// centre and the result lands at c.
func about(m geom.Homography, c geom.Point) geom.Homography {
	cx := float64(WarpReference.X-1) / 2
	cy := float64(WarpReference.Y-1) / 2
	return geom.Translation(c.X, c.Y).Mul(m).Mul(geom.Translation(-cx, -cy))
}

func rotScale(deg, s float64) geom.Homography {
	sin, cos := math.Sincos(deg * math.Pi / 180)
	return geom.Homography{s * cos, -s * sin, 0, s * sin, s * cos, 0, 0, 0, 1}
}

// WarpCases returns the non-affine and similarity placements every engine
// is expected to recover.
func WarpCases() []WarpCase {
	centre := geom.Point{X: 120, Y: 90}
	sin, cos := math.Sincos(3 * math.Pi / 180)
	return []WarpCase{
		{"translation", geom.Translation(61, 47)},
		{"rotation 15", about(rotScale(15, 1), centre)},
		{"scale 1.2", about(rotScale(0, 1.2), centre)},
		{"scale 0.83", about(rotScale(0, 1/1.2), centre)},
		{"perspective", geom.Translation(58, 42).Mul(geom.Homography{cos, -sin, 0, sin, cos, 0, 0.0008, 0.0002, 1})},
	}
}

const renderSamples = 4

// Render draws ref onto a bg canvas of the given size through h, averaging a
// 4x4 grid of nearest-neighbour samples per output pixel.
func Render(ref image.Image, h geom.Homography, size image.Point, bg color.RGBA) (*image.RGBA, error) {
	inv, err := h.Inverse()
	if err != nil {
		return nil, err
	}
	src := geom.ToRGBA(ref)
	sb := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			var acc [4]int
			for j := 0; j < renderSamples; j++ {
				for i := 0; i < renderSamples; i++ {
					p := geom.Point{
						X: float64(x) + (float64(i)+0.5)/renderSamples - 0.5,
						Y: float64(y) + (float64(j)+0.5)/renderSamples - 0.5,
					}
					c := bg
					if q, ok := inv.Apply(p); ok {
						sx, sy := int(math.Round(q.X)), int(math.Round(q.Y))
						if image.Pt(sx, sy).In(sb) {
							c = src.RGBAAt(sx, sy)
						}
					}
					acc[0] += int(c.R)
					acc[1] += int(c.G)
					acc[2] += int(c.B)
					acc[3] += int(c.A)
				}
			}
			n := renderSamples * renderSamples
			out.SetRGBA(x, y, color.RGBA{
				R: uint8((acc[0] + n/2) / n),
				G: uint8((acc[1] + n/2) / n),
				B: uint8((acc[2] + n/2) / n),
				A: uint8((acc[3] + n/2) / n),
			})
		}
	}
	return out, nil
}

// CornerError is the largest distance between the images of the reference
// corners under got and want.
func CornerError(got, want geom.Homography, size image.Point) float64 {
	w, h := float64(size.X-1), float64(size.Y-1)
	worst := 0.0
	for _, c := range []geom.Point{{X: 0, Y: 0}, {X: w, Y: 0}, {X: 0, Y: h}, {X: w, Y: h}} {
		a, okA := got.Apply(c)
		b, okB := want.Apply(c)
		if !okA || !okB {
			return math.Inf(1)
		}
		if d := math.Hypot(a.X-b.X, a.Y-b.Y); d > worst || math.IsNaN(d) {
			worst = d
		}
	}
	return worst
}
