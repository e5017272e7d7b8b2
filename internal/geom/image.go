package geom

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
)

// Gaze marker styles.
var (
	MarkerLastColor  = color.RGBA{R: 234, G: 52, B: 96, A: 255}
	MarkerOtherColor = color.RGBA{R: 86, G: 231, B: 168, A: 255}
)

const (
	MarkerLastRadius  = 12
	MarkerOtherRadius = 8
)

// ToRGBA returns img as a tightly packed *image.RGBA with bounds starting at
// the origin, copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) && rgba.Stride == 4*rgba.Bounds().Dx() {
		return rgba
	}
	return Clone(img)
}

// Clone returns a fresh RGBA copy of img with bounds starting at the origin.
func Clone(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Gray converts img to 8-bit luminance using color.GrayModel weights.
func Gray(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// luma matches color.GrayModel on 8-bit channels.
func luma(r, g, b uint8) uint8 {
	r16 := uint32(r) * 0x101
	g16 := uint32(g) * 0x101
	b16 := uint32(b) * 0x101
	return uint8((19595*r16 + 38470*g16 + 7471*b16 + 1<<15) >> 24)
}

// Warp renders src into a size-sized canvas through h (src coordinates to
// canvas coordinates). Every canvas pixel is inverse-mapped and sampled with
// nearest neighbour; pixels landing outside src stay transparent black.
func Warp(src image.Image, h Homography, size image.Point) (*image.RGBA, error) {
	inv, err := h.Inverse()
	if err != nil {
		return nil, fmt.Errorf("warp: %w", err)
	}
	s := ToRGBA(src)
	sw, sh := s.Bounds().Dx(), s.Bounds().Dy()
	out := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))

	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			q, ok := inv.Apply(Point{X: float64(x), Y: float64(y)})
			if !ok {
				continue
			}
			sx := int(math.Floor(q.X + 0.5))
			sy := int(math.Floor(q.Y + 0.5))
			if sx < 0 || sy < 0 || sx >= sw || sy >= sh {
				continue
			}
			si := s.PixOffset(sx, sy)
			di := out.PixOffset(x, y)
			copy(out.Pix[di:di+4], s.Pix[si:si+4])
		}
	}
	return out, nil
}

// Composite overlays fg onto a copy of base. A foreground pixel replaces the
// base pixel when it is fully opaque and its luminance exceeds threshold.
// Images must share dimensions.
func Composite(base, fg image.Image, threshold int) (*image.RGBA, error) {
	out := Clone(base)
	f := ToRGBA(fg)
	if out.Bounds().Size() != f.Bounds().Size() {
		return nil, fmt.Errorf("composite: base %v and foreground %v differ in size",
			out.Bounds().Size(), f.Bounds().Size())
	}
	for i := 0; i+3 < len(f.Pix); i += 4 {
		if f.Pix[i+3] != 0xff {
			continue
		}
		if int(luma(f.Pix[i], f.Pix[i+1], f.Pix[i+2])) <= threshold {
			continue
		}
		copy(out.Pix[i:i+4], f.Pix[i:i+4])
	}
	return out, nil
}

// DrawDisc fills a disc of the given radius centred on c, clipped to img.
func DrawDisc(img *image.RGBA, c image.Point, radius int, col color.RGBA) {
	b := img.Bounds()
	r2 := radius * radius
	for dy := -radius; dy <= radius; dy++ {
		y := c.Y + dy
		if y < b.Min.Y || y >= b.Max.Y {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			x := c.X + dx
			if x < b.Min.X || x >= b.Max.X || dx*dx+dy*dy > r2 {
				continue
			}
			img.SetRGBA(x, y, col)
		}
	}
}

// DrawMarkers draws one disc per point; the final point uses the "last"
// style.
func DrawMarkers(img *image.RGBA, pts []image.Point) {
	for i, p := range pts {
		if i == len(pts)-1 {
			DrawDisc(img, p, MarkerLastRadius, MarkerLastColor)
		} else {
			DrawDisc(img, p, MarkerOtherRadius, MarkerOtherColor)
		}
	}
}
