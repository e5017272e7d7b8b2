// Package native is a pure-Go interest-point engine: Harris corners over a
// small image pyramid, oriented patch descriptors, brute-force
// k-nearest-neighbour matching and seeded RANSAC homography fitting.
//
// Each keypoint is oriented by the intensity centroid of its patch and
// described by a circular patch sampled along that orientation, so in-plane
// rotation is tolerated. The pyramid adds scale coverage of roughly
// ScaleFactor^(Levels-1) either way. Large viewpoint changes beyond that are
// better served by the gocv engine.
package native

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	xdraw "golang.org/x/image/draw"

	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/geom"
)

const (
	harrisK        = 0.04
	windowRadius   = 2
	relativeCutoff = 0.01

	// descriptor smoothing
	blurSigma  = 1.0
	blurRadius = 3
)

// Options configures an Engine.
type Options struct {
	MaxFeatures int
	PatchRadius int
	// Levels is the number of pyramid levels, each ScaleFactor smaller than
	// the previous one.
	Levels           int
	ScaleFactor      float64
	RansacIterations int
	Seed             int64
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		MaxFeatures:      1500,
		PatchRadius:      7,
		Levels:           3,
		ScaleFactor:      1.2,
		RansacIterations: 2000,
		Seed:             1,
	}
}

// Engine implements engine.Engine. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	opts Options
	disc []offset
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine with zero option fields replaced by defaults.
func New(opts Options) *Engine {
	d := DefaultOptions()
	if opts.MaxFeatures <= 0 {
		opts.MaxFeatures = d.MaxFeatures
	}
	if opts.PatchRadius <= 0 {
		opts.PatchRadius = d.PatchRadius
	}
	if opts.Levels <= 0 {
		opts.Levels = d.Levels
	}
	if opts.ScaleFactor <= 1 {
		opts.ScaleFactor = d.ScaleFactor
	}
	if opts.RansacIterations <= 0 {
		opts.RansacIterations = d.RansacIterations
	}
	return &Engine{opts: opts, disc: discOffsets(opts.PatchRadius)}
}

func (e *Engine) Name() string         { return "native" }
func (e *Engine) ConcurrentSafe() bool { return true }
func (e *Engine) Close() error         { return nil }

type offset struct{ u, v float64 }

// discOffsets lists the integer offsets within radius r in raster order.
func discOffsets(r int) []offset {
	var out []offset
	for v := -r; v <= r; v++ {
		for u := -r; u <= r; u++ {
			if u*u+v*v <= r*r {
				out = append(out, offset{float64(u), float64(v)})
			}
		}
	}
	return out
}

// margin keeps the rotated patch, its bilinear neighbours and the smoothing
// kernel inside the level image.
func (e *Engine) margin() int { return e.opts.PatchRadius + blurRadius + 2 }

type candidate struct {
	pt       geom.Point
	strength float64
	desc     []float32
}

// Detect finds Harris corners on every pyramid level and describes each with
// an oriented, zero-mean, unit-norm patch. Keypoints are reported in img
// coordinates, strongest first relative to their level's peak response.
func (e *Engine) Detect(img *image.Gray) (engine.Features, error) {
	if img == nil {
		return engine.Features{}, errors.New("native: nil image")
	}
	if img.Bounds().Min != (image.Point{}) {
		img = geom.Gray(img)
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	margin := e.margin()

	var cands []candidate
	for l := 0; l < e.opts.Levels; l++ {
		level, sx, sy := img, 1.0, 1.0
		if l > 0 {
			f := math.Pow(e.opts.ScaleFactor, float64(l))
			lw, lh := int(math.Round(float64(w)/f)), int(math.Round(float64(h)/f))
			if lw <= 2*margin || lh <= 2*margin {
				break
			}
			level = image.NewGray(image.Rect(0, 0, lw, lh))
			xdraw.BiLinear.Scale(level, level.Bounds(), img, img.Bounds(), xdraw.Src, nil)
			sx, sy = float64(w)/float64(lw), float64(h)/float64(lh)
		}
		cands = append(cands, e.detectLevel(level, sx, sy)...)
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].strength > cands[j].strength })
	if len(cands) > e.opts.MaxFeatures {
		cands = cands[:e.opts.MaxFeatures]
	}

	var f engine.Features
	for _, c := range cands {
		f.Keypoints = append(f.Keypoints, c.pt)
		f.Descriptors = append(f.Descriptors, c.desc)
	}
	return f, nil
}

// detectLevel returns the described corners of one level. sx and sy scale
// level pixel centres back to the base image.
func (e *Engine) detectLevel(level *image.Gray, sx, sy float64) []candidate {
	w, h := level.Bounds().Dx(), level.Bounds().Dy()
	margin := e.margin()
	if w <= 2*margin || h <= 2*margin {
		return nil
	}

	resp := harrisResponse(level)
	maxR := 0.0
	for _, r := range resp {
		if r > maxR {
			maxR = r
		}
	}
	if maxR <= 0 {
		return nil
	}
	cutoff := maxR * relativeCutoff
	smooth := gaussianBlur(level)

	var out []candidate
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			i := y*w + x
			r := resp[i]
			if r <= cutoff || !isPeak(resp, w, x, y) {
				continue
			}
			cx := float64(x) + peakOffset(resp[i-1], r, resp[i+1])
			cy := float64(y) + peakOffset(resp[i-w], r, resp[i+w])
			d, ok := e.describe(smooth, w, h, cx, cy)
			if !ok {
				continue
			}
			out = append(out, candidate{
				pt:       geom.Point{X: toBase(cx, sx), Y: toBase(cy, sy)},
				strength: r / maxR,
				desc:     d,
			})
		}
	}
	return out
}

// toBase maps a level coordinate to the base image with pixel centres at
// integer coordinates on both.
func toBase(v, s float64) float64 {
	if s == 1 {
		return v
	}
	return (v+0.5)*s - 0.5
}

// peakOffset fits a parabola through three samples around a maximum and
// returns the vertex offset in [-0.5, 0.5].
func peakOffset(prev, peak, next float64) float64 {
	den := prev - 2*peak + next
	if den >= 0 {
		return 0
	}
	off := (prev - next) / (2 * den)
	return math.Max(-0.5, math.Min(0.5, off))
}

// harrisResponse computes det(M) - k*trace(M)^2 over a box window of Sobel
// gradient products. Border pixels are zero.
func harrisResponse(img *image.Gray) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	px := func(x, y int) float64 {
		return float64(img.Pix[y*img.Stride+x])
	}

	n := w * h
	ixx := make([]float64, n)
	iyy := make([]float64, n)
	ixy := make([]float64, n)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := (px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1)) -
				(px(x-1, y-1) + 2*px(x-1, y) + px(x-1, y+1))
			gy := (px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1)) -
				(px(x-1, y-1) + 2*px(x, y-1) + px(x+1, y-1))
			i := y*w + x
			ixx[i] = gx * gx
			iyy[i] = gy * gy
			ixy[i] = gx * gy
		}
	}

	sxx := boxSum(ixx, w, h, windowRadius)
	syy := boxSum(iyy, w, h, windowRadius)
	sxy := boxSum(ixy, w, h, windowRadius)

	resp := make([]float64, n)
	for i := range resp {
		det := sxx[i]*syy[i] - sxy[i]*sxy[i]
		tr := sxx[i] + syy[i]
		resp[i] = det - harrisK*tr*tr
	}
	return resp
}

// boxSum returns the sum over a (2r+1) square window using an integral image.
// Windows are clipped at the border.
func boxSum(v []float64, w, h, r int) []float64 {
	ii := make([]float64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		row := 0.0
		for x := 0; x < w; x++ {
			row += v[y*w+x]
			ii[(y+1)*(w+1)+x+1] = ii[y*(w+1)+x+1] + row
		}
	}
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-r), min(h, y+r+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-r), min(w, x+r+1)
			out[y*w+x] = ii[y1*(w+1)+x1] - ii[y0*(w+1)+x1] - ii[y1*(w+1)+x0] + ii[y0*(w+1)+x0]
		}
	}
	return out
}

// isPeak reports a 3x3 local maximum. Plateaus resolve to the first pixel in
// raster order.
func isPeak(resp []float64, w, x, y int) bool {
	c := resp[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := resp[(y+dy)*w+x+dx]
			before := dy < 0 || (dy == 0 && dx < 0)
			if n > c || (before && n == c) {
				return false
			}
		}
	}
	return true
}

var blurKernel = gaussianKernel(blurSigma, blurRadius)

func gaussianKernel(sigma float64, r int) []float64 {
	k := make([]float64, 2*r+1)
	sum := 0.0
	for i := range k {
		d := float64(i - r)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// gaussianBlur smooths img with a separable kernel, clamping at the border.
func gaussianBlur(img *image.Gray) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x := 0; x < w; x++ {
			s := 0.0
			for i, k := range blurKernel {
				xx := min(max(x+i-blurRadius, 0), w-1)
				s += k * float64(row[xx])
			}
			tmp[y*w+x] = s
		}
	}
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := 0.0
			for i, k := range blurKernel {
				yy := min(max(y+i-blurRadius, 0), h-1)
				s += k * tmp[yy*w+x]
			}
			out[y*w+x] = s
		}
	}
	return out
}

func bilinear(v []float64, w, h int, x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix := min(max(int(x0), 0), w-2)
	iy := min(max(int(y0), 0), h-2)
	i := iy*w + ix
	top := v[i]*(1-fx) + v[i+1]*fx
	bot := v[i+w]*(1-fx) + v[i+w+1]*fx
	return top*(1-fy) + bot*fy
}

// describe orients the patch around (cx, cy) by its intensity centroid and
// samples the disc along that orientation. Flat patches report false.
func (e *Engine) describe(smooth []float64, w, h int, cx, cy float64) ([]float32, bool) {
	var m10, m01 float64
	for _, o := range e.disc {
		v := bilinear(smooth, w, h, cx+o.u, cy+o.v)
		m10 += o.u * v
		m01 += o.v * v
	}
	sin, cos := math.Sincos(math.Atan2(m01, m10))

	vals := make([]float64, len(e.disc))
	mean := 0.0
	for i, o := range e.disc {
		v := bilinear(smooth, w, h, cx+o.u*cos-o.v*sin, cy+o.u*sin+o.v*cos)
		vals[i] = v
		mean += v
	}
	mean /= float64(len(vals))
	norm := 0.0
	for i := range vals {
		vals[i] -= mean
		norm += vals[i] * vals[i]
	}
	norm = math.Sqrt(norm)
	if norm < 1e-6 {
		return nil, false
	}
	d := make([]float32, len(vals))
	for i, v := range vals {
		d[i] = float32(v / norm)
	}
	return d, true
}

// KnnMatch is an exhaustive L2 search. Equal distances keep the lower train
// index first.
func (e *Engine) KnnMatch(query, train [][]float32, k int) ([][]engine.Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("native: k must be positive, got %d", k)
	}
	out := make([][]engine.Match, len(query))
	for qi, q := range query {
		best := make([]engine.Match, 0, k+1)
		for ti, t := range train {
			if len(t) != len(q) {
				return nil, fmt.Errorf("native: descriptor length %d != %d", len(t), len(q))
			}
			d := l2(q, t)
			if len(best) == k && d >= best[k-1].Distance {
				continue
			}
			m := engine.Match{QueryIdx: qi, TrainIdx: ti, Distance: d}
			pos := sort.Search(len(best), func(i int) bool { return best[i].Distance > d })
			best = append(best, engine.Match{})
			copy(best[pos+1:], best[pos:])
			best[pos] = m
			if len(best) > k {
				best = best[:k]
			}
		}
		out[qi] = best
	}
	return out, nil
}

func l2(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return math.Sqrt(s)
}

// FindHomography runs RANSAC seeded from the engine options, so repeated calls
// on the same correspondences return the same transform.
func (e *Engine) FindHomography(src, dst []geom.Point, threshold float64) (geom.Homography, error) {
	est, err := geom.EstimateHomography(src, dst, geom.RansacParams{
		Threshold:  threshold,
		Iterations: e.opts.RansacIterations,
		Seed:       e.opts.Seed,
	})
	if err != nil {
		return geom.Homography{}, fmt.Errorf("%w: %v", engine.ErrNoHomography, err)
	}
	return est.H, nil
}
