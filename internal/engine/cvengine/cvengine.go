//go:build withcv

// Package cvengine implements the interest-point engine on OpenCV through
// gocv: SIFT keypoints, brute-force L2 matching and RANSAC homography
// fitting. Build with -tags withcv and an OpenCV 4 installation.
package cvengine

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/geom"
)

const (
	ransacMaxIters   = 2000
	ransacConfidence = 0.995
)

// Engine implements engine.Engine. OpenCV detector and matcher objects are
// not reentrant, so every call takes the engine lock.
type Engine struct {
	mu      sync.Mutex
	sift    gocv.SIFT
	matcher gocv.BFMatcher
	closed  bool
}

var _ engine.Engine = (*Engine)(nil)

// New allocates the SIFT detector and matcher. Close releases them.
func New() *Engine {
	return &Engine{sift: gocv.NewSIFT(), matcher: gocv.NewBFMatcher()}
}

func (e *Engine) Name() string { return "gocv" }

// ConcurrentSafe is false; calls serialise on the engine lock.
func (e *Engine) ConcurrentSafe() bool { return false }

var errClosed = errors.New("cvengine: engine closed")

func (e *Engine) Detect(img *image.Gray) (engine.Features, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.Features{}, errClosed
	}

	m, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return engine.Features{}, fmt.Errorf("cvengine: %w", err)
	}
	defer m.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := e.sift.DetectAndCompute(m, mask)
	defer desc.Close()

	off := img.Rect.Min
	f := engine.Features{Keypoints: make([]geom.Point, len(kps))}
	for i, kp := range kps {
		f.Keypoints[i] = geom.Point{X: kp.X + float64(off.X), Y: kp.Y + float64(off.Y)}
	}
	if desc.Empty() {
		f.Keypoints = f.Keypoints[:0]
		return f, nil
	}
	f.Descriptors = make([][]float32, desc.Rows())
	for r := range f.Descriptors {
		row := make([]float32, desc.Cols())
		for c := range row {
			row[c] = desc.GetFloatAt(r, c)
		}
		f.Descriptors[r] = row
	}
	return f, nil
}

func descriptorMat(d [][]float32) (gocv.Mat, error) {
	if len(d) == 0 {
		return gocv.NewMat(), errors.New("cvengine: no descriptors")
	}
	m := gocv.NewMatWithSize(len(d), len(d[0]), gocv.MatTypeCV32F)
	for r, row := range d {
		if len(row) != len(d[0]) {
			m.Close()
			return gocv.NewMat(), fmt.Errorf("cvengine: descriptor %d has length %d, want %d", r, len(row), len(d[0]))
		}
		for c, v := range row {
			m.SetFloatAt(r, c, v)
		}
	}
	return m, nil
}

func (e *Engine) KnnMatch(query, train [][]float32, k int) ([][]engine.Match, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errClosed
	}

	q, err := descriptorMat(query)
	if err != nil {
		return nil, err
	}
	defer q.Close()
	t, err := descriptorMat(train)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	raw := e.matcher.KnnMatch(q, t, k)
	out := make([][]engine.Match, len(raw))
	for i, ms := range raw {
		out[i] = make([]engine.Match, len(ms))
		for j, m := range ms {
			out[i][j] = engine.Match{QueryIdx: m.QueryIdx, TrainIdx: m.TrainIdx, Distance: m.Distance}
		}
	}
	return out, nil
}

func pointMat(pts []geom.Point) gocv.Mat {
	v := make([]gocv.Point2f, len(pts))
	for i, p := range pts {
		v[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	pv := gocv.NewPoint2fVectorFromPoints(v)
	defer pv.Close()
	return gocv.NewMatFromPoint2fVector(pv, true)
}

func (e *Engine) FindHomography(src, dst []geom.Point, threshold float64) (geom.Homography, error) {
	if len(src) != len(dst) {
		return geom.Homography{}, fmt.Errorf("cvengine: %d source points, %d destination points", len(src), len(dst))
	}
	if len(src) < 4 {
		return geom.Homography{}, engine.ErrNoHomography
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return geom.Homography{}, errClosed
	}

	s := pointMat(src)
	defer s.Close()
	d := pointMat(dst)
	defer d.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	h := gocv.FindHomography(s, &d, gocv.HomograpyMethodRANSAC, threshold, &mask, ransacMaxIters, ransacConfidence)
	defer h.Close()
	if h.Empty() || h.Rows() != 3 || h.Cols() != 3 {
		return geom.Homography{}, engine.ErrNoHomography
	}
	var out geom.Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = h.GetDoubleAt(r, c)
		}
	}
	return out, nil
}

// Close releases the OpenCV objects. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return errors.Join(e.sift.Close(), e.matcher.Close())
}
