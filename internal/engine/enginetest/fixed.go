// Package enginetest provides a deterministic engine.Engine for tests of the
// code above the localizer.
package enginetest

import (
	"image"
	"sync/atomic"

	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/geom"
)

// Fixed reports Keypoints features for any image with contrast and none for
// a flat one. Every reference descriptor matches the frame descriptor with
// the same index, so any textured frame matches, and FindHomography always
// returns H.
type Fixed struct {
	H         geom.Homography
	Keypoints int

	detects int64
	closed  int32
}

// New returns a Fixed engine reporting 20 keypoints per textured image.
func New(h geom.Homography) *Fixed {
	return &Fixed{H: h, Keypoints: 20}
}

func (f *Fixed) Name() string         { return "fixed" }
func (f *Fixed) ConcurrentSafe() bool { return true }

func (f *Fixed) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

// Closed reports whether Close was called.
func (f *Fixed) Closed() bool { return atomic.LoadInt32(&f.closed) == 1 }

// Detects returns the number of Detect calls so far.
func (f *Fixed) Detects() int { return int(atomic.LoadInt64(&f.detects)) }

func (f *Fixed) Detect(img *image.Gray) (engine.Features, error) {
	atomic.AddInt64(&f.detects, 1)
	var out engine.Features
	if flat(img) {
		return out, nil
	}
	for i := 0; i < f.Keypoints; i++ {
		out.Keypoints = append(out.Keypoints, geom.Point{X: float64(i), Y: float64(i)})
		out.Descriptors = append(out.Descriptors, []float32{float32(i)})
	}
	return out, nil
}

func flat(img *image.Gray) bool {
	if len(img.Pix) == 0 {
		return true
	}
	for _, v := range img.Pix {
		if v != img.Pix[0] {
			return false
		}
	}
	return true
}

func (f *Fixed) KnnMatch(query, train [][]float32, k int) ([][]engine.Match, error) {
	out := make([][]engine.Match, len(query))
	if len(train) == 0 {
		return out, nil
	}
	for i := range query {
		t := i % len(train)
		out[i] = append(out[i], engine.Match{QueryIdx: i, TrainIdx: t, Distance: 0})
		if k > 1 && len(train) > 1 {
			out[i] = append(out[i], engine.Match{QueryIdx: i, TrainIdx: (t + 1) % len(train), Distance: 1})
		}
	}
	return out, nil
}

func (f *Fixed) FindHomography(src, dst []geom.Point, _ float64) (geom.Homography, error) {
	if len(src) < 4 || len(src) != len(dst) {
		return geom.Homography{}, engine.ErrNoHomography
	}
	return f.H, nil
}
