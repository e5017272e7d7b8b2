// Package localize finds the reference stimulus inside a world-camera frame
// and returns the homographies between the two coordinate systems.
package localize

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/banshee-data/gazemap/internal/config"
	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/geom"
)

// ErrNoReferenceKeypoints is returned by New when the reference image yields
// no keypoints and the caller asked for that to be fatal.
var ErrNoReferenceKeypoints = errors.New("reference image has no keypoints")

// Status is the outcome of locating the reference in one frame.
type Status int

const (
	Matched Status = iota
	NoMatch
	DegenerateTransform
)

func (s Status) String() string {
	switch s {
	case Matched:
		return "matched"
	case NoMatch:
		return "no_match"
	case DegenerateTransform:
		return "degenerate_transform"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result describes one frame. WorldToRef and RefToWorld are only meaningful
// when Status is Matched, in which case they are mutual inverses.
type Result struct {
	Status         Status
	Reason         string
	WorldToRef     geom.Homography
	RefToWorld     geom.Homography
	FrameKeypoints int
	GoodMatches    int
}

// OK reports whether the frame was matched.
func (r Result) OK() bool { return r.Status == Matched }

// Params is the matching policy.
type Params struct {
	DistanceRatio    float64
	MinGoodMatches   int
	ConfidentMatches int
	RansacThreshold  float64
	// RequireReferenceKeypoints makes a featureless reference an error in New.
	RequireReferenceKeypoints bool
}

// ParamsFromConfig reads the matching policy from a tuning config.
func ParamsFromConfig(c *config.TuningConfig) Params {
	return Params{
		DistanceRatio:             c.GetDistanceRatio(),
		MinGoodMatches:            c.GetMinGoodMatches(),
		ConfidentMatches:          c.GetConfidentMatches(),
		RansacThreshold:           c.GetRansacThreshold(),
		RequireReferenceKeypoints: c.GetRequireReferenceKeypoints(),
	}
}

// Localizer matches frames against one reference image. Reference features
// are computed once in New.
type Localizer struct {
	eng    engine.Engine
	params Params
	ref    engine.Features
	size   image.Point

	// serialises engine calls when the engine is not reentrant
	mu     sync.Mutex
	serial bool
}

// New detects reference features. A reference without keypoints is logged
// and accepted (every frame will be NoMatch) unless
// p.RequireReferenceKeypoints is set.
func New(eng engine.Engine, ref image.Image, p Params) (*Localizer, error) {
	l := &Localizer{
		eng:    eng,
		params: p,
		size:   ref.Bounds().Size(),
		serial: !eng.ConcurrentSafe(),
	}
	f, err := l.detect(geom.Gray(ref))
	if err != nil {
		return nil, fmt.Errorf("detect reference features: %w", err)
	}
	l.ref = f
	diagf("reference %dx%d: %d keypoints (engine %s)", l.size.X, l.size.Y, f.Len(), eng.Name())
	if f.Len() == 0 {
		if p.RequireReferenceKeypoints {
			return nil, ErrNoReferenceKeypoints
		}
		opsf("reference image has no keypoints; every frame will be unmatched")
	}
	return l, nil
}

// ReferenceKeypoints returns the number of reference keypoints.
func (l *Localizer) ReferenceKeypoints() int { return l.ref.Len() }

// ReferenceSize returns the reference image dimensions.
func (l *Localizer) ReferenceSize() image.Point { return l.size }

func (l *Localizer) lock() func() {
	if !l.serial {
		return func() {}
	}
	l.mu.Lock()
	return l.mu.Unlock
}

func (l *Localizer) detect(g *image.Gray) (engine.Features, error) {
	defer l.lock()()
	return l.eng.Detect(g)
}

// Locate finds the reference in frame. It never fails outright: engine
// errors and panics become NoMatch with a reason.
func (l *Localizer) Locate(frame image.Image) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			opsf("engine panic: %v", r)
			res = Result{Status: NoMatch, Reason: fmt.Sprintf("engine panic: %v", r)}
		}
		tracef("locate: %s keypoints=%d good=%d in %s",
			res.Status, res.FrameKeypoints, res.GoodMatches, time.Since(start))
	}()

	if l.ref.Len() == 0 {
		return Result{Status: NoMatch, Reason: "reference has no keypoints"}
	}

	ff, err := l.detect(geom.Gray(frame))
	if err != nil {
		return Result{Status: NoMatch, Reason: fmt.Sprintf("detect: %v", err)}
	}
	res.FrameKeypoints = ff.Len()
	if ff.Len() < 2 {
		res.Status = NoMatch
		res.Reason = fmt.Sprintf("only %d frame keypoints", ff.Len())
		return res
	}

	refPts, framePts, err := l.goodMatches(ff)
	if err != nil {
		res.Status = NoMatch
		res.Reason = fmt.Sprintf("match: %v", err)
		return res
	}
	res.GoodMatches = len(refPts)
	if len(refPts) <= l.params.MinGoodMatches {
		res.Status = NoMatch
		res.Reason = fmt.Sprintf("%d good matches, need more than %d", len(refPts), l.params.MinGoodMatches)
		return res
	}
	if len(refPts) <= l.params.ConfidentMatches {
		res.Status = NoMatch
		res.Reason = fmt.Sprintf("%d good matches, need more than %d for a confident fit", len(refPts), l.params.ConfidentMatches)
		return res
	}

	refToWorld, err := l.findHomography(refPts, framePts)
	if err != nil {
		res.Status = NoMatch
		res.Reason = fmt.Sprintf("homography: %v", err)
		return res
	}
	if !refToWorld.IsFinite() {
		res.Status = DegenerateTransform
		res.Reason = "homography has non-finite entries"
		return res
	}
	worldToRef, err := refToWorld.Inverse()
	if err != nil {
		res.Status = DegenerateTransform
		res.Reason = err.Error()
		return res
	}

	res.Status = Matched
	res.RefToWorld = refToWorld
	res.WorldToRef = worldToRef
	return res
}

// goodMatches runs the 2-NN ratio test with reference descriptors as the
// query set and returns corresponding point pairs.
func (l *Localizer) goodMatches(ff engine.Features) (refPts, framePts []geom.Point, err error) {
	matches, err := l.knn(l.ref.Descriptors, ff.Descriptors)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		best, second := m[0], m[1]
		if best.Distance < l.params.DistanceRatio*second.Distance {
			refPts = append(refPts, l.ref.Keypoints[best.QueryIdx])
			framePts = append(framePts, ff.Keypoints[best.TrainIdx])
		}
	}
	return refPts, framePts, nil
}

func (l *Localizer) knn(query, train [][]float32) ([][]engine.Match, error) {
	defer l.lock()()
	return l.eng.KnnMatch(query, train, 2)
}

func (l *Localizer) findHomography(src, dst []geom.Point) (geom.Homography, error) {
	defer l.lock()()
	return l.eng.FindHomography(src, dst, l.params.RansacThreshold)
}
