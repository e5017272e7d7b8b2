package geom

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrNoModel is returned when RANSAC finds no transform supported by at least
// four inliers.
var ErrNoModel = errors.New("geom: no homography consensus")

// RansacParams controls EstimateHomography.
type RansacParams struct {
	Threshold  float64 // reprojection threshold in destination pixels
	Iterations int
	Seed       int64
}

// Estimate is the result of a robust fit.
type Estimate struct {
	H       Homography
	Inliers []bool
	Count   int
}

// EstimateHomography fits src -> dst robustly. Each call draws from its own
// generator seeded with p.Seed, so identical inputs give identical output
// regardless of call order.
func EstimateHomography(src, dst []Point, p RansacParams) (Estimate, error) {
	if len(src) != len(dst) {
		return Estimate{}, fmt.Errorf("geom: %d source points but %d destination points", len(src), len(dst))
	}
	n := len(src)
	if n < 4 {
		return Estimate{}, fmt.Errorf("%w: %d correspondences", ErrNoModel, n)
	}
	iters := p.Iterations
	if iters <= 0 {
		iters = 2000
	}

	rng := rand.New(rand.NewSource(p.Seed))
	best := Estimate{Count: -1}
	sample := make([]int, 4)
	s4 := make([]Point, 4)
	d4 := make([]Point, 4)

	for it := 0; it < iters; it++ {
		pick4(rng, n, sample)
		for i, idx := range sample {
			s4[i] = src[idx]
			d4[i] = dst[idx]
		}
		if collinear(s4) || collinear(d4) {
			continue
		}
		h, err := FitHomography(s4, d4)
		if err != nil {
			continue
		}
		inl, cnt := inliers(h, src, dst, p.Threshold)
		if cnt > best.Count {
			best = Estimate{H: h, Inliers: inl, Count: cnt}
			if cnt == n {
				break
			}
		}
	}
	if best.Count < 4 {
		return Estimate{}, ErrNoModel
	}

	// Refine on the consensus set.
	var si, di []Point
	for i, ok := range best.Inliers {
		if ok {
			si = append(si, src[i])
			di = append(di, dst[i])
		}
	}
	if h, err := FitHomography(si, di); err == nil {
		if inl, cnt := inliers(h, src, dst, p.Threshold); cnt >= best.Count {
			best = Estimate{H: h, Inliers: inl, Count: cnt}
		}
	}
	return best, nil
}

func inliers(h Homography, src, dst []Point, threshold float64) ([]bool, int) {
	out := make([]bool, len(src))
	cnt := 0
	for i := range src {
		if ReprojectionError(h, src[i], dst[i]) <= threshold {
			out[i] = true
			cnt++
		}
	}
	return out, cnt
}

// pick4 fills idx with four distinct indices in [0, n).
func pick4(rng *rand.Rand, n int, idx []int) {
	for i := 0; i < 4; {
		v := rng.Intn(n)
		dup := false
		for j := 0; j < i; j++ {
			if idx[j] == v {
				dup = true
				break
			}
		}
		if !dup {
			idx[i] = v
			i++
		}
	}
}

// collinear reports whether any three of the four points are (nearly) on a line.
func collinear(p []Point) bool {
	const eps = 1e-6
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			for k := j + 1; k < 4; k++ {
				area := (p[j].X-p[i].X)*(p[k].Y-p[i].Y) - (p[j].Y-p[i].Y)*(p[k].X-p[i].X)
				if math.Abs(area) < eps {
					return true
				}
			}
		}
	}
	return false
}
