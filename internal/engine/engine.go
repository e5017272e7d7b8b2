// Package engine defines the interest-point contract used by the frame
// localizer: keypoint detection with descriptors, k-nearest-neighbour
// descriptor matching, and robust homography estimation.
package engine

import (
	"errors"
	"image"

	"github.com/banshee-data/gazemap/internal/geom"
)

// ErrNoHomography is returned by FindHomography when no consensus exists.
var ErrNoHomography = errors.New("engine: no homography found")

// Features are the keypoints of one image with one descriptor per keypoint.
type Features struct {
	Keypoints   []geom.Point
	Descriptors [][]float32
}

// Len returns the number of keypoints.
func (f Features) Len() int { return len(f.Keypoints) }

// Match pairs a query descriptor with a train descriptor.
type Match struct {
	QueryIdx int
	TrainIdx int
	Distance float64
}

// Engine detects, matches and fits. Implementations that hold non-reentrant
// native state must serialise their own calls or report false from
// ConcurrentSafe.
type Engine interface {
	Name() string
	// Detect returns keypoints and descriptors of a luminance image.
	Detect(img *image.Gray) (Features, error)
	// KnnMatch returns, for each query descriptor, its k nearest train
	// descriptors in ascending distance order.
	KnnMatch(query, train [][]float32, k int) ([][]Match, error)
	// FindHomography robustly fits src -> dst with the given reprojection
	// threshold in destination pixels.
	FindHomography(src, dst []geom.Point, threshold float64) (geom.Homography, error)
	ConcurrentSafe() bool
	Close() error
}
