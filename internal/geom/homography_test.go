package geom

import (
	"errors"
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var perspective = Homography{1.2, 0.1, 30, -0.05, 0.9, 12, 0.0005, 0.0002, 1}

func TestMapPointRoundsToEven(t *testing.T) {
	tests := []struct {
		name string
		h    Homography
		in   Point
		want image.Point
	}{
		{"identity", Identity(), Point{3, 4}, image.Point{3, 4}},
		{"half down to even", Translation(0.5, 1.5), Point{0, 0}, image.Point{0, 2}},
		{"half at two", Translation(0.5, 0), Point{2, 0}, image.Point{2, 0}},
		{"half at three", Translation(0.5, 0), Point{3, 0}, image.Point{4, 0}},
		{"negative", Translation(-10.4, -0.6), Point{0, 0}, image.Point{-10, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MapPoint(tt.in, tt.h)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyAtInfinity(t *testing.T) {
	h := Homography{1, 0, 0, 0, 1, 0, 0, 0, 0}
	_, ok := h.Apply(Point{5, 5})
	assert.False(t, ok)

	_, ok = MapPoint(Point{5, 5}, h)
	assert.False(t, ok)
}

func TestInverseRoundTrip(t *testing.T) {
	inv, err := perspective.Inverse()
	require.NoError(t, err)

	for _, p := range []Point{{0, 0}, {320, 240}, {639, 479}, {17.25, 401.5}} {
		q, ok := perspective.Apply(p)
		require.True(t, ok)
		back, ok := inv.Apply(q)
		require.True(t, ok)
		assert.InDelta(t, p.X, back.X, 1e-8)
		assert.InDelta(t, p.Y, back.Y, 1e-8)
	}
}

func TestInverseSingular(t *testing.T) {
	tests := []struct {
		name string
		h    Homography
	}{
		{"dependent rows", Homography{1, 2, 3, 2, 4, 6, 0, 0, 1}},
		{"zero", Homography{}},
		{"nan", Homography{1, 0, 0, 0, 1, 0, 0, 0, nan()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.h.Inverse()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSingular))
		})
	}
}

func TestFitHomographyExact(t *testing.T) {
	src := []Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}}
	dst := make([]Point, len(src))
	for i, p := range src {
		dst[i], _ = perspective.Apply(p)
	}

	h, err := FitHomography(src, dst)
	require.NoError(t, err)
	for i := range h {
		assert.InDelta(t, perspective[i], h[i], 1e-6, "entry %d", i)
	}
}

func TestFitHomographyOverdetermined(t *testing.T) {
	var src, dst []Point
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			p := Point{float64(x) * 37, float64(y) * 23}
			q, _ := perspective.Apply(p)
			src = append(src, p)
			dst = append(dst, q)
		}
	}
	h, err := FitHomography(src, dst)
	require.NoError(t, err)
	for i := range src {
		assert.Less(t, ReprojectionError(h, src[i], dst[i]), 1e-6)
	}
}

func TestFitHomographyErrors(t *testing.T) {
	_, err := FitHomography([]Point{{0, 0}, {1, 0}, {0, 1}}, []Point{{0, 0}, {1, 0}, {0, 1}})
	assert.True(t, errors.Is(err, ErrSingular))

	_, err = FitHomography([]Point{{0, 0}}, nil)
	assert.Error(t, err)

	same := []Point{{5, 5}, {5, 5}, {5, 5}, {5, 5}}
	_, err = FitHomography(same, same)
	assert.True(t, errors.Is(err, ErrSingular))
}

func TestEstimateHomographyRejectsOutliers(t *testing.T) {
	var src, dst []Point
	for y := 0; y < 8; y++ {
		for x := 0; x < 5; x++ {
			p := Point{float64(x)*61 + float64(y)*3, float64(y)*29 + float64(x)}
			q, _ := perspective.Apply(p)
			src = append(src, p)
			dst = append(dst, q)
		}
	}
	good := len(src)
	for i := 0; i < 10; i++ {
		p := Point{float64(i) * 41, float64(i*i) * 3}
		q, _ := perspective.Apply(p)
		src = append(src, p)
		dst = append(dst, Point{q.X + 250, q.Y - 180})
	}

	params := RansacParams{Threshold: 5, Iterations: 2000, Seed: 1}
	est, err := EstimateHomography(src, dst, params)
	require.NoError(t, err)
	assert.Equal(t, good, est.Count)
	for i := 0; i < good; i++ {
		assert.True(t, est.Inliers[i], "point %d should be an inlier", i)
		assert.Less(t, ReprojectionError(est.H, src[i], dst[i]), 1e-4)
	}
	for i := good; i < len(src); i++ {
		assert.False(t, est.Inliers[i], "point %d should be an outlier", i)
	}

	again, err := EstimateHomography(src, dst, params)
	require.NoError(t, err)
	if diff := cmp.Diff(est, again); diff != "" {
		t.Errorf("same seed gave different estimate (-first +second):\n%s", diff)
	}
}

func TestEstimateHomographyTooFew(t *testing.T) {
	_, err := EstimateHomography([]Point{{0, 0}, {1, 1}}, []Point{{0, 0}, {1, 1}}, RansacParams{Threshold: 5})
	assert.True(t, errors.Is(err, ErrNoModel))
}
