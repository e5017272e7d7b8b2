package enginetest

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/geom"
)

var _ engine.Engine = (*Fixed)(nil)

func TestFixedDetect(t *testing.T) {
	f := New(geom.Identity())
	blank := image.NewGray(image.Rect(0, 0, 8, 8))
	got, err := f.Detect(blank)
	require.NoError(t, err)
	assert.Zero(t, got.Len())

	blank.Pix[5] = 200
	got, err = f.Detect(blank)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Len())
	assert.Equal(t, 2, f.Detects())
}

func TestFixedKnnMatch(t *testing.T) {
	f := New(geom.Identity())
	m, err := f.KnnMatch(make([][]float32, 3), make([][]float32, 2), 2)
	require.NoError(t, err)
	require.Len(t, m, 3)
	assert.Equal(t, 0, m[2][0].TrainIdx)
	assert.Equal(t, 1, m[2][1].TrainIdx)

	m, err = f.KnnMatch(make([][]float32, 2), nil, 2)
	require.NoError(t, err)
	assert.Empty(t, m[0])
}

func TestFixedFindHomography(t *testing.T) {
	h := geom.Translation(3, 4)
	f := New(h)
	pts := make([]geom.Point, 4)
	got, err := f.FindHomography(pts, pts, 5)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = f.FindHomography(pts[:3], pts[:3], 5)
	assert.True(t, errors.Is(err, engine.ErrNoHomography))

	require.NoError(t, f.Close())
	assert.True(t, f.Closed())
}
