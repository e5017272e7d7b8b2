package enginetest

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazemap/internal/geom"
	"github.com/banshee-data/gazemap/internal/testutil"
)

func TestRenderIntegerTranslationMatchesEmbed(t *testing.T) {
	ref := testutil.BlockTexture(WarpReference.X, WarpReference.Y, 6, 21)
	bg := color.RGBA{R: 128, G: 128, B: 128, A: 255}

	got, err := Render(ref, geom.Translation(61, 47), WarpCanvas, bg)
	require.NoError(t, err)
	want := testutil.Embed(ref, WarpCanvas, image.Pt(61, 47), bg)
	assert.Equal(t, want.Pix, got.Pix)

	_, err = Render(ref, geom.Homography{}, WarpCanvas, bg)
	assert.ErrorIs(t, err, geom.ErrSingular)
}

func TestWarpCasesStayOnCanvas(t *testing.T) {
	canvas := image.Rect(0, 0, WarpCanvas.X, WarpCanvas.Y)
	for _, c := range WarpCases() {
		for _, p := range []geom.Point{{X: 0, Y: 0}, {X: 119, Y: 0}, {X: 0, Y: 89}, {X: 119, Y: 89}} {
			q, ok := c.H.Apply(p)
			require.True(t, ok, c.Name)
			assert.True(t, image.Pt(int(q.X), int(q.Y)).In(canvas), "%s: corner %v lands at %v", c.Name, p, q)
		}
	}
}

func TestCornerError(t *testing.T) {
	assert.Zero(t, CornerError(geom.Identity(), geom.Identity(), WarpReference))
	assert.InDelta(t, 5, CornerError(geom.Translation(3, 4), geom.Identity(), WarpReference), 1e-9)

	// scaling about the origin moves the far corner most
	got := CornerError(geom.Homography{2, 0, 0, 0, 2, 0, 0, 0, 1}, geom.Identity(), WarpReference)
	assert.InDelta(t, math.Hypot(119, 89), got, 1e-9)

	assert.True(t, math.IsInf(CornerError(geom.Homography{}, geom.Identity(), WarpReference), 1))
}
