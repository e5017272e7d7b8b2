// Package testutil provides shared test fixtures: synthetic images with enough
// texture for keypoint matching, and small gaze table files.
package testutil

import (
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// BlockTexture returns a w x h image of block x block squares with random
// grey levels drawn from seed. Every interior block corner is a strong
// interest point.
func BlockTexture(w, h, block int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for by := 0; by < h; by += block {
		for bx := 0; bx < w; bx += block {
			v := uint8(rng.Intn(236) + 20)
			r := image.Rect(bx, by, min(bx+block, w), min(by+block, h))
			draw.Draw(img, r, &image.Uniform{C: color.RGBA{R: v, G: v, B: v, A: 255}}, image.Point{}, draw.Src)
		}
	}
	return img
}

// Uniform returns a w x h image filled with c.
func Uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

// Embed places src with its top-left corner at `at` on a size canvas filled
// with bg.
func Embed(src image.Image, size, at image.Point, bg color.RGBA) *image.RGBA {
	canvas := Uniform(size.X, size.Y, bg)
	r := src.Bounds().Sub(src.Bounds().Min).Add(at)
	draw.Draw(canvas, r, src, src.Bounds().Min, draw.Src)
	return canvas
}

// WriteFile writes content under dir and returns the full path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
