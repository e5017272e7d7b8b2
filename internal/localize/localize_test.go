package localize

import (
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazemap/internal/config"
	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/engine/enginetest"
	"github.com/banshee-data/gazemap/internal/engine/native"
	"github.com/banshee-data/gazemap/internal/geom"
	"github.com/banshee-data/gazemap/internal/testutil"
)

// scriptedEngine returns canned features and matches. The first Detect call
// is the reference.
type scriptedEngine struct {
	refN, frameN int
	good         int // queries passing the ratio test
	h            geom.Homography
	hErr         error
	detectErr    error
	panicOn      string
	serial       bool

	calls    int32
	inFlight int32
	overlap  int32
}

func (s *scriptedEngine) enter() func() {
	if atomic.AddInt32(&s.inFlight, 1) > 1 {
		atomic.StoreInt32(&s.overlap, 1)
	}
	time.Sleep(time.Millisecond)
	return func() { atomic.AddInt32(&s.inFlight, -1) }
}

func features(n int) engine.Features {
	var f engine.Features
	for i := 0; i < n; i++ {
		f.Keypoints = append(f.Keypoints, geom.Point{X: float64(i), Y: float64(2 * i)})
		f.Descriptors = append(f.Descriptors, []float32{float32(i)})
	}
	return f
}

func (s *scriptedEngine) Name() string { return "scripted" }

func (s *scriptedEngine) Detect(img *image.Gray) (engine.Features, error) {
	defer s.enter()()
	if atomic.AddInt32(&s.calls, 1) == 1 {
		return features(s.refN), nil
	}
	if s.panicOn == "detect" {
		panic("boom")
	}
	if s.detectErr != nil {
		return engine.Features{}, s.detectErr
	}
	return features(s.frameN), nil
}

func (s *scriptedEngine) KnnMatch(query, train [][]float32, k int) ([][]engine.Match, error) {
	defer s.enter()()
	out := make([][]engine.Match, len(query))
	for i := range query {
		best := 0.9
		if i < s.good {
			best = 0.1
		}
		t := i % len(train)
		out[i] = []engine.Match{
			{QueryIdx: i, TrainIdx: t, Distance: best},
			{QueryIdx: i, TrainIdx: (t + 1) % len(train), Distance: 1},
		}
	}
	return out, nil
}

func (s *scriptedEngine) FindHomography(src, dst []geom.Point, threshold float64) (geom.Homography, error) {
	defer s.enter()()
	if s.panicOn == "homography" {
		panic("singular workspace")
	}
	return s.h, s.hErr
}

func (s *scriptedEngine) ConcurrentSafe() bool { return !s.serial }
func (s *scriptedEngine) Close() error         { return nil }

func defaultParams() Params {
	return ParamsFromConfig(config.EmptyTuningConfig())
}

func frame() image.Image { return image.NewRGBA(image.Rect(0, 0, 8, 8)) }

func TestLocateThresholds(t *testing.T) {
	tests := []struct {
		name   string
		eng    *scriptedEngine
		status Status
		good   int
	}{
		{"one frame keypoint", &scriptedEngine{refN: 20, frameN: 1, good: 20, h: geom.Identity()}, NoMatch, 0},
		{"four good matches", &scriptedEngine{refN: 20, frameN: 20, good: 4, h: geom.Identity()}, NoMatch, 4},
		{"five good but not confident", &scriptedEngine{refN: 20, frameN: 20, good: 5, h: geom.Identity()}, NoMatch, 5},
		{"ten good matches", &scriptedEngine{refN: 20, frameN: 20, good: 10, h: geom.Identity()}, NoMatch, 10},
		{"eleven good matches", &scriptedEngine{refN: 20, frameN: 20, good: 11, h: geom.Translation(5, 3)}, Matched, 11},
		{"no consensus", &scriptedEngine{refN: 20, frameN: 20, good: 15, hErr: engine.ErrNoHomography}, NoMatch, 15},
		{"singular", &scriptedEngine{refN: 20, frameN: 20, good: 15, h: geom.Homography{1, 2, 3, 2, 4, 6, 0, 0, 1}}, DegenerateTransform, 15},
		{"non-finite", &scriptedEngine{refN: 20, frameN: 20, good: 15, h: geom.Homography{math.Inf(1), 0, 0, 0, 1, 0, 0, 0, 1}}, DegenerateTransform, 15},
		{"detect error", &scriptedEngine{refN: 20, frameN: 20, detectErr: errors.New("decoder gone")}, NoMatch, 0},
		{"detect panic", &scriptedEngine{refN: 20, frameN: 20, panicOn: "detect"}, NoMatch, 0},
		{"homography panic", &scriptedEngine{refN: 20, frameN: 20, good: 15, panicOn: "homography"}, NoMatch, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.eng, frame(), defaultParams())
			require.NoError(t, err)

			res := l.Locate(frame())
			assert.Equal(t, tt.status, res.Status, "reason: %s", res.Reason)
			assert.Equal(t, tt.good, res.GoodMatches)
			if res.Status != Matched {
				assert.NotEmpty(t, res.Reason)
				assert.False(t, res.OK())
			}
		})
	}
}

func TestLocateRecoversEnginePanics(t *testing.T) {
	for _, stage := range []string{"detect", "homography"} {
		t.Run(stage, func(t *testing.T) {
			eng := &scriptedEngine{refN: 20, frameN: 20, good: 15, h: geom.Identity(), panicOn: stage, serial: true}
			l, err := New(eng, frame(), defaultParams())
			require.NoError(t, err)

			for i := 0; i < 2; i++ {
				res := l.Locate(frame())
				assert.Equal(t, NoMatch, res.Status)
				assert.Contains(t, res.Reason, "engine panic")
				assert.False(t, res.OK())
			}
		})
	}
}

func TestLocateMatchedTransformsAreInverse(t *testing.T) {
	eng := &scriptedEngine{refN: 20, frameN: 20, good: 20, h: geom.Translation(5, 3)}
	l, err := New(eng, frame(), defaultParams())
	require.NoError(t, err)

	res := l.Locate(frame())
	require.True(t, res.OK())
	assert.Equal(t, geom.Translation(5, 3), res.RefToWorld)

	p, ok := geom.MapPoint(geom.Point{X: 25, Y: 13}, res.WorldToRef)
	require.True(t, ok)
	assert.Equal(t, image.Pt(20, 10), p)
}

func TestReferenceWithoutKeypoints(t *testing.T) {
	p := defaultParams()
	l, err := New(&scriptedEngine{refN: 0, frameN: 50, good: 50, h: geom.Identity()}, frame(), p)
	require.NoError(t, err)
	assert.Zero(t, l.ReferenceKeypoints())
	res := l.Locate(frame())
	assert.Equal(t, NoMatch, res.Status)

	p.RequireReferenceKeypoints = true
	_, err = New(&scriptedEngine{refN: 0}, frame(), p)
	assert.True(t, errors.Is(err, ErrNoReferenceKeypoints))
}

func TestSerialEngineIsNotEnteredConcurrently(t *testing.T) {
	eng := &scriptedEngine{refN: 20, frameN: 20, good: 15, h: geom.Identity(), serial: true}
	l, err := New(eng, frame(), defaultParams())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Locate(frame())
		}()
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&eng.overlap))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "matched", Matched.String())
	assert.Equal(t, "no_match", NoMatch.String())
	assert.Equal(t, "degenerate_transform", DegenerateTransform.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}

func TestNativeRoundTrip(t *testing.T) {
	ref := testutil.BlockTexture(120, 90, 8, 21)
	offset := image.Pt(37, 21)
	world := testutil.Embed(ref, image.Pt(240, 180), offset, color.RGBA{R: 128, G: 128, B: 128, A: 255})

	l, err := New(native.New(native.Options{Seed: 1}), ref, defaultParams())
	require.NoError(t, err)
	require.Greater(t, l.ReferenceKeypoints(), 20)
	assert.Equal(t, image.Pt(120, 90), l.ReferenceSize())

	res := l.Locate(world)
	require.Equal(t, Matched, res.Status, res.Reason)
	assert.Greater(t, res.GoodMatches, 10)

	for _, p := range []geom.Point{{X: 60, Y: 45}, {X: 3, Y: 4}, {X: 110, Y: 80}} {
		w := geom.Point{X: p.X + float64(offset.X), Y: p.Y + float64(offset.Y)}
		got, ok := geom.MapPoint(w, res.WorldToRef)
		require.True(t, ok)
		assert.InDelta(t, p.X, float64(got.X), 1)
		assert.InDelta(t, p.Y, float64(got.Y), 1)

		back, ok := res.RefToWorld.Apply(p)
		require.True(t, ok)
		assert.InDelta(t, w.X, back.X, 1)
		assert.InDelta(t, w.Y, back.Y, 1)
	}

	blank := testutil.Uniform(240, 180, color.RGBA{A: 255})
	assert.Equal(t, NoMatch, l.Locate(blank).Status)
}

func TestNativeRoundTripUnderWarp(t *testing.T) {
	ref := testutil.BlockTexture(enginetest.WarpReference.X, enginetest.WarpReference.Y, 6, 21)
	l, err := New(native.New(native.Options{Seed: 1}), ref, defaultParams())
	require.NoError(t, err)

	for _, c := range enginetest.WarpCases() {
		t.Run(c.Name, func(t *testing.T) {
			world, err := enginetest.Render(ref, c.H, enginetest.WarpCanvas, color.RGBA{R: 128, G: 128, B: 128, A: 255})
			require.NoError(t, err)

			res := l.Locate(world)
			require.Equal(t, Matched, res.Status, res.Reason)
			assert.LessOrEqual(t, enginetest.CornerError(res.RefToWorld, c.H, enginetest.WarpReference), 2.0)

			// world corners of the reference map back onto the reference corners
			assert.LessOrEqual(t, enginetest.CornerError(res.WorldToRef.Mul(c.H), geom.Identity(), enginetest.WarpReference), 2.0)
		})
	}
}
