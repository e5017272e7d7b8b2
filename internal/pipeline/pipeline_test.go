package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazemap/internal/config"
	"github.com/banshee-data/gazemap/internal/engine/enginetest"
	"github.com/banshee-data/gazemap/internal/export"
	"github.com/banshee-data/gazemap/internal/fsutil"
	"github.com/banshee-data/gazemap/internal/geom"
	"github.com/banshee-data/gazemap/internal/localize"
	"github.com/banshee-data/gazemap/internal/testutil"
	"github.com/banshee-data/gazemap/internal/timeutil"
	"github.com/banshee-data/gazemap/internal/video"
)

var epoch = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

const (
	frameW, frameH = 160, 120
	refW, refH     = 80, 60
)

// refToWorld places the reference 20px right and 10px down in every frame.
var refToWorld = geom.Translation(20, 10)

type fixture struct {
	fsys   fsutil.FileSystem
	mem    *fsutil.MemoryFileSystem
	ref    *image.RGBA
	frames []image.Image
	failAt int
	sinks  map[string]*video.MemorySink
}

// newFixture builds textured frames, blanking those listed, a reference
// image and a gaze table with two samples per frame.
func newFixture(t *testing.T, n int, blank ...int) *fixture {
	t.Helper()
	mem := fsutil.NewMemoryFileSystem()
	f := &fixture{fsys: mem, mem: mem, sinks: map[string]*video.MemorySink{}}
	f.ref = testutil.BlockTexture(refW, refH, 8, 99)
	for i := 0; i < n; i++ {
		f.frames = append(f.frames, testutil.BlockTexture(frameW, frameH, 8, int64(i+1)))
	}
	for _, i := range blank {
		f.frames[i] = testutil.Uniform(frameW, frameH, color.RGBA{R: 128, G: 128, B: 128, A: 255})
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, f.ref))
	require.NoError(t, mem.WriteFile("/in/ref.png", buf.Bytes(), 0o644))
	require.NoError(t, mem.WriteFile("/in/gaze.tsv", []byte(gazeTable(n, true)), 0o644))
	return f
}

// gazeTable puts sample A at norm (0.25, 0.5) and sample B at (0.5, 0.25)
// in every frame, 1ms and 2ms after the frame's 33ms slot.
func gazeTable(n int, withFrame bool) string {
	var b strings.Builder
	if withFrame {
		b.WriteString("timestamp\tframe_idx\tconfidence\tnorm_pos_x\tnorm_pos_y\n")
	} else {
		b.WriteString("timestamp\tconfidence\tnorm_pos_x\tnorm_pos_y\n")
	}
	for i := 0; i < n; i++ {
		for k, pos := range [][2]float64{{0.25, 0.5}, {0.5, 0.25}} {
			ts := float64(33*i + k + 1)
			if withFrame {
				fmt.Fprintf(&b, "%.3f\t%d\t1.0\t%.3f\t%.3f\n", ts, i, pos[0], pos[1])
			} else {
				fmt.Fprintf(&b, "%.3f\t1.0\t%.3f\t%.3f\n", ts, pos[0], pos[1])
			}
		}
	}
	return b.String()
}

func (f *fixture) options() Options {
	return Options{
		GazePath:      "/in/gaze.tsv",
		VideoPath:     "/in/world.mp4",
		ReferencePath: "/in/ref.png",
		OutputDir:     "/out",
		Config:        config.DefaultTuningConfig(),
		Engine:        enginetest.New(refToWorld),
		FS:            f.fsys,
		Clock:         timeutil.NewSteppingClock(epoch, time.Millisecond),
		OpenSource: func(_ context.Context, _ string) (video.Source, error) {
			src := video.NewMemorySource(30, f.frames...)
			src.FailAt = f.failAt
			return src, nil
		},
		CreateSink: func(_ context.Context, path string, size image.Point, _ float64) (video.Sink, error) {
			s := video.NewMemorySink(size)
			f.sinks[filepath.Base(path)] = s
			return s, nil
		},
	}
}

func (f *fixture) read(t *testing.T, path string) string {
	t.Helper()
	data, err := f.mem.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func intPtr(v int) *int { return &v }

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t, 5, 2)
	sum, err := Run(context.Background(), f.options())
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Frames)
	assert.Equal(t, 4, sum.Matched)
	assert.Equal(t, 1, sum.NoMatch)
	assert.Equal(t, 8, sum.Rows)
	assert.Equal(t, 10, sum.Samples)
	assert.Equal(t, 10, sum.AlignedSamples)
	assert.Equal(t, 20, sum.ReferenceKeypoints)
	assert.Positive(t, sum.Duration)

	for _, name := range sinkNames {
		s := f.sinks[name]
		require.NotNil(t, s, name)
		assert.True(t, s.Closed(), name)
		assert.Len(t, s.Frames(), 5, name)
	}

	lines := strings.Split(strings.TrimSpace(f.read(t, "/out/"+export.MappedTSVName)), "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, strings.Join(export.MappedHeader, "\t"), lines[0])
	assert.Equal(t, "0\t1.000\t1.000\t40.000\t60.000\t20.000\t50.000", lines[1])
	assert.Equal(t, "0\t2.000\t1.000\t80.000\t30.000\t60.000\t20.000", lines[2])

	var frames []string
	for _, l := range lines[1:] {
		frames = append(frames, strings.SplitN(l, "\t", 2)[0])
	}
	assert.Equal(t, []string{"0", "0", "1", "1", "3", "3", "4", "4"}, frames)

	world := f.sinks[WorldGazeVideo].Frames()
	assert.Equal(t, geom.MarkerOtherColor, world[0].RGBAAt(40, 60))
	assert.Equal(t, geom.MarkerLastColor, world[0].RGBAAt(80, 30))

	refs := f.sinks[RefGazeVideo].Frames()
	assert.Equal(t, image.Pt(refW, refH), refs[0].Bounds().Size())
	assert.Equal(t, geom.MarkerOtherColor, refs[0].RGBAAt(20, 50))
	assert.Equal(t, geom.MarkerLastColor, refs[0].RGBAAt(60, 20))
	assert.Equal(t, f.ref.Pix, refs[2].Pix, "unmatched frame leaves the reference clean")

	back := f.sinks[RefToWorldVideo].Frames()
	assert.Equal(t, f.ref.RGBAAt(4, 4), back[0].RGBAAt(24, 14))
	assert.Equal(t, f.frames[0].(*image.RGBA).RGBAAt(5, 5), back[0].RGBAAt(5, 5))
	assert.Equal(t, f.frames[2].(*image.RGBA).Pix, back[2].Pix, "unmatched frame is written untouched")

	assert.True(t, f.mem.Exists("/out/ref.png"))
	runLog := f.read(t, "/out/"+RunLogName)
	assert.Contains(t, runLog, "frame 2: no_match")
	assert.Contains(t, runLog, "frame 0: matched")
	assert.Contains(t, runLog, "done: 5 frames")
}

func TestRunIsIdempotent(t *testing.T) {
	a := newFixture(t, 6, 4)
	_, err := Run(context.Background(), a.options())
	require.NoError(t, err)
	b := newFixture(t, 6, 4)
	_, err = Run(context.Background(), b.options())
	require.NoError(t, err)

	assert.Equal(t, a.read(t, "/out/"+export.MappedTSVName), b.read(t, "/out/"+export.MappedTSVName))
}

func TestRunWorkersPreserveOrder(t *testing.T) {
	seq := newFixture(t, 12, 3, 7, 8)
	_, err := Run(context.Background(), seq.options())
	require.NoError(t, err)

	par := newFixture(t, 12, 3, 7, 8)
	o := par.options()
	o.Config.Workers = intPtr(3)
	sum, err := Run(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Frames)
	assert.Equal(t, 9, sum.Matched)

	assert.Equal(t, seq.read(t, "/out/"+export.MappedTSVName), par.read(t, "/out/"+export.MappedTSVName))
	for _, name := range sinkNames {
		want, got := seq.sinks[name].Frames(), par.sinks[name].Frames()
		require.Len(t, got, len(want), name)
		for i := range want {
			assert.Equal(t, want[i].Pix, got[i].Pix, "%s frame %d", name, i)
		}
	}
}

func TestRunStateTransitions(t *testing.T) {
	f := newFixture(t, 2)
	var got []string
	o := f.options()
	o.Observe = func(frame int, s State) { got = append(got, fmt.Sprintf("%d:%s", frame, s)) }
	_, err := Run(context.Background(), o)
	require.NoError(t, err)

	want := []string{
		"0:init",
		"0:read_frame", "0:localize", "0:map_and_composite", "0:write_outputs", "0:advance",
		"1:read_frame", "1:localize", "1:map_and_composite", "1:write_outputs", "1:advance",
		"2:read_frame",
		"2:done",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestRunAlignsByTimestamp(t *testing.T) {
	f := newFixture(t, 5)
	require.NoError(t, f.mem.WriteFile("/in/gaze.tsv", []byte(gazeTable(5, false)), 0o644))
	require.NoError(t, f.mem.WriteFile("/in/frame_timestamps.tsv",
		[]byte("frameNum\ttimestamp\n1\t0\n2\t33\n3\t66\n4\t99\n5\t132\n"), 0o644))

	o := f.options()
	_, err := Run(context.Background(), o)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig), "no frame_idx and no timestamps")

	o.TimestampsPath = "/in/frame_timestamps.tsv"
	sum, err := Run(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Samples)
	// the last frame has no closing boundary
	assert.Equal(t, 8, sum.AlignedSamples)
	assert.Equal(t, 8, sum.Rows)
}

func TestRunNextFramePolicy(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.mem.WriteFile("/in/frame_timestamps.tsv",
		[]byte("frameNum\ttimestamp\n1\t0\n2\t1.5\n3\t66\n"), 0o644))
	o := f.options()
	o.Realign = true
	o.TimestampsPath = "/in/frame_timestamps.tsv"
	p := config.BoundaryNextFrame
	o.Config.BoundaryPolicy = &p

	_, err := Run(context.Background(), o)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(f.read(t, "/out/"+export.MappedTSVName)), "\n")
	// t=1 -> frame 0; t=2, 34, 35 -> frame 1; frame 2 samples are dropped
	var frames []string
	for _, l := range lines[1:] {
		frames = append(frames, strings.SplitN(l, "\t", 2)[0])
	}
	assert.Equal(t, []string{"0", "1", "1", "1"}, frames)
}

func TestRunDegradesOnBlankFrames(t *testing.T) {
	f := newFixture(t, 3, 0, 1, 2)
	sum, err := Run(context.Background(), f.options())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.NoMatch)
	assert.Zero(t, sum.Rows)
	assert.Equal(t, strings.Join(export.MappedHeader, "\t")+"\n", f.read(t, "/out/"+export.MappedTSVName))
	for i, got := range f.sinks[RefToWorldVideo].Frames() {
		assert.Equal(t, f.frames[i].(*image.RGBA).Pix, got.Pix, "frame %d", i)
	}
}

func TestRunDegenerateTransform(t *testing.T) {
	f := newFixture(t, 3)
	o := f.options()
	o.Engine = enginetest.New(geom.Homography{})
	sum, err := Run(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Degenerate)
	assert.Zero(t, sum.Rows)
	assert.Contains(t, f.read(t, "/out/"+RunLogName), "degenerate_transform")
}

func TestRunFeaturelessReference(t *testing.T) {
	f := newFixture(t, 2)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testutil.Uniform(refW, refH, color.RGBA{A: 255})))
	require.NoError(t, f.mem.WriteFile("/in/ref.png", buf.Bytes(), 0o644))

	sum, err := Run(context.Background(), f.options())
	require.NoError(t, err)
	assert.Zero(t, sum.ReferenceKeypoints)
	assert.Equal(t, 2, sum.NoMatch)

	o := f.options()
	o.Config.RequireReferenceKeypoints = new(bool)
	*o.Config.RequireReferenceKeypoints = true
	_, err = Run(context.Background(), o)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.True(t, errors.Is(err, localize.ErrNoReferenceKeypoints))
}

func TestRunConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"missing gaze table", func(o *Options) { o.GazePath = "/in/missing.tsv" }},
		{"missing reference", func(o *Options) { o.ReferencePath = "/in/missing.png" }},
		{"no output dir", func(o *Options) { o.OutputDir = "" }},
		{"invalid tuning", func(o *Options) { o.Config.Workers = intPtr(0) }},
		{"no sink factory", func(o *Options) { o.CreateSink = nil }},
		{"unopenable video", func(o *Options) {
			o.OpenSource = func(context.Context, string) (video.Source, error) {
				return nil, errors.New("no such file")
			}
		}},
		{"empty video", func(o *Options) {
			o.OpenSource = func(context.Context, string) (video.Source, error) {
				return video.NewMemorySource(30), nil
			}
		}},
		{"sink fails", func(o *Options) {
			o.CreateSink = func(context.Context, string, image.Point, float64) (video.Sink, error) {
				return nil, errors.New("encoder missing")
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			o := f.options()
			tt.modify(&o)
			sum, err := Run(context.Background(), o)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), err.Error())
			assert.Nil(t, sum)
		})
	}
}

type failingFS struct {
	*fsutil.MemoryFileSystem
	fail string
}

func (f *failingFS) Create(name string) (io.WriteCloser, error) {
	if filepath.Base(name) == f.fail {
		return nil, errors.New("disk full")
	}
	return f.MemoryFileSystem.Create(name)
}

func TestRunExportErrorKeepsVideos(t *testing.T) {
	f := newFixture(t, 3)
	f.fsys = &failingFS{MemoryFileSystem: f.mem, fail: export.MappedTSVName}
	sum, err := Run(context.Background(), f.options())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExport))
	assert.False(t, errors.Is(err, ErrConfig))
	require.NotNil(t, sum)
	assert.Equal(t, 3, sum.Frames)
	assert.Equal(t, 6, sum.Rows)
	for _, name := range sinkNames {
		assert.True(t, f.sinks[name].Closed(), name)
		assert.Len(t, f.sinks[name].Frames(), 3, name)
	}
	assert.Contains(t, f.read(t, "/out/"+RunLogName), "done: 3 frames")
}

func TestRunStopsOnDecodeFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.failAt = 3
	sum, err := Run(context.Background(), f.options())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Frames)
	assert.Len(t, f.sinks[WorldGazeVideo].Frames(), 3)
}

func TestRunMaxFrames(t *testing.T) {
	f := newFixture(t, 5)
	o := f.options()
	o.Config.MaxFrames = intPtr(2)
	sum, err := Run(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Frames)
	assert.Equal(t, 4, sum.Rows)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := Run(ctx, f.options())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, sum)
	assert.Zero(t, sum.Frames)
	assert.True(t, f.sinks[WorldGazeVideo].Closed())
	assert.True(t, f.mem.Exists("/out/"+export.MappedTSVName))
}

// flushSink records whether its creation context was still live when the
// pipeline closed it.
type flushSink struct {
	video.Sink
	ctx          context.Context
	errAtClose   error
	closedCalled bool
}

func (s *flushSink) Close() error {
	s.closedCalled = true
	s.errAtClose = s.ctx.Err()
	return s.Sink.Close()
}

func TestRunCancelledMidStreamFlushesVideos(t *testing.T) {
	f := newFixture(t, 4)
	o := f.options()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sinks []*flushSink
	create := o.CreateSink
	o.CreateSink = func(c context.Context, path string, size image.Point, fps float64) (video.Sink, error) {
		s, err := create(c, path, size, fps)
		if err != nil {
			return nil, err
		}
		fs := &flushSink{Sink: s, ctx: c}
		sinks = append(sinks, fs)
		return fs, nil
	}
	o.Observe = func(frame int, s State) {
		if frame == 1 && s == Advance {
			cancel()
		}
	}

	sum, err := Run(ctx, o)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Equal(t, 2, sum.Frames)

	require.Len(t, sinks, 3)
	for i, s := range sinks {
		assert.True(t, s.closedCalled, "sink %d", i)
		assert.NoError(t, s.errAtClose, "sink %d was cancelled before it was closed", i)
		assert.Error(t, s.ctx.Err(), "sink %d context released after close", i)
	}
	for _, name := range []string{WorldGazeVideo, RefGazeVideo, RefToWorldVideo} {
		assert.Len(t, f.sinks[name].Frames(), 2, name)
	}
}

func TestRunLeavesCallerEngineOpen(t *testing.T) {
	f := newFixture(t, 1)
	o := f.options()
	eng := enginetest.New(refToWorld)
	o.Engine = eng
	_, err := Run(context.Background(), o)
	require.NoError(t, err)
	assert.False(t, eng.Closed())
	// reference once, then one frame
	assert.Equal(t, 2, eng.Detects())
}

func TestRunWritesPlotReportAndStore(t *testing.T) {
	store, err := export.OpenRunStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t, 4, 1)
	o := f.options()
	o.Plot = true
	o.Report = true
	o.Store = store
	sum, err := Run(context.Background(), o)
	require.NoError(t, err)
	require.NotEmpty(t, sum.RunID)

	assert.True(t, f.mem.Exists("/out/"+export.RefPlotName))
	assert.Contains(t, f.read(t, "/out/"+export.MatchReportName), "Good matches per frame")

	ctx := context.Background()
	run, err := store.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, export.RunComplete, run.Status)
	assert.Equal(t, 4, run.FramesProcessed)
	assert.Equal(t, 3, run.FramesMatched)
	assert.Equal(t, 6, run.RowsMapped)
	assert.Equal(t, "fixed", run.Engine)
	assert.Contains(t, run.ConfigJSON, `"boundary_policy":"midpoint"`)

	frames, err := store.FrameResults(ctx, sum.RunID)
	require.NoError(t, err)
	require.Len(t, frames, 4)
	assert.Equal(t, "no_match", frames[1].Status)
	rows, err := store.MappedRows(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestRunNativeEngine(t *testing.T) {
	f := newFixture(t, 2)
	o := f.options()
	o.Engine = nil
	sum, err := Run(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Frames)
	assert.Positive(t, sum.ReferenceKeypoints)
}

func TestRunProgressTicker(t *testing.T) {
	f := newFixture(t, 3)
	o := f.options()
	o.ProgressEvery = time.Millisecond
	sum, err := Run(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Frames)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "map_and_composite", MapAndComposite.String())
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "State(42)", State(42).String())
}
