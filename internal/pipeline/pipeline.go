// Package pipeline drives one mapping run. It decodes the world video frame
// by frame, locates the reference image in each frame, projects that frame's
// gaze samples onto the reference and writes three overlay videos plus the
// mapped gaze table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/banshee-data/gazemap/internal/config"
	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/engine/native"
	"github.com/banshee-data/gazemap/internal/export"
	"github.com/banshee-data/gazemap/internal/fsutil"
	"github.com/banshee-data/gazemap/internal/gaze"
	"github.com/banshee-data/gazemap/internal/geom"
	"github.com/banshee-data/gazemap/internal/localize"
	"github.com/banshee-data/gazemap/internal/timeutil"
	"github.com/banshee-data/gazemap/internal/video"
)

var (
	// ErrConfig marks failures detected before the first frame: unreadable
	// inputs, an unopenable video, invalid tuning or, when required, a
	// featureless reference image.
	ErrConfig = errors.New("pipeline: configuration error")
	// ErrExport marks a failure writing the mapped gaze table or its
	// companions. The videos are complete when it is returned.
	ErrExport = errors.New("pipeline: export failed")
)

// Output file names.
const (
	WorldGazeVideo  = "world_gaze.m4v"
	RefGazeVideo    = "ref_gaze.m4v"
	RefToWorldVideo = "ref2world_mapping.m4v"
	RunLogName      = "mapGazeLog.log"
)

var sinkNames = [...]string{WorldGazeVideo, RefGazeVideo, RefToWorldVideo}

// DefaultFlushTimeout bounds how long closing the output videos may take
// once the frame loop has ended.
const DefaultFlushTimeout = 2 * time.Minute

// SourceOpener opens the world video.
type SourceOpener func(ctx context.Context, path string) (video.Source, error)

// SinkCreator creates one output video.
type SinkCreator func(ctx context.Context, path string, size image.Point, fps float64) (video.Sink, error)

// FFmpegSources opens world videos through ffmpeg.
func FFmpegSources(tools video.Tools) SourceOpener {
	return func(ctx context.Context, path string) (video.Source, error) {
		s, err := video.OpenSource(ctx, tools, path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// FFmpegSinks encodes output videos through ffmpeg with codec.
func FFmpegSinks(tools video.Tools, codec string) SinkCreator {
	return func(ctx context.Context, path string, size image.Point, fps float64) (video.Sink, error) {
		s, err := video.CreateSink(ctx, tools, path, video.SinkOptions{Size: size, FPS: fps, Codec: codec})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Options describes one run. The paths and OpenSource/CreateSink are
// required; every other field has a default.
type Options struct {
	GazePath      string
	VideoPath     string
	ReferencePath string
	OutputDir     string
	// TimestampsPath is a frame timestamp table, needed when the gaze table
	// carries no frame_idx column or Realign is set.
	TimestampsPath string
	// Realign ignores frame_idx and buckets samples by timestamp.
	Realign bool

	Config *config.TuningConfig
	// Engine replaces the native engine built from Config. It is not closed
	// by Run.
	Engine engine.Engine

	OpenSource SourceOpener
	CreateSink SinkCreator
	FS         fsutil.FileSystem
	Clock      timeutil.Clock

	// RunLog receives the per-frame run log. When nil the log is written to
	// RunLogName inside OutputDir.
	RunLog io.Writer
	// Store, when set, records the run, per-frame outcomes and mapped rows.
	Store *export.RunStore
	// Plot writes export.RefPlotName; Report writes export.MatchReportName.
	Plot   bool
	Report bool
	// ProgressEvery logs progress on the ops stream at this interval.
	ProgressEvery time.Duration
	// FlushTimeout replaces DefaultFlushTimeout. Sinks are created on a
	// context that outlives cancellation of the run context and is cancelled
	// only when closing them takes longer than this.
	FlushTimeout time.Duration

	// Observe is called on every state transition. With more than one
	// worker it is called from several goroutines.
	Observe func(frame int, s State)
}

// Summary describes a finished run.
type Summary struct {
	RunID              string
	Frames             int
	Matched            int
	NoMatch            int
	Degenerate         int
	Rows               int
	Samples            int
	AlignedSamples     int
	ReferenceKeypoints int
	Started            time.Time
	Duration           time.Duration
}

type runner struct {
	o       Options
	cfg     *config.TuningConfig
	fsys    fsutil.FileSystem
	clock   timeutil.Clock
	src     video.Source
	info    video.Info
	sinks   [len(sinkNames)]video.Sink
	// cancels the sink context; see Options.FlushTimeout
	stopSinks context.CancelFunc
	eng     engine.Engine
	ownEng  bool
	loc     *localize.Localizer
	ref     *image.RGBA
	buckets [][]gaze.Sample
	runLog  *log.Logger
	logFile io.Closer
	ticker  timeutil.Ticker

	// rows is the mapped gaze table in frame-then-sample order; only emit
	// appends to it.
	rows   []export.Row
	frames []export.FrameRecord
	sum    Summary
}

// Run executes a mapping run. An error wrapping ErrConfig means nothing was
// processed. Any later error comes with the populated summary; ErrExport
// means every video was written but the table or its companions were not.
func Run(ctx context.Context, o Options) (*Summary, error) {
	r := &runner{o: o}
	r.observe(0, Init)
	if err := r.init(ctx); err != nil {
		r.release()
		opsf("%v", err)
		return nil, err
	}
	opsf("run %s: %s, %d samples aligned to %d frames", r.sum.RunID, o.VideoPath, r.sum.AlignedSamples, len(r.buckets))

	var loopErr error
	if w := r.cfg.GetWorkers(); w > 1 {
		loopErr = r.parallel(ctx, w)
	} else {
		loopErr = r.sequential(ctx)
	}
	return r.finish(ctx, loopErr)
}

func (r *runner) observe(frame int, s State) {
	tracef("frame %d: %s", frame, s)
	if r.o.Observe != nil {
		r.o.Observe(frame, s)
	}
}

func configErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConfig, what, err)
}

func (r *runner) init(ctx context.Context) error {
	o := r.o
	r.fsys = o.FS
	if r.fsys == nil {
		r.fsys = fsutil.OSFileSystem{}
	}
	r.clock = o.Clock
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	r.sum.Started = r.clock.Now()
	r.cfg = o.Config
	if r.cfg == nil {
		r.cfg = config.DefaultTuningConfig()
	}
	if err := r.cfg.Validate(); err != nil {
		return configErr("tuning config", err)
	}
	policy, err := gaze.ParsePolicy(r.cfg.GetBoundaryPolicy())
	if err != nil {
		return configErr("tuning config", err)
	}
	if o.OpenSource == nil || o.CreateSink == nil {
		return configErr("video", errors.New("no video source or sink factory"))
	}
	if o.OutputDir == "" {
		return configErr("output", errors.New("no output directory"))
	}
	if err := r.fsys.MkdirAll(o.OutputDir, 0o755); err != nil {
		return configErr("output", err)
	}

	ref, err := loadReference(r.fsys, o.ReferencePath)
	if err != nil {
		return configErr("reference image", err)
	}
	r.ref = ref
	table, err := readGazeTable(r.fsys, o.GazePath)
	if err != nil {
		return configErr("gaze table", err)
	}

	if r.src, err = o.OpenSource(ctx, o.VideoPath); err != nil {
		return configErr("world video", err)
	}
	r.info = r.src.Info()
	if r.info.Width <= 0 || r.info.Height <= 0 {
		return configErr("world video", fmt.Errorf("invalid frame size %dx%d", r.info.Width, r.info.Height))
	}
	if err := r.bucket(table, policy); err != nil {
		return err
	}

	r.eng = o.Engine
	if r.eng == nil {
		r.eng = native.New(native.Options{
			MaxFeatures:      r.cfg.GetMaxFeatures(),
			RansacIterations: r.cfg.GetRansacIterations(),
			Seed:             r.cfg.GetSeed(),
		})
		r.ownEng = true
	}
	if r.loc, err = localize.New(r.eng, ref, localize.ParamsFromConfig(r.cfg)); err != nil {
		return configErr("reference image", err)
	}
	r.sum.ReferenceKeypoints = r.loc.ReferenceKeypoints()

	if err := r.copyReference(); err != nil {
		return configErr("reference image", err)
	}
	if err := r.openRunLog(); err != nil {
		return configErr("run log", err)
	}
	if err := r.openSinks(ctx); err != nil {
		return err
	}
	if o.Store != nil {
		r.sum.RunID, err = o.Store.BeginRun(ctx, export.RunRecord{
			StartedAt:     r.sum.Started,
			GazePath:      o.GazePath,
			VideoPath:     o.VideoPath,
			ReferencePath: o.ReferencePath,
			OutputDir:     o.OutputDir,
			Engine:        r.eng.Name(),
			ConfigJSON:    configJSON(r.cfg),
		})
		if err != nil {
			return configErr("run store", err)
		}
	}
	if o.ProgressEvery > 0 {
		r.ticker = r.clock.NewTicker(o.ProgressEvery)
	}

	r.runLog.Printf("video %s: %dx%d @ %.3f fps", o.VideoPath, r.info.Width, r.info.Height, r.info.FPS)
	r.runLog.Printf("reference %s: %dx%d, %d keypoints (engine %s)", o.ReferencePath,
		ref.Bounds().Dx(), ref.Bounds().Dy(), r.sum.ReferenceKeypoints, r.eng.Name())
	r.runLog.Printf("gaze %s: %d samples, %d aligned", o.GazePath, r.sum.Samples, r.sum.AlignedSamples)
	return nil
}

func (r *runner) bucket(t gaze.Table, policy gaze.Policy) error {
	r.sum.Samples = len(t.Samples)
	if t.HasFrameIndex && !r.o.Realign {
		n := r.info.Frames
		for _, s := range t.Samples {
			if s.FrameIndex >= n {
				n = s.FrameIndex + 1
			}
		}
		r.buckets = gaze.BucketByFrameIndex(t.Samples, n)
	} else {
		if r.o.TimestampsPath == "" {
			return configErr("gaze table", errors.New("no frame_idx column and no frame timestamp table"))
		}
		ts, err := readFrameTimestamps(r.fsys, r.o.TimestampsPath)
		if err != nil {
			return configErr("frame timestamps", err)
		}
		r.buckets = gaze.Align(t.Samples, ts, policy)
		diagf("aligned %d samples to %d frame timestamps (%s)", len(t.Samples), len(ts), policy)
	}
	r.sum.AlignedSamples = gaze.Count(r.buckets)
	return nil
}

func (r *runner) openRunLog() error {
	w := r.o.RunLog
	if w == nil {
		f, err := r.fsys.Create(filepath.Join(r.o.OutputDir, RunLogName))
		if err != nil {
			return err
		}
		r.logFile = f
		w = f
	}
	r.runLog = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func (r *runner) openSinks(ctx context.Context) error {
	fps := r.info.FPS
	if fps <= 0 {
		fps = 30
	}
	sizes := [len(sinkNames)]image.Point{r.info.Size(), r.ref.Bounds().Size(), r.info.Size()}
	sinkCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	r.stopSinks = stop
	for i, name := range sinkNames {
		s, err := r.o.CreateSink(sinkCtx, filepath.Join(r.o.OutputDir, name), sizes[i], fps)
		if err != nil {
			return configErr(name, err)
		}
		r.sinks[i] = s
	}
	return nil
}

// release closes everything opened so far. Used when init fails.
func (r *runner) release() {
	for _, s := range r.sinks {
		if s != nil {
			s.Close()
		}
	}
	if r.stopSinks != nil {
		r.stopSinks()
	}
	if r.src != nil {
		r.src.Close()
	}
	if r.ownEng && r.eng != nil {
		r.eng.Close()
	}
	if r.logFile != nil {
		r.logFile.Close()
	}
}

func (r *runner) samplesFor(frame int) []gaze.Sample {
	if frame < 0 || frame >= len(r.buckets) {
		return nil
	}
	return r.buckets[frame]
}

// readFrame reports false at end of stream, on decode failure or once
// max_frames frames have been read.
func (r *runner) readFrame(i int) (*image.RGBA, bool) {
	r.observe(i, ReadFrame)
	if limit := r.cfg.GetMaxFrames(); limit > 0 && i >= limit {
		diagf("frame limit %d reached", limit)
		return nil, false
	}
	frame, err := r.src.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			opsf("decode stopped at frame %d: %v", i, err)
		}
		return nil, false
	}
	return frame, true
}

func (r *runner) sequential(ctx context.Context) error {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, ok := r.readFrame(i)
		if !ok {
			return nil
		}
		r.observe(i, Localize)
		res := r.loc.Locate(frame)
		if err := r.emit(i, frame, res); err != nil {
			return err
		}
		r.observe(i, Advance)
	}
}

// emit maps and composites one located frame and writes it to every sink.
func (r *runner) emit(i int, frame *image.RGBA, res localize.Result) error {
	r.observe(i, MapAndComposite)
	start := r.clock.Now()
	world := geom.Clone(frame)
	refOut := geom.Clone(r.ref)
	var back image.Image = frame
	mapped := 0
	if res.OK() {
		mapped = r.mapGaze(i, world, refOut, res)
		back = r.backProject(i, frame, res)
	}
	r.record(i, res, mapped)

	r.observe(i, WriteOutputs)
	for k, img := range [len(sinkNames)]image.Image{world, refOut, back} {
		if err := r.sinks[k].Write(img); err != nil {
			return fmt.Errorf("write frame %d to %s: %w", i, sinkNames[k], err)
		}
	}
	tracef("frame %d: mapped and written in %s", i, r.clock.Since(start))
	r.progress()
	return nil
}

func (r *runner) mapGaze(i int, world, refOut *image.RGBA, res localize.Result) int {
	samples := r.samplesFor(i)
	if len(samples) == 0 {
		return 0
	}
	size := world.Bounds().Size()
	worldPts := make([]image.Point, 0, len(samples))
	refPts := make([]image.Point, 0, len(samples))
	for _, s := range samples {
		wp := geom.Point{X: s.NormX * float64(size.X), Y: s.NormY * float64(size.Y)}
		rp, ok := geom.MapPoint(wp, res.WorldToRef)
		if !ok {
			diagf("frame %d: gaze sample at %.3f does not map onto the reference", i, s.Timestamp)
			continue
		}
		r.rows = append(r.rows, export.Row{
			Frame:      i,
			GazeTS:     s.Timestamp,
			Confidence: s.Confidence,
			WorldX:     wp.X,
			WorldY:     wp.Y,
			RefX:       rp.X,
			RefY:       rp.Y,
		})
		worldPts = append(worldPts, image.Pt(int(wp.X), int(wp.Y)))
		refPts = append(refPts, rp)
	}
	geom.DrawMarkers(world, worldPts)
	geom.DrawMarkers(refOut, refPts)
	return len(refPts)
}

// backProject draws the reference into the frame at its located pose. The
// untouched frame is returned if the warp fails.
func (r *runner) backProject(i int, frame *image.RGBA, res localize.Result) image.Image {
	warped, err := geom.Warp(r.ref, res.RefToWorld, frame.Bounds().Size())
	if err != nil {
		diagf("frame %d: warp failed: %v", i, err)
		return frame
	}
	out, err := geom.Composite(frame, warped, r.cfg.GetMaskThreshold())
	if err != nil {
		diagf("frame %d: composite failed: %v", i, err)
		return frame
	}
	return out
}

func (r *runner) record(i int, res localize.Result, mapped int) {
	r.sum.Frames++
	switch res.Status {
	case localize.Matched:
		r.sum.Matched++
	case localize.DegenerateTransform:
		r.sum.Degenerate++
	default:
		r.sum.NoMatch++
	}
	r.sum.Rows += mapped
	r.frames = append(r.frames, export.FrameRecord{
		Frame:       i,
		Status:      res.Status.String(),
		Reason:      res.Reason,
		Keypoints:   res.FrameKeypoints,
		GoodMatches: res.GoodMatches,
	})
	if res.OK() {
		r.runLog.Printf("frame %d: matched keypoints=%d good=%d rows=%d", i, res.FrameKeypoints, res.GoodMatches, mapped)
		diagf("frame %d: matched, %d good matches", i, res.GoodMatches)
		return
	}
	r.runLog.Printf("frame %d: %s keypoints=%d good=%d: %s", i, res.Status, res.FrameKeypoints, res.GoodMatches, res.Reason)
	diagf("frame %d: %s: %s", i, res.Status, res.Reason)
}

func (r *runner) progress() {
	if r.ticker == nil {
		return
	}
	select {
	case <-r.ticker.C():
		opsf("%d frames processed, %d matched, %d rows", r.sum.Frames, r.sum.Matched, r.sum.Rows)
	default:
	}
}

// closeSinks flushes and closes every output video. The sink context is
// cancelled if that takes longer than the flush timeout.
func (r *runner) closeSinks() error {
	timeout := r.o.FlushTimeout
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	expired := time.AfterFunc(timeout, func() {
		opsf("closing output videos took longer than %s; stopping encoders", timeout)
		r.stopSinks()
	})
	defer expired.Stop()
	defer r.stopSinks()

	var closeErr error
	for k, s := range r.sinks {
		if err := s.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("close %s: %w", sinkNames[k], err)
		}
	}
	return closeErr
}

// finish closes the videos, then exports. Export problems never hide a loop
// error; both are returned joined.
func (r *runner) finish(ctx context.Context, loopErr error) (*Summary, error) {
	r.observe(r.sum.Frames, Done)
	// outputs of a cancelled run are still flushed
	ctx = context.WithoutCancel(ctx)
	if r.ticker != nil {
		r.ticker.Stop()
	}
	closeErr := r.closeSinks()
	if err := r.src.Close(); err != nil {
		diagf("close source: %v", err)
	}
	if r.ownEng {
		r.eng.Close()
	}

	exportErr := r.export(ctx)
	r.sum.Duration = r.clock.Since(r.sum.Started)
	if r.o.Store != nil {
		if err := r.finishStore(ctx, loopErr, closeErr, exportErr); err != nil && exportErr == nil {
			exportErr = fmt.Errorf("%w: %w", ErrExport, err)
		}
	}

	r.runLog.Printf("done: %d frames, %d matched, %d no match, %d degenerate, %d rows in %s",
		r.sum.Frames, r.sum.Matched, r.sum.NoMatch, r.sum.Degenerate, r.sum.Rows, r.sum.Duration)
	if r.logFile != nil {
		if err := r.logFile.Close(); err != nil && exportErr == nil {
			exportErr = fmt.Errorf("%w: close run log: %w", ErrExport, err)
		}
	}
	opsf("run finished: %d frames, %d matched, %d rows", r.sum.Frames, r.sum.Matched, r.sum.Rows)

	sum := r.sum
	if err := errors.Join(loopErr, closeErr, exportErr); err != nil {
		opsf("%v", err)
		return &sum, err
	}
	return &sum, nil
}

func (r *runner) export(ctx context.Context) error {
	dir := r.o.OutputDir
	var errs []error
	if err := export.WriteMappedTSVFile(r.fsys, filepath.Join(dir, export.MappedTSVName), r.rows); err != nil {
		errs = append(errs, err)
	}
	if r.o.Plot {
		if err := export.PlotRefGaze(r.fsys, filepath.Join(dir, export.RefPlotName), r.ref.Bounds().Size(), r.rows); err != nil {
			errs = append(errs, err)
		}
	}
	if r.o.Report {
		if err := r.writeReport(filepath.Join(dir, export.MatchReportName)); err != nil {
			errs = append(errs, err)
		}
	}
	if r.o.Store != nil {
		if err := r.o.Store.RecordFrames(ctx, r.sum.RunID, r.frames); err != nil {
			errs = append(errs, err)
		} else if err := r.o.Store.RecordRows(ctx, r.sum.RunID, r.rows); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrExport, errors.Join(errs...))
	}
	return nil
}

func (r *runner) writeReport(path string) error {
	f, err := r.fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	th := export.ReportThresholds{MinGoodMatches: r.cfg.GetMinGoodMatches(), ConfidentMatches: r.cfg.GetConfidentMatches()}
	if err := export.WriteMatchReport(f, r.frames, th); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *runner) finishStore(ctx context.Context, errs ...error) error {
	rec := export.RunRecord{
		FinishedAt:      r.sum.Started.Add(r.sum.Duration),
		FramesProcessed: r.sum.Frames,
		FramesMatched:   r.sum.Matched,
		RowsMapped:      r.sum.Rows,
		Status:          export.RunComplete,
	}
	if err := errors.Join(errs...); err != nil {
		rec.Status = export.RunFailed
		rec.Error = err.Error()
	}
	return r.o.Store.FinishRun(ctx, r.sum.RunID, rec)
}
