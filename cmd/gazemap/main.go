// Command gazemap maps world-camera gaze onto a reference image: it localizes
// the reference in every world frame, projects the gaze samples through the
// frame homography and writes annotated videos plus the mapped gaze table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/gazemap/internal/config"
	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/export"
	"github.com/banshee-data/gazemap/internal/localize"
	"github.com/banshee-data/gazemap/internal/pipeline"
	"github.com/banshee-data/gazemap/internal/version"
	"github.com/banshee-data/gazemap/internal/video"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

type options struct {
	gaze, video, ref, out string
	configPath            string
	timestamps            string
	dbPath                string
	envFile               string
	engine                string
	frames, workers       int
	realign               bool
	plot, report          bool
	debug                 bool
	progress              time.Duration
	showVersion           bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("gazemap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.gaze, "gaze", "", "world gaze table (gazeData_world.tsv)")
	fs.StringVar(&o.video, "video", "", "world camera video")
	fs.StringVar(&o.ref, "ref", "", "reference image")
	fs.StringVar(&o.out, "o", "", "output directory")
	fs.StringVar(&o.configPath, "config", "", "tuning config JSON (defaults when empty)")
	fs.StringVar(&o.timestamps, "timestamps", "", "frame timestamp table, for gaze tables without frame_idx")
	fs.StringVar(&o.dbPath, "db", "", "SQLite run store; runs are recorded when set")
	fs.StringVar(&o.envFile, "env", ".env", "dotenv file with "+video.EnvFFmpeg+" and "+video.EnvFFprobe)
	fs.StringVar(&o.engine, "engine", "auto", "interest-point engine: auto, native or gocv. auto picks gocv when built with -tags withcv. "+
		"native tolerates in-plane rotation, scale changes up to about 1.44x and mild perspective; use gocv for larger viewpoint changes")
	fs.IntVar(&o.frames, "frames", 0, "stop after this many frames (overrides max_frames)")
	fs.IntVar(&o.workers, "workers", 0, "localization workers (overrides workers)")
	fs.BoolVar(&o.realign, "realign", false, "ignore frame_idx and align samples by timestamp")
	fs.BoolVar(&o.plot, "plot", false, "write "+export.RefPlotName)
	fs.BoolVar(&o.report, "report", false, "write "+export.MatchReportName)
	fs.BoolVar(&o.debug, "debug", false, "write trace logging to the run log")
	fs.DurationVar(&o.progress, "progress", 10*time.Second, "progress interval on stdout (0 disables)")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.showVersion {
		return o, nil
	}
	for _, req := range []struct{ name, val string }{
		{"gaze", o.gaze}, {"video", o.video}, {"ref", o.ref}, {"o", o.out},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("-%s is required", req.name)
		}
	}
	if o.frames < 0 || o.workers < 0 {
		return nil, errors.New("-frames and -workers must not be negative")
	}
	return o, nil
}

// loadConfig reads the tuning file, if any, and applies flag overrides.
func loadConfig(o *options) (*config.TuningConfig, error) {
	cfg := config.EmptyTuningConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.frames > 0 {
		cfg.MaxFrames = &o.frames
	}
	if o.workers > 0 {
		cfg.Workers = &o.workers
	}
	return cfg, cfg.Validate()
}

func newEngine(name string) (engine.Engine, error) {
	switch name {
	case "", "auto":
		if cvBuiltIn {
			return newCVEngine()
		}
		return nil, nil
	case "native":
		// the pipeline builds the native engine from the tuning config
		return nil, nil
	case "gocv":
		return newCVEngine()
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

func setLogWriters(ops, diag, trace io.Writer) {
	pipeline.SetLogWriters(ops, diag, trace)
	localize.SetLogWriters(ops, diag, trace)
	video.SetLogWriters(ops, diag, trace)
	export.SetLogWriters(ops, diag, trace)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "gazemap: %v\n", err)
		return exitUsage
	}
	if o.showVersion {
		fmt.Fprintln(stdout, version.String("gazemap"))
		return exitOK
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "gazemap: %v\n", err)
		return exitUsage
	}
	tools, err := video.ToolsFromEnv(o.envFile)
	if err != nil {
		fmt.Fprintf(stderr, "gazemap: %v\n", err)
		return exitUsage
	}
	eng, err := newEngine(o.engine)
	if err != nil {
		fmt.Fprintf(stderr, "gazemap: %v\n", err)
		return exitUsage
	}
	if eng != nil {
		defer eng.Close()
	}

	if err := os.MkdirAll(o.out, 0o755); err != nil {
		fmt.Fprintf(stderr, "gazemap: %v\n", err)
		return exitError
	}
	logFile, err := os.Create(filepath.Join(o.out, pipeline.RunLogName))
	if err != nil {
		fmt.Fprintf(stderr, "gazemap: %v\n", err)
		return exitError
	}
	defer logFile.Close()
	fmt.Fprintln(logFile, version.String("gazemap"))

	var trace io.Writer
	if o.debug {
		trace = logFile
	}
	setLogWriters(io.MultiWriter(stdout, logFile), logFile, trace)
	defer setLogWriters(nil, nil, nil)

	var store *export.RunStore
	if o.dbPath != "" {
		if store, err = export.OpenRunStore(o.dbPath); err != nil {
			fmt.Fprintf(stderr, "gazemap: %v\n", err)
			return exitError
		}
		defer store.Close()
	}

	sum, err := pipeline.Run(ctx, pipeline.Options{
		GazePath:       o.gaze,
		VideoPath:      o.video,
		ReferencePath:  o.ref,
		OutputDir:      o.out,
		TimestampsPath: o.timestamps,
		Realign:        o.realign,
		Config:         cfg,
		Engine:         eng,
		OpenSource:     pipeline.FFmpegSources(tools),
		CreateSink:     pipeline.FFmpegSinks(tools, cfg.GetVideoCodec()),
		RunLog:         logFile,
		Store:          store,
		Plot:           o.plot,
		Report:         o.report,
		ProgressEvery:  o.progress,
	})
	if sum != nil {
		fmt.Fprintf(stdout, "%d frames: %d matched, %d no match, %d degenerate; %d of %d samples mapped in %s\n",
			sum.Frames, sum.Matched, sum.NoMatch, sum.Degenerate, sum.Rows, sum.AlignedSamples,
			sum.Duration.Round(time.Millisecond))
		if sum.RunID != "" {
			fmt.Fprintf(stdout, "run %s recorded in %s\n", sum.RunID, o.dbPath)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "gazemap: %v\n", err)
		if errors.Is(err, pipeline.ErrConfig) {
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
