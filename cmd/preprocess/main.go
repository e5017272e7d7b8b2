// Command preprocess converts a Pupil Labs, Tobii Pro Glasses 2 or SMI
// recording into the world gaze table, frame timestamp table and world video
// read by gazemap.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/banshee-data/gazemap/internal/fsutil"
	"github.com/banshee-data/gazemap/internal/gaze/adapters"
	"github.com/banshee-data/gazemap/internal/version"
	"github.com/banshee-data/gazemap/internal/video"
)

type options struct {
	vendor, in, out string
	session         int
	codec           string
	envFile         string
	verbose         bool
	showVersion     bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("preprocess", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.vendor, "vendor", "", "recording vendor: "+strings.Join(adapters.Vendors, ", "))
	fs.StringVar(&o.in, "in", "", "recording directory")
	fs.StringVar(&o.out, "out", "", "output root; files land in <out>/<date>/<time>")
	fs.IntVar(&o.session, "session", 1, "session number (smi)")
	fs.StringVar(&o.codec, "codec", "mpeg4", "video codec for "+adapters.WorldVideoName)
	fs.StringVar(&o.envFile, "env", ".env", "dotenv file with "+video.EnvFFmpeg+" and "+video.EnvFFprobe)
	fs.BoolVar(&o.verbose, "v", false, "log input discovery and files written")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.showVersion {
		return o, nil
	}
	if o.vendor == "" || o.in == "" || o.out == "" {
		return nil, errors.New("-vendor, -in and -out are required")
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "preprocess: %v\n", err)
		return 2
	}
	if o.showVersion {
		fmt.Fprintln(stdout, version.String("preprocess"))
		return 0
	}

	var diag io.Writer
	if o.verbose {
		diag = stderr
	}
	adapters.SetLogWriters(stderr, diag, nil)
	video.SetLogWriters(stderr, diag, nil)
	defer adapters.SetLogWriters(nil, nil, nil)
	defer video.SetLogWriters(nil, nil, nil)

	tools, err := video.ToolsFromEnv(o.envFile)
	if err != nil {
		fmt.Fprintf(stderr, "preprocess: %v\n", err)
		return 2
	}
	a, err := adapters.New(o.vendor, adapters.FFprobe{Tools: tools}, o.session)
	if err != nil {
		fmt.Fprintf(stderr, "preprocess: %v\n", err)
		return 2
	}

	dir, err := adapters.Preprocess(ctx, a, adapters.DirInput(o.in), fsutil.OSFileSystem{}, o.out,
		adapters.FFmpegTranscoder(tools, o.codec))
	if err != nil {
		fmt.Fprintf(stderr, "preprocess: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, dir)
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
