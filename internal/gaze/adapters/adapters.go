// Package adapters converts vendor eye-tracker recordings into the world gaze
// table, frame timestamp table and yuv420p world video consumed by the
// mapping pipeline.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/banshee-data/gazemap/internal/fsutil"
	"github.com/banshee-data/gazemap/internal/gaze"
	"github.com/banshee-data/gazemap/internal/security"
	"github.com/banshee-data/gazemap/internal/video"
)

// Output file names, shared by every vendor.
const (
	GazeTableName       = "gazeData_world.tsv"
	FrameTimestampsName = "frame_timestamps.tsv"
	WorldVideoName      = "worldCamera.mp4"
)

// ErrUnknownVendor is returned by New for an unsupported vendor name.
var ErrUnknownVendor = errors.New("unknown vendor")

// ErrRecording marks an input directory that is missing files or holds
// malformed data.
var ErrRecording = errors.New("invalid recording")

// Recording is a vendor recording normalised into pipeline terms.
type Recording struct {
	// OutputDir is relative to the output root, e.g. 2017_04_03/14-05-33.
	OutputDir string
	// Samples carry frame indices and millisecond timestamps.
	Samples []gaze.Sample
	// FrameTimestamps are in milliseconds, one per world frame.
	FrameTimestamps []float64
	// Video is the path of the vendor world video on disk.
	Video string
	// InputFPS forces the input rate when transcoding Video; 0 keeps the
	// stream's own timing.
	InputFPS float64
}

// Input is a recording directory. FS reads the directory contents; Dir is the
// same directory on disk, used for paths handed to ffmpeg.
type Input struct {
	Dir string
	FS  fs.FS
}

// DirInput returns an Input backed by the operating system.
func DirInput(dir string) Input {
	return Input{Dir: dir, FS: os.DirFS(dir)}
}

func (in Input) path(name string) string {
	return filepath.Join(in.Dir, filepath.FromSlash(name))
}

// Prober reads video metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (video.Info, error)
	FrameTimes(ctx context.Context, path string) ([]float64, error)
}

// FFprobe is a Prober backed by the ffprobe binary.
type FFprobe struct {
	Tools video.Tools
}

func (p FFprobe) Probe(ctx context.Context, path string) (video.Info, error) {
	return video.Probe(ctx, p.Tools, path)
}

func (p FFprobe) FrameTimes(ctx context.Context, path string) ([]float64, error) {
	return video.ProbeFrameTimes(ctx, p.Tools, path)
}

// Transcoder re-encodes a vendor world video to out.
type Transcoder func(ctx context.Context, in, out string, inputFPS float64) error

// FFmpegTranscoder returns a Transcoder backed by the ffmpeg binary.
func FFmpegTranscoder(tools video.Tools, codec string) Transcoder {
	return func(ctx context.Context, in, out string, inputFPS float64) error {
		return video.Transcode(ctx, tools, in, out, video.TranscodeOptions{Codec: codec, InputFPS: inputFPS})
	}
}

// Adapter loads one vendor's recording layout.
type Adapter interface {
	Name() string
	Load(ctx context.Context, in Input) (*Recording, error)
}

// Vendors lists the names New accepts.
var Vendors = []string{"pupil", "tobii", "smi"}

// New returns the adapter for vendor. session is used by SMI only.
func New(vendor string, p Prober, session int) (Adapter, error) {
	switch vendor {
	case "pupil":
		return Pupil{}, nil
	case "tobii":
		return Tobii{Prober: p}, nil
	case "smi":
		return SMI{Prober: p, Session: session}, nil
	default:
		return nil, fmt.Errorf("%w %q (want one of %v)", ErrUnknownVendor, vendor, Vendors)
	}
}

// Write stores rec under root/rec.OutputDir and returns that directory. The
// tables are written through fsys; the video is transcoded with transcode.
func Write(ctx context.Context, fsys fsutil.FileSystem, root string, rec *Recording, transcode Transcoder) (string, error) {
	dir, err := security.JoinWithin(root, rec.OutputDir)
	if err != nil {
		return "", err
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	gazePath := filepath.Join(dir, GazeTableName)
	if err := writeTo(fsys, gazePath, func(f io.Writer) error { return gaze.WriteGazeTable(f, rec.Samples) }); err != nil {
		return "", err
	}
	tsPath := filepath.Join(dir, FrameTimestampsName)
	if err := writeTo(fsys, tsPath, func(f io.Writer) error { return gaze.WriteFrameTimestamps(f, rec.FrameTimestamps) }); err != nil {
		return "", err
	}
	diagf("wrote %d samples and %d frame timestamps to %s", len(rec.Samples), len(rec.FrameTimestamps), dir)

	if transcode != nil && rec.Video != "" {
		out := filepath.Join(dir, WorldVideoName)
		if err := transcode(ctx, rec.Video, out, rec.InputFPS); err != nil {
			return "", fmt.Errorf("world video: %w", err)
		}
		diagf("transcoded %s to %s", rec.Video, out)
	}
	return dir, nil
}

func writeTo(fsys fsutil.FileSystem, path string, fn func(io.Writer) error) error {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Preprocess loads in with a and writes the result under root.
func Preprocess(ctx context.Context, a Adapter, in Input, fsys fsutil.FileSystem, root string, transcode Transcoder) (string, error) {
	rec, err := a.Load(ctx, in)
	if err != nil {
		opsf("%s: %v", a.Name(), err)
		return "", fmt.Errorf("%s: %w", a.Name(), err)
	}
	return Write(ctx, fsys, root, rec, transcode)
}

func recordingErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRecording, fmt.Sprintf(format, args...))
}
