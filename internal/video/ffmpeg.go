package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/gazemap/internal/geom"
)

// Tools names the ffmpeg and ffprobe binaries.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

// DefaultTools resolves both binaries from PATH.
func DefaultTools() Tools {
	return Tools{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

func (t Tools) ffmpeg() string {
	if t.FFmpeg == "" {
		return "ffmpeg"
	}
	return t.FFmpeg
}

func (t Tools) ffprobe() string {
	if t.FFprobe == "" {
		return "ffprobe"
	}
	return t.FFprobe
}

// run executes a command and returns stdout, or stderr in the error.
func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errout bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(errout.String()))
	}
	return out.Bytes(), nil
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames",
		"-of", "json",
		path,
	}
}

// Probe reads stream dimensions, frame rate and frame count.
func Probe(ctx context.Context, tools Tools, path string) (Info, error) {
	out, err := run(ctx, tools.ffprobe(), probeArgs(path)...)
	if err != nil {
		return Info{}, fmt.Errorf("probe %s: %w", path, err)
	}
	info, err := parseProbe(out)
	if err != nil {
		return Info{}, fmt.Errorf("probe %s: %w", path, err)
	}
	diagf("probe %s: %dx%d @ %.3f fps, %d frames", path, info.Width, info.Height, info.FPS, info.Frames)
	return info, nil
}

func parseProbe(data []byte) (Info, error) {
	if !gjson.ValidBytes(data) {
		return Info{}, errors.New("ffprobe output is not JSON")
	}
	s := gjson.GetBytes(data, "streams.0")
	if !s.Exists() {
		return Info{}, errors.New("no video stream")
	}
	info := Info{
		Width:  int(s.Get("width").Int()),
		Height: int(s.Get("height").Int()),
		Frames: int(s.Get("nb_frames").Int()),
	}
	if info.Width <= 0 || info.Height <= 0 {
		return Info{}, fmt.Errorf("invalid dimensions %dx%d", info.Width, info.Height)
	}
	info.FPS = parseRate(s.Get("avg_frame_rate").String())
	if info.FPS <= 0 {
		info.FPS = parseRate(s.Get("r_frame_rate").String())
	}
	return info, nil
}

// parseRate turns an ffprobe rational such as "30000/1001" into a float.
func parseRate(r string) float64 {
	num, den, found := strings.Cut(r, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ProbeFrameTimes returns the presentation timestamp of each frame in
// milliseconds.
func ProbeFrameTimes(ctx context.Context, tools Tools, path string) ([]float64, error) {
	out, err := run(ctx, tools.ffprobe(),
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "frame=best_effort_timestamp_time,pts_time",
		"-of", "json",
		path)
	if err != nil {
		return nil, fmt.Errorf("probe frame times %s: %w", path, err)
	}
	return parseFrameTimes(out)
}

func parseFrameTimes(data []byte) ([]float64, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("ffprobe output is not JSON")
	}
	frames := gjson.GetBytes(data, "frames").Array()
	out := make([]float64, 0, len(frames))
	for i, f := range frames {
		t := f.Get("best_effort_timestamp_time")
		if !t.Exists() || t.String() == "N/A" {
			t = f.Get("pts_time")
		}
		v, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("frame %d: no timestamp", i)
		}
		out = append(out, v*1000)
	}
	return out, nil
}

// FFmpegSource decodes a video through an ffmpeg rawvideo pipe.
type FFmpegSource struct {
	info   Info
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	frame  int
	done   bool
}

// OpenSource probes path and starts the decoder.
func OpenSource(ctx context.Context, tools Tools, path string) (*FFmpegSource, error) {
	info, err := Probe(ctx, tools, path)
	if err != nil {
		return nil, err
	}
	s := &FFmpegSource{info: info}
	s.cmd = exec.CommandContext(ctx, tools.ffmpeg(), decodeArgs(path)...)
	s.cmd.Stderr = &s.stderr
	if s.stdout, err = s.cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("decoder pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	return s, nil
}

// decodeArgs emits every decoded frame once, in stream order, so frame
// indices line up with the probed frame timestamps of variable-rate video.
// -fps_mode needs ffmpeg 5.1 or later.
func decodeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-i", path,
		"-fps_mode", "passthrough",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-",
	}
}

func (s *FFmpegSource) Info() Info { return s.info }

// Next reads one frame. A partial frame at the end of the stream is reported
// as an error rather than io.EOF.
func (s *FFmpegSource) Next() (*image.RGBA, error) {
	if s.done {
		return nil, io.EOF
	}
	img := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	if _, err := io.ReadFull(s.stdout, img.Pix); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		opsf("decoder stream truncated at frame %d: %v", s.frame, err)
		return nil, fmt.Errorf("decode frame %d: %w", s.frame, err)
	}
	tracef("decoded frame %d", s.frame)
	s.frame++
	return img, nil
}

// Close stops the decoder. Stopping early is not an error.
func (s *FFmpegSource) Close() error {
	s.stdout.Close()
	if !s.done && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	if s.done && err != nil {
		return fmt.Errorf("decoder: %w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

// FFmpegSink encodes frames through an ffmpeg rawvideo stdin pipe.
type FFmpegSink struct {
	size   image.Point
	path   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	frames int
	closed bool
}

// SinkOptions configures an encoder.
type SinkOptions struct {
	Size  image.Point
	FPS   float64
	Codec string
}

func encodeArgs(path string, o SinkOptions) []string {
	codec := o.Codec
	if codec == "" {
		codec = "mpeg4"
	}
	fps := o.FPS
	if fps <= 0 {
		fps = 30
	}
	return []string{
		"-y", "-v", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", o.Size.X, o.Size.Y),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", codec,
		"-q:v", "3",
		"-pix_fmt", "yuv420p",
		path,
	}
}

// CreateSink starts an encoder writing to path.
func CreateSink(ctx context.Context, tools Tools, path string, o SinkOptions) (*FFmpegSink, error) {
	if o.Size.X <= 0 || o.Size.Y <= 0 {
		return nil, fmt.Errorf("sink %s: invalid size %v", path, o.Size)
	}
	s := &FFmpegSink{size: o.Size, path: path}
	s.cmd = exec.CommandContext(ctx, tools.ffmpeg(), encodeArgs(path, o)...)
	s.cmd.Stderr = &s.stderr
	var err error
	if s.stdin, err = s.cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("encoder pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder for %s: %w", path, err)
	}
	diagf("encoder %s: %dx%d codec=%s", path, o.Size.X, o.Size.Y, o.Codec)
	return s, nil
}

func (s *FFmpegSink) Write(img image.Image) error {
	if s.closed {
		return ErrClosed
	}
	if got := img.Bounds().Size(); got != s.size {
		return fmt.Errorf("%s: frame %v does not match sink size %v", s.path, got, s.size)
	}
	rgba := geom.ToRGBA(img)
	if _, err := s.stdin.Write(rgba.Pix); err != nil {
		return fmt.Errorf("%s: write frame %d: %w: %s", s.path, s.frames, err, strings.TrimSpace(s.stderr.String()))
	}
	s.frames++
	return nil
}

// Close flushes the encoder and waits for it to exit.
func (s *FFmpegSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder %s: %w: %s", s.path, err, strings.TrimSpace(s.stderr.String()))
	}
	diagf("encoder %s: wrote %d frames", s.path, s.frames)
	return nil
}

// TranscodeOptions configures Transcode. InputFPS, when set, overrides the
// input frame rate for streams without reliable timing.
type TranscodeOptions struct {
	Codec    string
	InputFPS float64
}

func transcodeArgs(in, out string, o TranscodeOptions) []string {
	codec := o.Codec
	if codec == "" {
		codec = "mpeg4"
	}
	args := []string{"-y", "-v", "error"}
	if o.InputFPS > 0 {
		args = append(args, "-r", strconv.FormatFloat(o.InputFPS, 'f', -1, 64))
	}
	return append(args, "-i", in, "-c:v", codec, "-pix_fmt", "yuv420p", "-an", out)
}

// Transcode re-encodes in to out as yuv420p.
func Transcode(ctx context.Context, tools Tools, in, out string, o TranscodeOptions) error {
	if _, err := run(ctx, tools.ffmpeg(), transcodeArgs(in, out, o)...); err != nil {
		return fmt.Errorf("transcode %s: %w", in, err)
	}
	diagf("transcoded %s to %s", in, out)
	return nil
}
