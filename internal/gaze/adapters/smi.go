package adapters

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/gazemap/internal/gaze"
	"github.com/banshee-data/gazemap/internal/security"
)

// SMI raw export columns.
const (
	smiTime  = "Time"
	smiPORX  = "B POR X [px]"
	smiPORY  = "B POR Y [px]"
	smiFrame = "Frame"
	smiEvent = "B Event Info"
)

// SMI reads one session of an SMI BeGaze export directory.
type SMI struct {
	Prober  Prober
	Session int
}

func (SMI) Name() string { return "smi" }

// Load picks the session's scene video (name contains -<session>-) and raw
// export (name contains _<session, three digits>_). Frame indices advance
// whenever the Frame label changes; blinks get zero confidence.
func (s SMI) Load(ctx context.Context, in Input) (*Recording, error) {
	if s.Prober == nil {
		return nil, fmt.Errorf("smi: no video prober")
	}
	if s.Session < 0 {
		return nil, fmt.Errorf("smi: session %d", s.Session)
	}
	movie, data, err := smiFiles(in.FS, s.Session)
	if err != nil {
		return nil, err
	}
	videoPath := in.path(movie)
	info, err := s.Prober.Probe(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("smi video: %w", err)
	}

	f, err := in.FS.Open(data)
	if err != nil {
		return nil, recordingErr("%s: %v", data, err)
	}
	samples, err := readSMIExport(f, float64(info.Width), float64(info.Height))
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRecording, data, err)
	}

	frameTS, err := s.Prober.FrameTimes(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("smi frame timestamps: %w", err)
	}
	diagf("smi: session %d: %d samples, %d frames from %s", s.Session, len(samples), len(frameTS), movie)
	export := security.SanitizeFilename(filepath.Base(filepath.Clean(in.Dir)))
	return &Recording{
		OutputDir:       path.Join(export, fmt.Sprintf("%03d", s.Session)),
		Samples:         samples,
		FrameTimestamps: frameTS,
		Video:           videoPath,
	}, nil
}

func smiFiles(fsys fs.FS, session int) (movie, data string, err error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return "", "", recordingErr("list input: %v", err)
	}
	movieTag := "-" + strconv.Itoa(session) + "-"
	dataTag := fmt.Sprintf("_%03d_", session)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if movie == "" && strings.Contains(name, movieTag) {
			movie = name
		}
		if data == "" && strings.Contains(name, dataTag) {
			data = name
		}
	}
	if movie == "" {
		return "", "", recordingErr("no scene video matching %q", movieTag)
	}
	if data == "" {
		return "", "", recordingErr("no raw export matching %q", dataTag)
	}
	return movie, data, nil
}

func readSMIExport(r io.Reader, width, height float64) ([]gaze.Sample, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("video size %gx%g", width, height)
	}
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	idx := make(map[string]int, 5)
	for _, c := range []string{smiTime, smiPORX, smiPORY, smiFrame, smiEvent} {
		i, ok := cols[c]
		if !ok {
			return nil, fmt.Errorf("%w %q", gaze.ErrMissingColumn, c)
		}
		idx[c] = i
	}

	var out []gaze.Sample
	var prevLabel string
	frame, rows := 0, 0
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		field := func(c string) string {
			if i := idx[c]; i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		ts, err := strconv.ParseFloat(field(smiTime), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, smiTime, err)
		}
		x, okX, err := porField(field(smiPORX))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, smiPORX, err)
		}
		y, okY, err := porField(field(smiPORY))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, smiPORY, err)
		}

		label := field(smiFrame)
		if rows > 0 && label != prevLabel {
			frame++
		}
		prevLabel = label
		rows++
		if !okX || !okY {
			// no gaze recorded; the row still counts towards frame labels
			continue
		}

		conf := 1.0
		if field(smiEvent) == "Blink" {
			conf = 0
		}
		out = append(out, gaze.Sample{
			Timestamp:  ts / 1000,
			Confidence: conf,
			NormX:      x / width,
			NormY:      y / height,
			FrameIndex: frame,
		})
	}
	return out, nil
}

// porField parses a point-of-regard cell. Blank and NaN cells report false.
func porField(v string) (float64, bool, error) {
	if v == "" || strings.EqualFold(v, "nan") {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, err
	}
	return f, !math.IsNaN(f), nil
}
