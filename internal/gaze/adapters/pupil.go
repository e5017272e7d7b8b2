package adapters

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/gazemap/internal/gaze"
)

// Pupil Labs recording file names.
const (
	pupilInfo       = "info.csv"
	pupilData       = "pupil_data"
	pupilTimestamps = "world_timestamps.npy"
	pupilVideo      = "world.mp4"
)

// Pupil reads Pupil Labs Capture recordings.
type Pupil struct{}

func (Pupil) Name() string { return "pupil" }

type pupilRecord struct {
	GazePositions []pupilGaze `msgpack:"gaze_positions"`
}

type pupilGaze struct {
	Timestamp  float64   `msgpack:"timestamp"`
	Confidence float64   `msgpack:"confidence"`
	NormPos    []float64 `msgpack:"norm_pos"`
}

// Load aligns gaze positions to world frames by timestamp midpoint. Gaze
// timestamps are written in milliseconds, frame timestamps relative to the
// first aligned sample, and y is flipped to a top-left origin.
func (p Pupil) Load(ctx context.Context, in Input) (*Recording, error) {
	dir, err := pupilOutputDir(in.FS)
	if err != nil {
		return nil, err
	}
	samples, err := readPupilGaze(in.FS)
	if err != nil {
		return nil, err
	}
	frameTS, err := readPupilTimestamps(in.FS)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buckets := gaze.Align(samples, frameTS, gaze.PolicyMidpoint)
	origin := frameTS[0]
	for _, b := range buckets {
		if len(b) > 0 {
			origin = b[0].Timestamp
			break
		}
	}

	rec := &Recording{
		OutputDir:       dir,
		FrameTimestamps: make([]float64, len(frameTS)),
		Video:           in.path(pupilVideo),
	}
	for _, b := range buckets {
		for _, s := range b {
			s.Timestamp *= 1000
			s.NormY = 1 - s.NormY
			rec.Samples = append(rec.Samples, s)
		}
	}
	for i, t := range frameTS {
		rec.FrameTimestamps[i] = (t - origin) * 1000
	}
	diagf("pupil: %d of %d gaze positions aligned to %d frames", len(rec.Samples), len(samples), len(frameTS))
	return rec, nil
}

// pupilOutputDir maps the Start Date (dd.mm.yyyy) and Start Time (HH:MM:SS)
// rows of info.csv to YYYY_MM_DD/HH-MM-SS.
func pupilOutputDir(fsys fs.FS) (string, error) {
	f, err := fsys.Open(pupilInfo)
	if err != nil {
		return "", recordingErr("%s: %v", pupilInfo, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	var date, clock string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", recordingErr("%s: %v", pupilInfo, err)
		}
		if len(rec) < 2 {
			continue
		}
		switch strings.TrimSpace(rec[0]) {
		case "Start Date":
			date = strings.TrimSpace(rec[1])
		case "Start Time":
			clock = strings.TrimSpace(rec[1])
		}
	}
	if date == "" || clock == "" {
		return "", recordingErr("%s: missing Start Date or Start Time", pupilInfo)
	}
	t, err := time.Parse("02.01.2006 15:04:05", date+" "+clock)
	if err != nil {
		return "", recordingErr("%s: %v", pupilInfo, err)
	}
	return path.Join(t.Format("2006_01_02"), t.Format("15-04-05")), nil
}

func readPupilGaze(fsys fs.FS) ([]gaze.Sample, error) {
	f, err := fsys.Open(pupilData)
	if err != nil {
		return nil, recordingErr("%s: %v", pupilData, err)
	}
	defer f.Close()

	var rec pupilRecord
	if err := msgpack.NewDecoder(f).Decode(&rec); err != nil {
		return nil, recordingErr("decode %s: %v", pupilData, err)
	}
	out := make([]gaze.Sample, 0, len(rec.GazePositions))
	for i, g := range rec.GazePositions {
		if len(g.NormPos) != 2 {
			return nil, recordingErr("%s: gaze position %d has %d coordinates", pupilData, i, len(g.NormPos))
		}
		out = append(out, gaze.Sample{
			Timestamp:  g.Timestamp,
			Confidence: g.Confidence,
			NormX:      g.NormPos[0],
			NormY:      g.NormPos[1],
			FrameIndex: gaze.Unassigned,
		})
	}
	tracef("pupil: decoded %d gaze positions", len(out))
	return out, nil
}

func readPupilTimestamps(fsys fs.FS) ([]float64, error) {
	f, err := fsys.Open(pupilTimestamps)
	if err != nil {
		return nil, recordingErr("%s: %v", pupilTimestamps, err)
	}
	defer f.Close()
	ts, err := readNPYFloat64(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRecording, pupilTimestamps, err)
	}
	if len(ts) == 0 {
		return nil, recordingErr("%s: no frames", pupilTimestamps)
	}
	return ts, nil
}
