package adapters

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/gazemap/internal/gaze"
)

// Tobii Pro Glasses 2 segment file names.
const (
	tobiiSegment  = "segment.json"
	tobiiLiveData = "livedata.json.gz"
	tobiiVideo    = "fullstream.mp4"
)

// tobiiInputFPS is the scene camera rate forced when transcoding.
const tobiiInputFPS = 25

// Event is one decoded livedata record: a *SyncEvent, *EyeEvent, *GazeEvent
// or *Gaze3DEvent.
type Event interface {
	// Timestamp is the tracker time in microseconds.
	Timestamp() int64
	// Status is the record's error code; 0 means valid.
	Status() int
}

type eventHeader struct {
	TS int64
	S  int
}

func (h eventHeader) Timestamp() int64 { return h.TS }
func (h eventHeader) Status() int      { return h.S }

// SyncEvent pairs tracker time with video time (vts, microseconds).
type SyncEvent struct {
	eventHeader
	VTS int64
}

// EyeField names the per-eye measurement carried by an EyeEvent.
type EyeField string

const (
	PupilCenter   EyeField = "pc"
	PupilDiameter EyeField = "pd"
	GazeDirection EyeField = "gd"
)

// EyeEvent is a single-eye measurement. Values holds three coordinates for
// pc and gd, one diameter for pd.
type EyeEvent struct {
	eventHeader
	Eye    string
	Field  EyeField
	Values []float64
}

// GazeEvent is a gaze position normalised to the scene camera frame.
type GazeEvent struct {
	eventHeader
	X, Y float64
}

// Gaze3DEvent is a gaze position in scene camera space (mm).
type Gaze3DEvent struct {
	eventHeader
	X, Y, Z float64
}

// DecodeEvent classifies one livedata line. Records that are none of the
// known kinds return nil with no error.
func DecodeEvent(line []byte) (Event, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("invalid json: %.40q", line)
	}
	r := gjson.ParseBytes(line)
	ts := r.Get("ts")
	if !ts.Exists() {
		return nil, nil
	}
	h := eventHeader{TS: ts.Int(), S: int(r.Get("s").Int())}

	if v := r.Get("vts"); v.Exists() {
		return &SyncEvent{eventHeader: h, VTS: v.Int()}, nil
	}
	if eye := r.Get("eye"); eye.Exists() {
		for _, f := range []EyeField{PupilCenter, PupilDiameter, GazeDirection} {
			v := r.Get(string(f))
			if !v.Exists() {
				continue
			}
			e := &EyeEvent{eventHeader: h, Eye: eye.String(), Field: f}
			if v.IsArray() {
				for _, c := range v.Array() {
					e.Values = append(e.Values, c.Float())
				}
			} else {
				e.Values = []float64{v.Float()}
			}
			return e, nil
		}
		return nil, nil
	}
	if gp := r.Get("gp"); gp.Exists() {
		c := gp.Array()
		if len(c) != 2 {
			return nil, fmt.Errorf("gp at ts %d has %d coordinates", h.TS, len(c))
		}
		return &GazeEvent{eventHeader: h, X: c[0].Float(), Y: c[1].Float()}, nil
	}
	if gp3 := r.Get("gp3"); gp3.Exists() {
		c := gp3.Array()
		if len(c) != 3 {
			return nil, fmt.Errorf("gp3 at ts %d has %d coordinates", h.TS, len(c))
		}
		return &Gaze3DEvent{eventHeader: h, X: c[0].Float(), Y: c[1].Float(), Z: c[2].Float()}, nil
	}
	return nil, nil
}

// ReadEvents decodes a gzip-compressed livedata stream in file order.
func ReadEvents(r io.Reader) ([]Event, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("livedata: %w", err)
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var out []Event
	line, skipped := 0, 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		ev, err := DecodeEvent(b)
		if err != nil {
			return nil, fmt.Errorf("livedata line %d: %w", line, err)
		}
		if ev == nil {
			skipped++
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("livedata line %d: %w", line, err)
	}
	tracef("tobii: %d events decoded, %d records skipped", len(out), skipped)
	return out, nil
}

// Tobii reads Tobii Pro Glasses 2 recording segments.
type Tobii struct {
	Prober Prober
}

func (Tobii) Name() string { return "tobii" }

// Load maps every gaze position onto the scene video clock through the
// latest preceding sync event and derives its frame index from the video's
// frame timestamps.
func (t Tobii) Load(ctx context.Context, in Input) (*Recording, error) {
	if t.Prober == nil {
		return nil, fmt.Errorf("tobii: no video prober")
	}
	dir, err := tobiiOutputDir(in.FS)
	if err != nil {
		return nil, err
	}
	f, err := in.FS.Open(tobiiLiveData)
	if err != nil {
		return nil, recordingErr("%s: %v", tobiiLiveData, err)
	}
	events, err := ReadEvents(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecording, err)
	}

	videoPath := in.path(tobiiVideo)
	frameTS, err := t.Prober.FrameTimes(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("tobii frame timestamps: %w", err)
	}
	if len(frameTS) == 0 {
		return nil, recordingErr("%s: no frames", tobiiVideo)
	}

	samples := tobiiSamples(events, frameTS)
	diagf("tobii: %d gaze samples over %d frames", len(samples), len(frameTS))
	return &Recording{
		OutputDir:       dir,
		Samples:         samples,
		FrameTimestamps: frameTS,
		Video:           videoPath,
		InputFPS:        tobiiInputFPS,
	}, nil
}

func tobiiOutputDir(fsys fs.FS) (string, error) {
	data, err := fs.ReadFile(fsys, tobiiSegment)
	if err != nil {
		return "", recordingErr("%s: %v", tobiiSegment, err)
	}
	created := gjson.GetBytes(data, "seg_created")
	if !created.Exists() {
		return "", recordingErr("%s: no seg_created", tobiiSegment)
	}
	ts, err := time.Parse("2006-01-02T15:04:05-0700", created.String())
	if err != nil {
		return "", recordingErr("%s: seg_created: %v", tobiiSegment, err)
	}
	return path.Join(ts.Format("2006_01_02"), ts.Format("15-04-05")), nil
}

// tobiiSamples converts gaze positions to samples. Positions sharing a
// timestamp collapse to the last one; positions before the first sync event
// are dropped.
func tobiiSamples(events []Event, frameTS []float64) []gaze.Sample {
	var syncs []*SyncEvent
	byTS := make(map[int64]*GazeEvent)
	for _, ev := range events {
		switch e := ev.(type) {
		case *SyncEvent:
			syncs = append(syncs, e)
		case *GazeEvent:
			byTS[e.TS] = e
		}
	}
	sort.SliceStable(syncs, func(a, b int) bool { return syncs[a].TS < syncs[b].TS })
	order := make([]int64, 0, len(byTS))
	for ts := range byTS {
		order = append(order, ts)
	}
	sort.Slice(order, func(a, b int) bool { return order[a] < order[b] })

	out := make([]gaze.Sample, 0, len(order))
	dropped := 0
	for _, ts := range order {
		// latest sync at or before ts
		k := sort.Search(len(syncs), func(i int) bool { return syncs[i].TS > ts }) - 1
		if k < 0 {
			dropped++
			continue
		}
		vts := ts - syncs[k].TS + syncs[k].VTS
		g := byTS[ts]
		conf := 0.0
		if g.S == 0 {
			conf = 1
		}
		out = append(out, gaze.Sample{
			Timestamp:  float64(ts) / 1000,
			Confidence: conf,
			NormX:      g.X,
			NormY:      g.Y,
			FrameIndex: videoFrameIndex(frameTS, float64(vts)/1000),
		})
	}
	if dropped > 0 {
		diagf("tobii: dropped %d gaze samples before the first sync event", dropped)
	}
	return out
}

// videoFrameIndex returns the frame showing at vts (ms): one before the first
// frame timestamp >= vts, clamped to 0.
func videoFrameIndex(frameTS []float64, vts float64) int {
	i := sort.SearchFloat64s(frameTS, vts) - 1
	if i < 0 {
		return 0
	}
	return i
}
