package gaze

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Column names of the world gaze table.
const (
	ColTimestamp  = "timestamp"
	ColFrameIndex = "frame_idx"
	ColConfidence = "confidence"
	ColNormX      = "norm_pos_x"
	ColNormY      = "norm_pos_y"
)

// ErrMissingColumn is returned when a required table column is absent.
var ErrMissingColumn = errors.New("missing column")

// Table is a parsed gaze table.
type Table struct {
	Samples []Sample
	// HasFrameIndex is true when the file carried a frame_idx column, in which
	// case every sample's FrameIndex comes from the file.
	HasFrameIndex bool
}

func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return cr
}

// columnIndex maps header names to positions.
func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

// ReadGazeTable parses a tab-separated gaze table. Columns are located by
// header name; timestamp, confidence, norm_pos_x and norm_pos_y are required.
func ReadGazeTable(r io.Reader) (Table, error) {
	cr := newTSVReader(r)
	header, err := cr.Read()
	if err != nil {
		return Table{}, fmt.Errorf("read gaze header: %w", err)
	}
	cols := columnIndex(header)
	for _, name := range []string{ColTimestamp, ColConfidence, ColNormX, ColNormY} {
		if _, ok := cols[name]; !ok {
			return Table{}, fmt.Errorf("gaze table: %w %q", ErrMissingColumn, name)
		}
	}
	fi, hasFrame := cols[ColFrameIndex]

	var t Table
	t.HasFrameIndex = hasFrame
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return Table{}, fmt.Errorf("gaze table line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		var s Sample
		s.FrameIndex = Unassigned
		if s.Timestamp, err = floatField(rec, cols[ColTimestamp]); err != nil {
			return Table{}, fmt.Errorf("gaze table line %d %s: %w", line, ColTimestamp, err)
		}
		if s.Confidence, err = floatField(rec, cols[ColConfidence]); err != nil {
			return Table{}, fmt.Errorf("gaze table line %d %s: %w", line, ColConfidence, err)
		}
		if s.NormX, err = floatField(rec, cols[ColNormX]); err != nil {
			return Table{}, fmt.Errorf("gaze table line %d %s: %w", line, ColNormX, err)
		}
		if s.NormY, err = floatField(rec, cols[ColNormY]); err != nil {
			return Table{}, fmt.Errorf("gaze table line %d %s: %w", line, ColNormY, err)
		}
		if hasFrame {
			f, err := floatField(rec, fi)
			if err != nil {
				return Table{}, fmt.Errorf("gaze table line %d %s: %w", line, ColFrameIndex, err)
			}
			s.FrameIndex = frameIndex(f)
		}
		t.Samples = append(t.Samples, s)
	}
	return t, nil
}

// frameIndex converts a frame_idx cell. Blank, NaN, infinite, negative and
// out-of-range cells leave the sample unassigned, so no frame bucket
// receives it.
func frameIndex(f float64) int {
	if math.IsNaN(f) || f < 0 || f > math.MaxInt32 {
		return Unassigned
	}
	return int(f)
}

func floatField(rec []string, i int) (float64, error) {
	if i >= len(rec) {
		return 0, fmt.Errorf("short record (%d fields)", len(rec))
	}
	v := strings.TrimSpace(rec[i])
	if v == "" || strings.EqualFold(v, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(v, 64)
}

// WriteGazeTable writes samples in the world gaze table layout. Samples
// without a frame index are skipped.
func WriteGazeTable(w io.Writer, samples []Sample) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\n", ColTimestamp, ColFrameIndex, ColConfidence, ColNormX, ColNormY)
	for _, s := range samples {
		if s.FrameIndex == Unassigned {
			continue
		}
		fmt.Fprintf(bw, "%.3f\t%d\t%.1f\t%.3f\t%.3f\n", s.Timestamp, s.FrameIndex, s.Confidence, s.NormX, s.NormY)
	}
	return bw.Flush()
}

// ReadFrameTimestamps parses a frame timestamp table (frameNum, timestamp)
// and returns the timestamps in file order.
func ReadFrameTimestamps(r io.Reader) ([]float64, error) {
	cr := newTSVReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read frame timestamp header: %w", err)
	}
	cols := columnIndex(header)
	ti, ok := cols[ColTimestamp]
	if !ok {
		return nil, fmt.Errorf("frame timestamps: %w %q", ErrMissingColumn, ColTimestamp)
	}

	var out []float64
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("frame timestamps line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		v, err := floatField(rec, ti)
		if err != nil {
			return nil, fmt.Errorf("frame timestamps line %d: %w", line, err)
		}
		if len(out) > 0 && v < out[len(out)-1] {
			return nil, fmt.Errorf("frame timestamps line %d: %.3f decreases from %.3f", line, v, out[len(out)-1])
		}
		out = append(out, v)
	}
	return out, nil
}

// WriteFrameTimestamps writes one row per frame with 1-based frame numbers.
func WriteFrameTimestamps(w io.Writer, ts []float64) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "frameNum\t%s\n", ColTimestamp)
	for i, v := range ts {
		fmt.Fprintf(bw, "%d\t%.3f\n", i+1, v)
	}
	return bw.Flush()
}
