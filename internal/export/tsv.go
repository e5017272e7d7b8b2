// Package export writes the results of a mapping run: the mapped gaze table,
// an optional SQLite run store, and optional plots and reports.
package export

import (
	"bufio"
	"fmt"
	"io"

	"github.com/banshee-data/gazemap/internal/fsutil"
)

// MappedTSVName is the file name of the mapped gaze table.
const MappedTSVName = "gazeData_mapped.tsv"

// MappedHeader lists the mapped gaze table columns in order.
var MappedHeader = []string{"worldFrame", "gaze_ts", "confidence", "world_gazeX", "world_gazeY", "ref_gazeX", "ref_gazeY"}

// Row is one gaze sample mapped onto the reference image.
type Row struct {
	Frame      int
	GazeTS     float64
	Confidence float64
	WorldX     float64
	WorldY     float64
	RefX       int
	RefY       int
}

// WriteMappedTSV writes rows in order under a header. No rows yields a
// header-only table.
func WriteMappedTSV(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)
	for i, h := range MappedHeader {
		if i > 0 {
			bw.WriteByte('\t')
		}
		bw.WriteString(h)
	}
	bw.WriteByte('\n')
	for _, r := range rows {
		fmt.Fprintf(bw, "%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\n",
			r.Frame, r.GazeTS, r.Confidence, r.WorldX, r.WorldY, float64(r.RefX), float64(r.RefY))
	}
	return bw.Flush()
}

// WriteMappedTSVFile creates path on fsys and writes rows to it.
func WriteMappedTSVFile(fsys fsutil.FileSystem, path string, rows []Row) error {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteMappedTSV(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	diagf("wrote %d mapped rows to %s", len(rows), path)
	return nil
}
