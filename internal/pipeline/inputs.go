package pipeline

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/banshee-data/gazemap/internal/config"
	"github.com/banshee-data/gazemap/internal/fsutil"
	"github.com/banshee-data/gazemap/internal/gaze"
	"github.com/banshee-data/gazemap/internal/geom"
)

// loadReference decodes any registered raster format into RGBA.
func loadReference(fsys fsutil.FileSystem, path string) (*image.RGBA, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%s is empty", path)
	}
	diagf("reference %s: %s %dx%d", path, format, b.Dx(), b.Dy())
	return geom.Clone(img), nil
}

func readGazeTable(fsys fsutil.FileSystem, path string) (gaze.Table, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return gaze.Table{}, err
	}
	defer f.Close()
	t, err := gaze.ReadGazeTable(f)
	if err != nil {
		return gaze.Table{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func readFrameTimestamps(fsys fsutil.FileSystem, path string) ([]float64, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ts, err := gaze.ReadFrameTimestamps(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ts, nil
}

// copyReference places the reference image next to the outputs unless it
// already lives there.
func (r *runner) copyReference() error {
	dst := filepath.Join(r.o.OutputDir, filepath.Base(r.o.ReferencePath))
	if filepath.Clean(dst) == filepath.Clean(r.o.ReferencePath) {
		return nil
	}
	return fsutil.CopyFile(r.fsys, r.o.ReferencePath, dst)
}

// configJSON records the tuning a run used; accessor values are stored so
// the defaults in force are captured too.
func configJSON(c *config.TuningConfig) string {
	v := map[string]interface{}{
		"distance_ratio":              c.GetDistanceRatio(),
		"min_good_matches":            c.GetMinGoodMatches(),
		"confident_matches":           c.GetConfidentMatches(),
		"ransac_threshold":            c.GetRansacThreshold(),
		"ransac_iterations":           c.GetRansacIterations(),
		"max_features":                c.GetMaxFeatures(),
		"seed":                        c.GetSeed(),
		"mask_threshold":              c.GetMaskThreshold(),
		"boundary_policy":             c.GetBoundaryPolicy(),
		"workers":                     c.GetWorkers(),
		"max_frames":                  c.GetMaxFrames(),
		"require_reference_keypoints": c.GetRequireReferenceKeypoints(),
		"video_codec":                 c.GetVideoCodec(),
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
