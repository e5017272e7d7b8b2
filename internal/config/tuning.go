package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the conventional location of a tuning file next to a
// recording. It is only read when the CLI is pointed at it.
const DefaultConfigPath = "config/tuning.defaults.json"

// Boundary policies accepted by boundary_policy.
const (
	BoundaryMidpoint  = "midpoint"
	BoundaryNextFrame = "next_frame"
)

// TuningConfig holds the tunable parameters of a mapping run. Every field is
// optional; the Get* accessors supply defaults for anything left unset, so a
// partial JSON file is always safe.
type TuningConfig struct {
	// Matching policy
	DistanceRatio    *float64 `json:"distance_ratio,omitempty"`
	MinGoodMatches   *int     `json:"min_good_matches,omitempty"`
	ConfidentMatches *int     `json:"confident_matches,omitempty"`
	RansacThreshold  *float64 `json:"ransac_threshold,omitempty"`
	RansacIterations *int     `json:"ransac_iterations,omitempty"`
	MaxFeatures      *int     `json:"max_features,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`

	// Compositing
	MaskThreshold *int `json:"mask_threshold,omitempty"`

	// Alignment
	BoundaryPolicy *string `json:"boundary_policy,omitempty"`

	// Run control
	Workers                   *int    `json:"workers,omitempty"`
	MaxFrames                 *int    `json:"max_frames,omitempty"`
	RequireReferenceKeypoints *bool   `json:"require_reference_keypoints,omitempty"`
	VideoCodec                *string `json:"video_codec,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// its default value. Useful for writing out a starting file.
func DefaultTuningConfig() *TuningConfig {
	c := EmptyTuningConfig()
	return &TuningConfig{
		DistanceRatio:             ptrFloat64(c.GetDistanceRatio()),
		MinGoodMatches:            ptrInt(c.GetMinGoodMatches()),
		ConfidentMatches:          ptrInt(c.GetConfidentMatches()),
		RansacThreshold:           ptrFloat64(c.GetRansacThreshold()),
		RansacIterations:          ptrInt(c.GetRansacIterations()),
		MaxFeatures:               ptrInt(c.GetMaxFeatures()),
		Seed:                      ptrInt64(c.GetSeed()),
		MaskThreshold:             ptrInt(c.GetMaskThreshold()),
		BoundaryPolicy:            ptrString(c.GetBoundaryPolicy()),
		Workers:                   ptrInt(c.GetWorkers()),
		MaxFrames:                 ptrInt(c.GetMaxFrames()),
		RequireReferenceKeypoints: ptrBool(c.GetRequireReferenceKeypoints()),
		VideoCodec:                ptrString(c.GetVideoCodec()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *TuningConfig) Validate() error {
	if c.DistanceRatio != nil {
		if *c.DistanceRatio <= 0 || *c.DistanceRatio > 1 {
			return fmt.Errorf("distance_ratio must be in (0, 1], got %f", *c.DistanceRatio)
		}
	}

	if c.MinGoodMatches != nil && *c.MinGoodMatches < 0 {
		return fmt.Errorf("min_good_matches must be non-negative, got %d", *c.MinGoodMatches)
	}
	if c.ConfidentMatches != nil && *c.ConfidentMatches < 0 {
		return fmt.Errorf("confident_matches must be non-negative, got %d", *c.ConfidentMatches)
	}
	// The confident threshold gates the estimator, so it cannot sit below the
	// threshold that gates candidate collection.
	if c.GetConfidentMatches() < c.GetMinGoodMatches() {
		return fmt.Errorf("confident_matches (%d) must be >= min_good_matches (%d)",
			c.GetConfidentMatches(), c.GetMinGoodMatches())
	}

	if c.RansacThreshold != nil && *c.RansacThreshold <= 0 {
		return fmt.Errorf("ransac_threshold must be positive, got %f", *c.RansacThreshold)
	}
	if c.RansacIterations != nil && *c.RansacIterations <= 0 {
		return fmt.Errorf("ransac_iterations must be positive, got %d", *c.RansacIterations)
	}
	if c.MaxFeatures != nil && *c.MaxFeatures <= 0 {
		return fmt.Errorf("max_features must be positive, got %d", *c.MaxFeatures)
	}

	if c.MaskThreshold != nil {
		if *c.MaskThreshold < 0 || *c.MaskThreshold > 255 {
			return fmt.Errorf("mask_threshold must be between 0 and 255, got %d", *c.MaskThreshold)
		}
	}

	if c.BoundaryPolicy != nil {
		switch *c.BoundaryPolicy {
		case BoundaryMidpoint, BoundaryNextFrame:
		default:
			return fmt.Errorf("boundary_policy must be %q or %q, got %q",
				BoundaryMidpoint, BoundaryNextFrame, *c.BoundaryPolicy)
		}
	}

	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	if c.MaxFrames != nil && *c.MaxFrames < 0 {
		return fmt.Errorf("max_frames must be non-negative, got %d", *c.MaxFrames)
	}
	if c.VideoCodec != nil && *c.VideoCodec == "" {
		return fmt.Errorf("video_codec must not be empty")
	}

	return nil
}

// GetDistanceRatio returns the nearest-neighbour ratio test value or the default.
// Lower values are more conservative.
func (c *TuningConfig) GetDistanceRatio() float64 {
	if c.DistanceRatio == nil {
		return 0.5
	}
	return *c.DistanceRatio
}

// GetMinGoodMatches returns the min_good_matches value or the default.
func (c *TuningConfig) GetMinGoodMatches() int {
	if c.MinGoodMatches == nil {
		return 4
	}
	return *c.MinGoodMatches
}

// GetConfidentMatches returns the confident_matches value or the default.
func (c *TuningConfig) GetConfidentMatches() int {
	if c.ConfidentMatches == nil {
		return 10
	}
	return *c.ConfidentMatches
}

// GetRansacThreshold returns the inlier reprojection threshold in frame pixels.
func (c *TuningConfig) GetRansacThreshold() float64 {
	if c.RansacThreshold == nil {
		return 5.0
	}
	return *c.RansacThreshold
}

// GetRansacIterations returns the ransac_iterations value or the default.
func (c *TuningConfig) GetRansacIterations() int {
	if c.RansacIterations == nil {
		return 2000
	}
	return *c.RansacIterations
}

// GetMaxFeatures returns the per-image keypoint cap or the default.
func (c *TuningConfig) GetMaxFeatures() int {
	if c.MaxFeatures == nil {
		return 1500
	}
	return *c.MaxFeatures
}

// GetSeed returns the RANSAC seed or the default.
func (c *TuningConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

// GetMaskThreshold returns the mask_threshold value or the default.
func (c *TuningConfig) GetMaskThreshold() int {
	if c.MaskThreshold == nil {
		return 10
	}
	return *c.MaskThreshold
}

// GetBoundaryPolicy returns the boundary_policy value or the default.
func (c *TuningConfig) GetBoundaryPolicy() string {
	if c.BoundaryPolicy == nil {
		return BoundaryMidpoint // software timestamps
	}
	return *c.BoundaryPolicy
}

// GetWorkers returns the localization worker count or the default.
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 1
	}
	return *c.Workers
}

// GetMaxFrames returns the frame cap; 0 means every frame.
func (c *TuningConfig) GetMaxFrames() int {
	if c.MaxFrames == nil {
		return 0
	}
	return *c.MaxFrames
}

// GetRequireReferenceKeypoints returns the require_reference_keypoints value or the default.
func (c *TuningConfig) GetRequireReferenceKeypoints() bool {
	if c.RequireReferenceKeypoints == nil {
		return false // default: log and continue
	}
	return *c.RequireReferenceKeypoints
}

// GetVideoCodec returns the ffmpeg encoder name for output videos.
func (c *TuningConfig) GetVideoCodec() string {
	if c.VideoCodec == nil {
		return "mpeg4"
	}
	return *c.VideoCodec
}
