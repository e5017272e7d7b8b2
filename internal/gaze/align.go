// Package gaze holds gaze samples, the per-frame alignment of samples to
// world-camera frames, and the tab-separated tables that carry both between
// preprocessing and mapping.
package gaze

import (
	"fmt"
	"math"
	"sort"
)

// Unassigned marks a sample that has not been bucketed to a frame.
const Unassigned = -1

// Sample is one gaze measurement in normalised world-camera coordinates
// (origin top-left). Timestamp is in tracker milliseconds.
type Sample struct {
	Timestamp  float64
	Confidence float64
	NormX      float64
	NormY      float64
	FrameIndex int
}

// Policy selects where the boundary between two consecutive frames falls.
type Policy string

const (
	// PolicyMidpoint splits halfway between frame timestamps. Suits software
	// timestamps taken at an arbitrary point during exposure.
	PolicyMidpoint Policy = "midpoint"
	// PolicyNextFrame assigns everything up to the next frame's timestamp.
	// Suits start-of-exposure hardware timestamps.
	PolicyNextFrame Policy = "next_frame"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyMidpoint, PolicyNextFrame:
		return p, nil
	default:
		return "", fmt.Errorf("unknown boundary policy %q", s)
	}
}

// Boundary returns the latest timestamp that still belongs to frame i. ok is
// false for the last frame, which has no successor to bound it.
func Boundary(frameTimestamps []float64, i int, p Policy) (float64, bool) {
	if i < 0 || i+1 >= len(frameTimestamps) {
		return 0, false
	}
	if p == PolicyNextFrame {
		return frameTimestamps[i+1], true
	}
	return (frameTimestamps[i] + frameTimestamps[i+1]) / 2, true
}

// Align buckets samples to frames. The result has one bucket per frame
// timestamp; each returned sample carries its FrameIndex. Samples are sorted
// stably by timestamp, so ties keep input order.
//
// A sample lands in the first frame whose boundary is >= its timestamp.
// Samples after the last computable boundary are dropped, as are samples with
// a NaN timestamp. The input slice is not modified.
func Align(samples []Sample, frameTimestamps []float64, p Policy) [][]Sample {
	buckets := make([][]Sample, len(frameTimestamps))

	sorted := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if !math.IsNaN(s.Timestamp) {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Timestamp < sorted[b].Timestamp
	})

	frame, next := 0, 0
	for next < len(sorted) {
		boundary, ok := Boundary(frameTimestamps, frame, p)
		if !ok {
			break
		}
		if sorted[next].Timestamp <= boundary {
			s := sorted[next]
			s.FrameIndex = frame
			buckets[frame] = append(buckets[frame], s)
			next++
		} else {
			frame++
		}
	}
	return buckets
}

// BucketByFrameIndex groups samples that already carry a frame index. File
// order is kept within a frame; indices outside [0, frameCount) are dropped.
func BucketByFrameIndex(samples []Sample, frameCount int) [][]Sample {
	if frameCount < 0 {
		frameCount = 0
	}
	buckets := make([][]Sample, frameCount)
	for _, s := range samples {
		if s.FrameIndex < 0 || s.FrameIndex >= frameCount {
			continue
		}
		buckets[s.FrameIndex] = append(buckets[s.FrameIndex], s)
	}
	return buckets
}

// Count returns the number of samples across all buckets.
func Count(buckets [][]Sample) int {
	n := 0
	for _, b := range buckets {
		n += len(b)
	}
	return n
}
