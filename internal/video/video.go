// Package video decodes world-camera recordings into RGBA frames and encodes
// RGBA frames into output videos. The production implementation drives
// ffmpeg and ffprobe as subprocesses; an in-memory implementation backs
// tests.
package video

import (
	"image"
)

// Info describes a video stream.
type Info struct {
	Width  int
	Height int
	FPS    float64
	// Frames is the container's frame count, or 0 when unknown.
	Frames int
}

// Size returns the frame dimensions.
func (i Info) Size() image.Point { return image.Pt(i.Width, i.Height) }

// Source yields decoded frames in presentation order. Next returns io.EOF
// after the last frame.
type Source interface {
	Info() Info
	Next() (*image.RGBA, error)
	Close() error
}

// Sink accepts frames of a fixed size.
type Sink interface {
	Write(img image.Image) error
	Close() error
}
