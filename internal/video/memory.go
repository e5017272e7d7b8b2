package video

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/banshee-data/gazemap/internal/geom"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("video: sink closed")

// MemorySource replays frames held in memory.
type MemorySource struct {
	info   Info
	frames []image.Image
	next   int
	// FailAt makes Next return an error at that frame index (0 disables).
	FailAt int
	closed bool
}

// NewMemorySource returns a source over frames, which must share dimensions.
func NewMemorySource(fps float64, frames ...image.Image) *MemorySource {
	info := Info{FPS: fps, Frames: len(frames)}
	if len(frames) > 0 {
		b := frames[0].Bounds()
		info.Width, info.Height = b.Dx(), b.Dy()
	}
	return &MemorySource{info: info, frames: frames}
}

func (m *MemorySource) Info() Info { return m.info }

func (m *MemorySource) Next() (*image.RGBA, error) {
	if m.closed {
		return nil, io.EOF
	}
	if m.FailAt > 0 && m.next == m.FailAt {
		return nil, fmt.Errorf("video: decode failure at frame %d", m.next)
	}
	if m.next >= len(m.frames) {
		return nil, io.EOF
	}
	img := geom.Clone(m.frames[m.next])
	m.next++
	return img, nil
}

func (m *MemorySource) Close() error {
	m.closed = true
	return nil
}

// MemorySink records every frame written to it.
type MemorySink struct {
	mu     sync.Mutex
	size   image.Point
	frames []*image.RGBA
	closed bool
}

// NewMemorySink returns a sink accepting frames of size.
func NewMemorySink(size image.Point) *MemorySink {
	return &MemorySink{size: size}
}

func (m *MemorySink) Write(img image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if got := img.Bounds().Size(); got != m.size {
		return fmt.Errorf("video: frame %v does not match sink size %v", got, m.size)
	}
	m.frames = append(m.frames, geom.Clone(img))
	return nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Frames returns the frames written so far.
func (m *MemorySink) Frames() []*image.RGBA {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*image.RGBA(nil), m.frames...)
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
