package runtime

import (
	"context"
	"math/rand"
	"sync"

	"github.com/s1alknau/nematolapse/types"
)

// FrameSource produces one raw frame per call. Capture is invoked while
// the illuminator pulse is running, so implementations must return
// within the pulse window or fail.
type FrameSource interface {
	// Capture acquires one frame.
	Capture(ctx context.Context) (*types.Image, error)
	// Close releases the acquisition backend.
	Close() error
}

// SimulatedSource generates synthetic frames: a fixed gradient with
// per-frame noise. Used for dry runs and engine verification when no
// acquisition backend is attached.
type SimulatedSource struct {
	Width  int
	Height int

	mu  sync.Mutex
	rng *rand.Rand
	n   int
}

var _ FrameSource = (*SimulatedSource)(nil)

// NewSimulatedSource creates a source producing width x height frames.
func NewSimulatedSource(width, height int, seed int64) *SimulatedSource {
	return &SimulatedSource{
		Width:  width,
		Height: height,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Capture returns the next synthetic frame.
func (s *SimulatedSource) Capture(ctx context.Context) (*types.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pixels := make([]byte, s.Width*s.Height)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			base := (x + y + s.n) % 200
			pixels[y*s.Width+x] = byte(base + s.rng.Intn(56))
		}
	}
	s.n++
	return &types.Image{Width: s.Width, Height: s.Height, Pixels: pixels}, nil
}

// Close is a no-op for the simulated source.
func (s *SimulatedSource) Close() error { return nil }
