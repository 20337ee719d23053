package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/example/splat-api/internal/domain"
	"github.com/example/splat-api/internal/gaussian"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func singleGaussian() *gaussian.Set {
	return &gaussian.Set{
		Means:     [][3]float32{{0, 0, 1}},
		Colors:    [][3]float32{{0.5, 0.5, 0.5}},
		Opacities: []float32{0.8},
		Scales:    [][3]float32{{0.01, 0.01, 0.01}},
		Rotations: [][4]float32{{1, 0, 0, 0}},
	}
}

// stubPredictor returns a fixed Gaussian set. failWidth makes predictions
// for images of that width fail.
type stubPredictor struct {
	ready     atomic.Bool
	calls     atomic.Int32
	failWidth int
	panicOn   int
	delay     time.Duration

	mu     sync.Mutex
	focals []float64
}

func newStubPredictor() *stubPredictor {
	p := &stubPredictor{}
	p.ready.Store(true)
	return p
}

func (p *stubPredictor) Ready() bool { return p.ready.Load() }

func (p *stubPredictor) Predict(ctx context.Context, img *image.NRGBA, focalPx float64) (*gaussian.Set, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.focals = append(p.focals, focalPx)
	p.mu.Unlock()

	width := img.Bounds().Dx()
	if p.panicOn != 0 && width == p.panicOn {
		panic("engine crashed")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.failWidth != 0 && width == p.failWidth {
		return nil, errors.New("inference failed")
	}
	return singleGaussian(), nil
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string]string
	sets   int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}}
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value.(string)
	c.sets++
	return nil
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func outcomeNames(outcomes []domain.Outcome) []string {
	names := make([]string, len(outcomes))
	for i, o := range outcomes {
		names[i] = o.Filename()
	}
	return names
}
