// Package predictor owns the process-wide inference engine: it loads a
// backend once, tracks readiness, and serializes calls into engines that are
// not reentrant.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/splat-api/internal/domain"
	"github.com/example/splat-api/internal/gaussian"
)

// Request is a single inference call.
type Request struct {
	Pixels  *image.NRGBA
	Width   int
	Height  int
	FocalPx float64
	Device  string
}

// Backend is an inference engine. Implementations need not be safe for
// concurrent use; Service never calls Predict concurrently.
type Backend interface {
	Name() string
	Load(ctx context.Context) error
	Predict(ctx context.Context, req Request) (*gaussian.Set, error)
	Close() error
}

// State describes the readiness lifecycle.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
	StateClosed  State = "closed"
)

// Service is the shared predictor handle passed into the pipeline.
type Service struct {
	backend     Backend
	device      string
	loadTimeout time.Duration
	callTimeout time.Duration
	logger      *zap.Logger

	// slot is the single acquisition point for the engine.
	slot chan struct{}

	ready    atomic.Bool
	mu       sync.RWMutex
	state    State
	loadErr  error
	loadOnce sync.Once
	loaded   chan struct{}

	// lifetime is cancelled by Close and aborts an in-flight Load.
	lifetime  context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// ErrClosed is returned by Load once the service has been closed.
var ErrClosed = errors.New("predictor closed")

// Options tunes a Service.
type Options struct {
	Device      string
	LoadTimeout time.Duration
	CallTimeout time.Duration
}

// NewService wraps backend. The service is not ready until Load succeeds.
func NewService(backend Backend, opts Options, logger *zap.Logger) *Service {
	if opts.Device == "" {
		opts.Device = "cpu"
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Service{
		lifetime:    lifetime,
		stop:        stop,
		backend:     backend,
		device:      opts.Device,
		loadTimeout: opts.LoadTimeout,
		callTimeout: opts.CallTimeout,
		logger:      logger.Named("predictor").With(zap.String("backend", backend.Name()), zap.String("device", opts.Device)),
		slot:        make(chan struct{}, 1),
		state:       StateLoading,
		loaded:      make(chan struct{}),
	}
}

// Start loads the backend in the background. Requests arriving before the
// load finishes are rejected with domain.ErrNotReady.
func (s *Service) Start(ctx context.Context) {
	go func() {
		_ = s.Load(ctx)
	}()
}

// Load loads the backend once and blocks until it is done. Later calls
// return the first result. Close aborts a load that is still running.
func (s *Service) Load(ctx context.Context) error {
	s.loadOnce.Do(func() {
		defer close(s.loaded)

		loadCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stopAfter := context.AfterFunc(s.lifetime, cancel)
		defer stopAfter()
		if s.loadTimeout > 0 {
			var cancelTimeout context.CancelFunc
			loadCtx, cancelTimeout = context.WithTimeout(loadCtx, s.loadTimeout)
			defer cancelTimeout()
		}

		start := time.Now()
		s.logger.Info("loading model")
		err := s.backend.Load(loadCtx)

		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case s.state == StateClosed:
			s.loadErr = fmt.Errorf("load %s backend: %w", s.backend.Name(), ErrClosed)
			s.logger.Info("model load abandoned on close", zap.Duration("elapsed", time.Since(start)))
		case err != nil:
			s.state = StateFailed
			s.loadErr = fmt.Errorf("load %s backend: %w", s.backend.Name(), err)
			s.logger.Error("failed to load model", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		default:
			s.state = StateReady
			s.ready.Store(true)
			s.logger.Info("model loaded", zap.Duration("elapsed", time.Since(start)))
		}
	})
	<-s.loaded

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// Ready reports whether the model may be invoked.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Status returns the lifecycle state and, for StateFailed, the load error.
func (s *Service) Status() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.loadErr
}

// Device returns the compute device selected at startup.
func (s *Service) Device() string {
	return s.device
}

// Predict runs one inference. Calls queue on the engine slot; a caller whose
// context ends while waiting gives up without touching the engine.
func (s *Service) Predict(ctx context.Context, img *image.NRGBA, focalPx float64) (*gaussian.Set, error) {
	if !s.Ready() {
		return nil, domain.ErrNotReady
	}
	if img == nil {
		return nil, errors.New("nil image")
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for predictor: %w", ctx.Err())
	}
	defer func() { <-s.slot }()

	// Close may have run while this call was queued.
	if !s.Ready() {
		return nil, domain.ErrNotReady
	}

	callCtx := ctx
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	bounds := img.Bounds()
	set, err := s.backend.Predict(callCtx, Request{
		Pixels:  img,
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		FocalPx: focalPx,
		Device:  s.device,
	})
	if err != nil {
		return nil, fmt.Errorf("%s inference: %w", s.backend.Name(), err)
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("%s inference returned invalid geometry: %w", s.backend.Name(), err)
	}
	return set, nil
}

// Close marks the service unavailable, aborts and waits for a running load,
// waits for an in-flight call to finish and releases the backend. Later
// calls return the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		s.stop()
		s.loadOnce.Do(func() {
			s.mu.Lock()
			s.loadErr = fmt.Errorf("load %s backend: %w", s.backend.Name(), ErrClosed)
			s.mu.Unlock()
			close(s.loaded)
		})
		<-s.loaded

		s.slot <- struct{}{}
		defer func() { <-s.slot }()
		s.closeErr = s.backend.Close()
	})
	return s.closeErr
}

// RGB returns the request pixels as tightly packed 8-bit RGB, row-major.
func (r Request) RGB() []byte {
	out := make([]byte, 0, r.Width*r.Height*3)
	b := r.Pixels.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := r.Pixels.Pix[(y-b.Min.Y)*r.Pixels.Stride:]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, row[4*x], row[4*x+1], row[4*x+2])
		}
	}
	return out
}
