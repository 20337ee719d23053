package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/example/splat-api/internal/config"
	"github.com/example/splat-api/internal/gaussian"
	"github.com/example/splat-api/internal/grpcclient"
	"github.com/example/splat-api/internal/handlers"
	"github.com/example/splat-api/internal/imageprocessor"
	"github.com/example/splat-api/internal/middleware"
	"github.com/example/splat-api/internal/onnx"
	"github.com/example/splat-api/internal/predictor"
	"github.com/example/splat-api/internal/usecase"
)

// blockingPredictor holds every batch in Predict until released.
type blockingPredictor struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingPredictor) Ready() bool { return true }

func (p *blockingPredictor) Status() (predictor.State, error) { return predictor.StateReady, nil }

func (p *blockingPredictor) Device() string { return "cpu" }

func (p *blockingPredictor) Predict(ctx context.Context, _ *image.NRGBA, _ float64) (*gaussian.Set, error) {
	select {
	case <-p.started:
	default:
		close(p.started)
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &gaussian.Set{
		Means:     [][3]float32{{0, 0, 1}},
		Colors:    [][3]float32{{1, 1, 1}},
		Opacities: []float32{0.5},
		Scales:    [][3]float32{{0.1, 0.1, 0.1}},
		Rotations: [][4]float32{{1, 0, 0, 0}},
	}, nil
}

func onePixelPNG(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.String()
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	pred := &blockingPredictor{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-pred.release:
		default:
			close(pred.release)
		}
	}()

	processor := usecase.NewItemProcessor(imageprocessor.NewDecoder(0), pred, nil, usecase.ItemOptions{}, logger)
	uc := usecase.NewBatchUseCase(processor, pred, afero.NewMemMapFs(), usecase.BatchOptions{Workers: 1, ScratchDir: "/scratch"}, logger)
	router := gin.New()
	router.Use(middleware.RequestID())
	handlers.RegisterRoutes(router, uc, pred, handlers.Options{}, nil, logger)

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	body, contentType := multipartBody(t, "pixel.png", onePixelPNG(t))
	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Post("http://"+addr+"/predict", contentType, strings.NewReader(body))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-pred.started:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(pred.release)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(payload))
		}
		if !strings.Contains(string(payload), `"ply_filename":"pixel.ply"`) {
			t.Fatalf("unexpected body: %s", string(payload))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestNewBackendSelection(t *testing.T) {
	logger := zap.NewNop()

	if _, ok := newBackend(config.PredictorConfig{Backend: "grpc", Addr: "localhost:50051"}, logger).(*grpcclient.Backend); !ok {
		t.Fatal("expected grpc backend")
	}
	if _, ok := newBackend(config.PredictorConfig{Backend: "onnx"}, logger).(*onnx.Backend); !ok {
		t.Fatal("expected onnx backend")
	}
}

func multipartBody(t *testing.T, filename, data string) (string, string) {
	t.Helper()
	const boundary = "splatboundary"
	var b strings.Builder
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString(`Content-Disposition: form-data; name="files"; filename="` + filename + "\"\r\n")
	b.WriteString("Content-Type: image/png\r\n\r\n")
	b.WriteString(data)
	b.WriteString("\r\n--" + boundary + "--\r\n")
	return b.String(), "multipart/form-data; boundary=" + boundary
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
