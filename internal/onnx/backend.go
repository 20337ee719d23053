// Package onnx runs the Gaussian predictor in-process through ONNX Runtime.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/splat-api/internal/gaussian"
	"github.com/example/splat-api/internal/predictor"
)

// Metadata describes the exported model graph.
type Metadata struct {
	ImageSize    int      `json:"image_size"`
	NumGaussians int      `json:"num_gaussians"`
	InputNames   []string `json:"input_names"`
	OutputNames  []string `json:"output_names"`
}

var (
	defaultInputs  = []string{"image", "disparity_factor"}
	defaultOutputs = []string{"mean_vectors", "colors", "opacities", "singular_values", "quaternions"}
)

// Options locates the model files and runtime.
type Options struct {
	ModelPath    string
	MetadataPath string
	LibraryPath  string
	Device       string
	Threads      int
}

// Backend is a predictor.Backend over an ONNX Runtime session. The session
// binds fixed input and output tensors, so Predict must not run
// concurrently; predictor.Service guarantees that.
type Backend struct {
	opts   Options
	logger *zap.Logger

	metadata  Metadata
	session   *ort.AdvancedSession
	image     *ort.Tensor[float32]
	disparity *ort.Tensor[float32]
	outputs   []*ort.Tensor[float32]
}

// NewBackend returns an unloaded backend.
func NewBackend(opts Options, logger *zap.Logger) *Backend {
	return &Backend{opts: opts, logger: logger.Named("onnx_predictor")}
}

func (b *Backend) Name() string { return "onnx" }

// Load initializes the runtime, allocates tensors and creates the session.
func (b *Backend) Load(ctx context.Context) error {
	metadata, err := readMetadata(b.opts.MetadataPath)
	if err != nil {
		return err
	}
	b.metadata = metadata

	if b.opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(b.opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	if err := ctx.Err(); err != nil {
		b.Close()
		return err
	}

	size := int64(metadata.ImageSize)
	n := int64(metadata.NumGaussians)

	if b.image, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size)); err != nil {
		b.Close()
		return fmt.Errorf("failed to create image tensor: %w", err)
	}
	if b.disparity, err = ort.NewEmptyTensor[float32](ort.NewShape(1)); err != nil {
		b.Close()
		return fmt.Errorf("failed to create disparity tensor: %w", err)
	}
	outputShapes := []ort.Shape{
		ort.NewShape(1, n, 3),
		ort.NewShape(1, n, 3),
		ort.NewShape(1, n),
		ort.NewShape(1, n, 3),
		ort.NewShape(1, n, 4),
	}
	for _, shape := range outputShapes {
		tensor, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			b.Close()
			return fmt.Errorf("failed to create output tensor: %w", err)
		}
		b.outputs = append(b.outputs, tensor)
	}

	sessionOpts, err := b.sessionOptions()
	if err != nil {
		b.Close()
		return err
	}
	if sessionOpts != nil {
		defer sessionOpts.Destroy()
	}

	outputs := make([]ort.ArbitraryTensor, len(b.outputs))
	for i, t := range b.outputs {
		outputs[i] = t
	}
	b.session, err = ort.NewAdvancedSession(b.opts.ModelPath,
		metadata.InputNames, metadata.OutputNames,
		[]ort.ArbitraryTensor{b.image, b.disparity}, outputs,
		sessionOpts)
	if err != nil {
		b.Close()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	b.logger.Info("onnx session ready",
		zap.String("model", b.opts.ModelPath),
		zap.Int("image_size", metadata.ImageSize),
		zap.Int("num_gaussians", metadata.NumGaussians))
	return nil
}

func (b *Backend) sessionOptions() (*ort.SessionOptions, error) {
	if b.opts.Device != "cuda" && b.opts.Threads <= 0 {
		return nil, nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if b.opts.Threads > 0 {
		if err := opts.SetIntraOpNumThreads(b.opts.Threads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}
	if b.opts.Device == "cuda" {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA: %w", err)
		}
	}
	return opts, nil
}

// Predict resizes the image to the model resolution, runs the session and
// maps the Gaussians back to the source image's camera.
func (b *Backend) Predict(ctx context.Context, req predictor.Request) (*gaussian.Set, error) {
	if b.session == nil {
		return nil, fmt.Errorf("onnx session not loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := b.metadata.ImageSize
	copy(b.image.GetData(), Preprocess(req.Pixels, size))
	// Disparity factor normalises depth by the focal length relative to width.
	b.disparity.GetData()[0] = float32(req.FocalPx / float64(req.Width))

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	set, err := gaussian.FromFlat(
		cloneData(b.outputs[0]),
		cloneData(b.outputs[1]),
		cloneData(b.outputs[2]),
		cloneData(b.outputs[3]),
		cloneData(b.outputs[4]),
	)
	if err != nil {
		return nil, err
	}
	Rescale(set, req.Width, size)
	return set, nil
}

// Close releases the session, tensors and runtime environment.
func (b *Backend) Close() error {
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	if b.image != nil {
		b.image.Destroy()
		b.image = nil
	}
	if b.disparity != nil {
		b.disparity.Destroy()
		b.disparity = nil
	}
	for _, t := range b.outputs {
		t.Destroy()
	}
	b.outputs = nil
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// Preprocess resizes img to size x size and returns it as normalized CHW
// float32 RGB.
func Preprocess(img *image.NRGBA, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(bl) / 65535.0
		}
	}
	return data
}

// Rescale maps Gaussians predicted at the square model resolution back to
// the source width. Depth is unchanged; lateral extent scales with the
// resize ratio.
func Rescale(set *gaussian.Set, sourceWidth, modelSize int) {
	if modelSize <= 0 || sourceWidth <= 0 {
		return
	}
	ratio := float32(sourceWidth) / float32(modelSize)
	for i := range set.Means {
		set.Means[i][0] *= ratio
		set.Means[i][1] *= ratio
	}
}

func cloneData(t *ort.Tensor[float32]) []float32 {
	src := t.GetData()
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}

func readMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.ImageSize <= 0 || metadata.NumGaussians <= 0 {
		return Metadata{}, fmt.Errorf("metadata must set image_size and num_gaussians")
	}
	if len(metadata.InputNames) == 0 {
		metadata.InputNames = defaultInputs
	}
	if len(metadata.OutputNames) == 0 {
		metadata.OutputNames = defaultOutputs
	}
	if len(metadata.InputNames) != 2 || len(metadata.OutputNames) != 5 {
		return Metadata{}, fmt.Errorf("metadata must name 2 inputs and 5 outputs")
	}
	return metadata, nil
}
