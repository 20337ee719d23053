package usecase

import (
	"context"
	"fmt"
	"image"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/splat-api/internal/domain"
	"github.com/example/splat-api/internal/gaussian"
	"github.com/example/splat-api/internal/imageprocessor"
	"github.com/example/splat-api/internal/logging"
	"github.com/example/splat-api/internal/ply"
	"github.com/example/splat-api/internal/scratch"
)

// Decoder turns upload bytes into an image.
type Decoder interface {
	Decode(data []byte) (*imageprocessor.Image, error)
}

// Predictor is the shared inference handle.
type Predictor interface {
	Ready() bool
	Predict(ctx context.Context, img *image.NRGBA, focalPx float64) (*gaussian.Set, error)
}

// Serializer writes geometry and camera metadata to w.
type Serializer func(w io.Writer, set *gaussian.Set, focalPx float64, height, width int) error

// Item processing stages, used in failure messages.
const (
	StageUpload    = "upload"
	StageStore     = "store"
	StageDecode    = "decode"
	StagePredict   = "predict"
	StageSerialize = "serialize"
	StageProcess   = "process"
)

// StageError reports which step failed for which upload.
type StageError struct {
	Filename string
	Stage    string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Filename, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ItemProcessor converts one upload into an outcome. It never returns an
// error: every failure becomes a domain.Failure so siblings are unaffected.
type ItemProcessor struct {
	decoder        Decoder
	predictor      Predictor
	serialize      Serializer
	cache          *ArtifactCache
	defaultFocalMM float64
	maxFileBytes   int64
	logger         *zap.Logger
}

// ItemOptions tunes an ItemProcessor.
type ItemOptions struct {
	DefaultFocalMM float64
	MaxFileBytes   int64
	Cache          *ArtifactCache
}

// NewItemProcessor builds a processor. A nil serializer uses ply.Write.
func NewItemProcessor(decoder Decoder, predictor Predictor, serialize Serializer, opts ItemOptions, logger *zap.Logger) *ItemProcessor {
	if serialize == nil {
		serialize = ply.Write
	}
	if opts.DefaultFocalMM <= 0 {
		opts.DefaultFocalMM = 30
	}
	return &ItemProcessor{
		decoder:        decoder,
		predictor:      predictor,
		serialize:      serialize,
		cache:          opts.Cache,
		defaultFocalMM: opts.DefaultFocalMM,
		maxFileBytes:   opts.MaxFileBytes,
		logger:         logger.Named("item_processor"),
	}
}

// ArtifactName derives "<stem>.ply" from an upload filename.
func ArtifactName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "artifact." + ply.Extension
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" {
		stem = base
	}
	return stem + "." + ply.Extension
}

// Process runs store, decode, predict and serialize for one item. Scratch
// files created for the item are removed before it returns.
func (p *ItemProcessor) Process(ctx context.Context, arena *scratch.Arena, requestID string, index int, item domain.UploadItem) (outcome domain.Outcome) {
	logger := logging.WithItem(logging.WithOperation(p.logger, "usecase.process_item", requestID), item.Filename, index)
	start := time.Now()

	fail := func(stage string, err error) domain.Outcome {
		stageErr := &StageError{Filename: item.Filename, Stage: stage, Err: err}
		logger.Error("item failed", zap.String("stage", stage), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return domain.Outcome{Failure: &domain.Failure{SourceFilename: item.Filename, Message: stageErr.Error()}}
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = fail(StageProcess, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return fail(StageUpload, err)
	}
	if p.maxFileBytes > 0 && int64(len(item.Data)) > p.maxFileBytes {
		return fail(StageUpload, fmt.Errorf("%w (%d bytes, limit %d)", domain.ErrFileTooLarge, len(item.Data), p.maxFileBytes))
	}

	artifactName := ArtifactName(item.Filename)
	cacheKey := ArtifactKey(item.Data, p.defaultFocalMM)
	if cached, ok := p.cache.get(ctx, requestID, cacheKey); ok {
		logger.Info("artifact served from cache")
		return domain.Outcome{Artifact: &domain.Artifact{
			SourceFilename:   item.Filename,
			ArtifactFilename: artifactName,
			Data:             cached.PLY,
			Width:            cached.Width,
			Height:           cached.Height,
			FocalLength:      cached.FocalLength,
		}}
	}

	uploadPath, err := arena.WriteFile(item.Filename, item.Data)
	if err != nil {
		return fail(StageStore, err)
	}
	defer p.remove(arena, uploadPath, logger)

	raw, err := arena.ReadFile(uploadPath)
	if err != nil {
		return fail(StageStore, err)
	}
	img, err := p.decoder.Decode(raw)
	if err != nil {
		return fail(StageDecode, err)
	}

	focalPx := imageprocessor.FocalMMToPixels(p.defaultFocalMM, img.Width, img.Height)
	if img.FocalPx != nil {
		focalPx = *img.FocalPx
	}

	set, err := p.predictor.Predict(ctx, img.Pixels, focalPx)
	if err != nil {
		return fail(StagePredict, err)
	}

	data, err := p.serializeToArena(arena, artifactName, set, focalPx, img.Height, img.Width, logger)
	if err != nil {
		return fail(StageSerialize, err)
	}

	p.cache.put(ctx, requestID, cacheKey, &cachedArtifact{
		PLY:         data,
		Width:       img.Width,
		Height:      img.Height,
		FocalLength: focalPx,
		CreatedAt:   time.Now().UTC(),
	})

	logger.Info("item converted",
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Float64("focal_px", focalPx),
		zap.Int("gaussians", set.Len()),
		zap.Int("ply_bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))

	return domain.Outcome{Artifact: &domain.Artifact{
		SourceFilename:   item.Filename,
		ArtifactFilename: artifactName,
		Data:             data,
		Width:            img.Width,
		Height:           img.Height,
		FocalLength:      focalPx,
	}}
}

func (p *ItemProcessor) serializeToArena(arena *scratch.Arena, name string, set *gaussian.Set, focalPx float64, height, width int, logger *zap.Logger) ([]byte, error) {
	f, plyPath, err := arena.Create(name)
	if err != nil {
		return nil, err
	}
	defer p.remove(arena, plyPath, logger)

	if err := p.serialize(f, set, focalPx, height, width); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return arena.ReadFile(plyPath)
}

func (p *ItemProcessor) remove(arena *scratch.Arena, path string, logger *zap.Logger) {
	if err := arena.Remove(path); err != nil {
		logger.Warn("failed to remove scratch file", zap.String("path", path), zap.Error(err))
	}
}
