package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/splat-api/internal/domain"
	"github.com/example/splat-api/internal/logging"
	"github.com/example/splat-api/internal/output"
	"github.com/example/splat-api/internal/repository"
	"github.com/example/splat-api/internal/scratch"
)

// BatchRecorder persists batch summaries.
type BatchRecorder interface {
	SaveBatch(ctx context.Context, log *repository.BatchLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.BatchLog, error)
	FindByRequestIDAndSubject(ctx context.Context, requestID, subject string) (*repository.BatchLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// ArchiveStore mirrors finalized archives and returns a download URL.
type ArchiveStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// BatchRequest is one validated upload batch. RequestID is minted by the
// server and keys the archive object and the batch log; CorrelationID is
// the caller-facing X-Request-ID and only appears in logs.
type BatchRequest struct {
	RequestID     string
	CorrelationID string
	Subject       string
	Items         []domain.UploadItem
}

// BatchOptions configures a BatchUseCase. Recorder and Store are optional.
type BatchOptions struct {
	Workers    int
	Timeout    time.Duration
	ScratchDir string
	Recorder   BatchRecorder
	Store      ArchiveStore
}

// ArchiveResult is a finalized archive plus its mirror URL, if any.
type ArchiveResult struct {
	RequestID string
	Archive   *output.Archive
	URL       string
}

// BatchUseCase orchestrates item processing for a whole upload batch.
type BatchUseCase struct {
	processor *ItemProcessor
	predictor Predictor
	fs        afero.Fs
	opts      BatchOptions
	logger    *zap.Logger
}

// NewBatchUseCase wires the orchestrator.
func NewBatchUseCase(processor *ItemProcessor, predictor Predictor, fs afero.Fs, opts BatchOptions, logger *zap.Logger) *BatchUseCase {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &BatchUseCase{
		processor: processor,
		predictor: predictor,
		fs:        fs,
		opts:      opts,
		logger:    logger.Named("batch_usecase"),
	}
}

// Run converts every item and returns one outcome per item in upload order.
// It fails fast with domain.ErrNotReady before any item is touched.
func (uc *BatchUseCase) Run(ctx context.Context, req BatchRequest) (*domain.BatchResult, error) {
	logger := logging.WithOperation(uc.logger, "usecase.run_batch", req.RequestID)
	if req.CorrelationID != "" {
		logger = logger.With(zap.String("correlation_id", req.CorrelationID))
	}

	if !uc.predictor.Ready() {
		return nil, domain.ErrNotReady
	}

	if uc.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.opts.Timeout)
		defer cancel()
	}

	arena, err := scratch.New(uc.fs, uc.opts.ScratchDir)
	if err != nil {
		return nil, logging.NewOperationError("usecase.run_batch", req.RequestID, err)
	}
	defer func() {
		if err := arena.Release(); err != nil {
			logger.Warn("failed to release scratch arena", zap.Error(err))
		}
	}()

	outcomes := make([]domain.Outcome, len(req.Items))
	var g errgroup.Group
	g.SetLimit(uc.opts.Workers)
	for i, item := range req.Items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcomes[i] = uc.processor.Process(ctx, arena, req.RequestID, i, item)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		logger.Warn("batch aborted", zap.Error(err), zap.Int("items", len(req.Items)))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrBatchTimeout
		}
		return nil, err
	}

	return &domain.BatchResult{RequestID: req.RequestID, Outcomes: outcomes}, nil
}

// RunInline runs the batch and assembles the inline JSON response.
func (uc *BatchUseCase) RunInline(ctx context.Context, req BatchRequest) (*output.InlineResponse, error) {
	start := time.Now()
	result, err := uc.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	response := output.BuildInline(result)
	uc.record(ctx, req, domain.ModeInline, result, time.Since(start))
	return response, nil
}

// RunArchive runs the batch and assembles a zip of the successful
// artifacts. When a store is configured the archive is mirrored; mirror
// failures are logged and leave URL empty.
func (uc *BatchUseCase) RunArchive(ctx context.Context, req BatchRequest) (*ArchiveResult, error) {
	start := time.Now()
	result, err := uc.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	archive, err := output.BuildArchive(result)
	if err != nil {
		return nil, logging.NewOperationError("usecase.build_archive", req.RequestID, err)
	}

	res := &ArchiveResult{RequestID: req.RequestID, Archive: archive}
	if uc.opts.Store != nil {
		url, err := uc.opts.Store.Put(ctx, req.RequestID+".zip", archive.Data)
		if err != nil {
			logging.WithOperation(uc.logger, "usecase.mirror_archive", req.RequestID).Warn("failed to mirror archive", zap.Error(err))
		} else {
			res.URL = url
		}
	}

	uc.record(ctx, req, domain.ModeArchive, result, time.Since(start))
	return res, nil
}

type failureEntry struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

func (uc *BatchUseCase) record(ctx context.Context, req BatchRequest, mode domain.Mode, result *domain.BatchResult, elapsed time.Duration) {
	logger := logging.WithOperation(uc.logger, "usecase.record_batch", req.RequestID)
	failures := result.Failures()
	succeeded := len(result.Outcomes) - len(failures)
	logger.Info("batch completed",
		zap.String("mode", string(mode)),
		zap.Int("items", len(result.Outcomes)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(failures)),
		zap.Duration("elapsed", elapsed))

	if uc.opts.Recorder == nil {
		return
	}

	entries := make([]failureEntry, 0, len(failures))
	for _, f := range failures {
		entries = append(entries, failureEntry{Filename: f.SourceFilename, Error: f.Message})
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		logger.Error("failed to encode failures", zap.Error(err))
		return
	}

	log := &repository.BatchLog{
		RequestID:    req.RequestID,
		Mode:         string(mode),
		Subject:      req.Subject,
		ItemCount:    len(result.Outcomes),
		SuccessCount: succeeded,
		FailureCount: len(failures),
		DurationMs:   elapsed.Milliseconds(),
		Failures:     string(encoded),
		CreatedAt:    time.Now().UTC(),
	}
	if err := uc.opts.Recorder.SaveBatch(context.WithoutCancel(ctx), log); err != nil {
		logger.Warn("failed to record batch", zap.Error(err))
	}
}

// BatchSummary is the stored view of a completed batch.
type BatchSummary struct {
	RequestID    string         `json:"request_id"`
	Mode         string         `json:"mode"`
	Subject      string         `json:"subject,omitempty"`
	ItemCount    int            `json:"item_count"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	DurationMs   int64          `json:"duration_ms"`
	Failures     []failureEntry `json:"failures"`
	CreatedAt    time.Time      `json:"created_at"`
}

// GetBatch returns the stored summary for requestID. A non-empty subject
// restricts the lookup to batches recorded for that subject; other batches
// are reported as not found.
func (uc *BatchUseCase) GetBatch(ctx context.Context, requestID, subject string) (*BatchSummary, error) {
	if uc.opts.Recorder == nil {
		return nil, domain.ErrHistoryDisabled
	}
	var (
		log *repository.BatchLog
		err error
	)
	if subject != "" {
		log, err = uc.opts.Recorder.FindByRequestIDAndSubject(ctx, requestID, subject)
	} else {
		log, err = uc.opts.Recorder.FindByRequestID(ctx, requestID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}

	summary := &BatchSummary{
		RequestID:    log.RequestID,
		Mode:         log.Mode,
		Subject:      log.Subject,
		ItemCount:    log.ItemCount,
		SuccessCount: log.SuccessCount,
		FailureCount: log.FailureCount,
		DurationMs:   log.DurationMs,
		Failures:     []failureEntry{},
		CreatedAt:    log.CreatedAt,
	}
	if log.Failures != "" {
		if err := json.Unmarshal([]byte(log.Failures), &summary.Failures); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_batch", requestID).Warn("failed to decode stored failures", zap.Error(err))
		}
	}
	return summary, nil
}
