package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/splat-api/internal/logging"
)

// ErrNotFound is returned when no batch log matches.
var ErrNotFound = errors.New("batch log not found")

// BatchLog represents a persisted summary of one processed batch.
type BatchLog struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Mode         string    `gorm:"column:mode;size:16"`
	Subject      string    `gorm:"column:subject;size:128;index"`
	ItemCount    int       `gorm:"column:item_count"`
	SuccessCount int       `gorm:"column:success_count"`
	FailureCount int       `gorm:"column:failure_count"`
	DurationMs   int64     `gorm:"column:duration_ms"`
	Failures     string    `gorm:"column:failures;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (BatchLog) TableName() string {
	return "batch_logs"
}

// Aggregation holds raw totals across all batch logs.
type Aggregation struct {
	TotalBatches      int64
	TotalItems        int64
	SuccessfulItems   int64
	AverageDurationMs float64
}

// BatchRepository provides persistence APIs for batch logs.
type BatchRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewBatchRepository creates a new repository instance.
func NewBatchRepository(db *gorm.DB, logger *zap.Logger) *BatchRepository {
	return &BatchRepository{
		db:             db,
		logger:         logger.Named("batch_repository"),
		retryAttempts:  3,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *BatchRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&BatchLog{})
	})
}

// SaveBatch persists a batch log entry.
func (r *BatchRepository) SaveBatch(ctx context.Context, log *BatchLog) error {
	return r.executeWithRetry(ctx, "repository.save_batch", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the batch log for a request.
func (r *BatchRepository) FindByRequestID(ctx context.Context, requestID string) (*BatchLog, error) {
	var log BatchLog
	err := r.executeWithRetry(ctx, "repository.find_batch", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindByRequestIDAndSubject retrieves the batch log for a request recorded
// for subject.
func (r *BatchRepository) FindByRequestIDAndSubject(ctx context.Context, requestID, subject string) (*BatchLog, error) {
	var log BatchLog
	err := r.executeWithRetry(ctx, "repository.find_batch_for_subject", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND subject = ?", requestID, subject).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals over all batch logs.
func (r *BatchRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var row struct {
		TotalBatches      int64
		TotalItems        int64
		SuccessfulItems   int64
		AverageDurationMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&BatchLog{}).
			Select("COUNT(*) AS total_batches, " +
				"COALESCE(SUM(item_count), 0) AS total_items, " +
				"COALESCE(SUM(success_count), 0) AS successful_items, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &Aggregation{
		TotalBatches:      row.TotalBatches,
		TotalItems:        row.TotalItems,
		SuccessfulItems:   row.SuccessfulItems,
		AverageDurationMs: row.AverageDurationMs,
	}, nil
}

func (r *BatchRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !isTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
