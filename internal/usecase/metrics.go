package usecase

import (
	"context"

	"github.com/example/splat-api/internal/domain"
)

// MetricsSummary represents aggregated batch insights.
type MetricsSummary struct {
	TotalBatches      int64   `json:"total_batches"`
	TotalItems        int64   `json:"total_items"`
	SuccessfulItems   int64   `json:"successful_items"`
	ItemSuccessRate   float64 `json:"item_success_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// GetMetricsSummary aggregates batch metrics from persisted logs.
func (uc *BatchUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.opts.Recorder == nil {
		return nil, domain.ErrHistoryDisabled
	}
	aggregation, err := uc.opts.Recorder.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalBatches:      aggregation.TotalBatches,
		TotalItems:        aggregation.TotalItems,
		SuccessfulItems:   aggregation.SuccessfulItems,
		AverageDurationMs: aggregation.AverageDurationMs,
	}

	if aggregation.TotalItems > 0 {
		summary.ItemSuccessRate = float64(aggregation.SuccessfulItems) / float64(aggregation.TotalItems)
	}

	return summary, nil
}
