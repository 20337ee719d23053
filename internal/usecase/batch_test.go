package usecase

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/splat-api/internal/domain"
	"github.com/example/splat-api/internal/imageprocessor"
	"github.com/example/splat-api/internal/output"
	"github.com/example/splat-api/internal/repository"
)

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) SaveBatch(ctx context.Context, log *repository.BatchLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *mockRecorder) FindByRequestID(ctx context.Context, requestID string) (*repository.BatchLog, error) {
	args := m.Called(ctx, requestID)
	if log, ok := args.Get(0).(*repository.BatchLog); ok {
		return log, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRecorder) FindByRequestIDAndSubject(ctx context.Context, requestID, subject string) (*repository.BatchLog, error) {
	args := m.Called(ctx, requestID, subject)
	if log, ok := args.Get(0).(*repository.BatchLog); ok {
		return log, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRecorder) AggregateMetrics(ctx context.Context) (*repository.Aggregation, error) {
	args := m.Called(ctx)
	if agg, ok := args.Get(0).(*repository.Aggregation); ok {
		return agg, args.Error(1)
	}
	return nil, args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	args := m.Called(ctx, key, data)
	return args.String(0), args.Error(1)
}

type batchFixture struct {
	uc   *BatchUseCase
	pred *stubPredictor
	fs   afero.Fs
}

func newBatchFixture(t *testing.T, opts BatchOptions) *batchFixture {
	t.Helper()
	pred := newStubPredictor()
	fs := afero.NewMemMapFs()
	if opts.ScratchDir == "" {
		opts.ScratchDir = "/scratch"
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	processor := NewItemProcessor(imageprocessor.NewDecoder(0), pred, nil, ItemOptions{DefaultFocalMM: 30}, zap.NewNop())
	return &batchFixture{
		uc:   NewBatchUseCase(processor, pred, fs, opts, zap.NewNop()),
		pred: pred,
		fs:   fs,
	}
}

func (f *batchFixture) scratchEntries(t *testing.T) int {
	t.Helper()
	infos, err := afero.ReadDir(f.fs, "/scratch")
	require.NoError(t, err)
	return len(infos)
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(reader.File))
	for _, file := range reader.File {
		names = append(names, file.Name)
	}
	return names
}

func TestRunTwoValidImagesInline(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{})
	req := BatchRequest{RequestID: "req-a", Items: []domain.UploadItem{
		{Filename: "a.jpg", Data: pngBytes(t, 4, 3)},
		{Filename: "b.png", Data: pngBytes(t, 5, 2)},
	}}

	resp, err := f.uc.RunInline(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	first, ok := resp.Results[0].(output.InlineSuccess)
	require.True(t, ok)
	assert.Equal(t, "a.jpg", first.Filename)
	assert.Equal(t, "a.ply", first.PLYFilename)
	assert.Equal(t, 4, first.Width)

	second, ok := resp.Results[1].(output.InlineSuccess)
	require.True(t, ok)
	assert.Equal(t, "b.ply", second.PLYFilename)
	assert.Zero(t, f.scratchEntries(t), "arena must be released")
}

func TestRunMixedArchiveOmitsFailure(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{})
	req := BatchRequest{RequestID: "req-b", Items: []domain.UploadItem{
		{Filename: "a.jpg", Data: pngBytes(t, 4, 3)},
		{Filename: "broken.jpg", Data: []byte("garbage")},
	}}

	res, err := f.uc.RunArchive(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ply"}, zipNames(t, res.Archive.Data))
	assert.Equal(t, 1, res.Archive.Succeeded)
	assert.Equal(t, 1, res.Archive.Failed)
	assert.Empty(t, res.URL)
}

func TestRunAllFailedArchiveIsEmpty(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{})
	req := BatchRequest{RequestID: "req-c", Items: []domain.UploadItem{
		{Filename: "x.jpg", Data: []byte("nope")},
		{Filename: "y.jpg", Data: nil},
	}}

	res, err := f.uc.RunArchive(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, zipNames(t, res.Archive.Data))
	assert.Equal(t, 2, res.Archive.Failed)
}

func TestRunEmptyBatch(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{})

	resp, err := f.uc.RunInline(context.Background(), BatchRequest{RequestID: "req-d"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Zero(t, f.pred.calls.Load())
}

func TestRunPreservesOrderUnderConcurrency(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{Workers: 3})
	f.pred.failWidth = 7

	var items []domain.UploadItem
	var want []string
	for i := 0; i < 12; i++ {
		width := 2 + i%5
		if i%4 == 0 {
			width = 7
		}
		name := fmt.Sprintf("img-%02d.png", i)
		items = append(items, domain.UploadItem{Filename: name, Data: pngBytes(t, width, 2)})
		want = append(want, name)
	}

	result, err := f.uc.Run(context.Background(), BatchRequest{RequestID: "req-order", Items: items})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, len(items))
	assert.Equal(t, want, outcomeNames(result.Outcomes))

	for i, outcome := range result.Outcomes {
		if i%4 == 0 {
			assert.NotNil(t, outcome.Failure, "item %d should fail", i)
		} else {
			assert.True(t, outcome.Succeeded(), "item %d should succeed", i)
		}
	}
}

func TestRunNotReadyTouchesNothing(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{})
	f.pred.ready.Store(false)

	_, err := f.uc.Run(context.Background(), BatchRequest{Items: []domain.UploadItem{
		{Filename: "a.png", Data: pngBytes(t, 2, 2)},
	}})
	require.ErrorIs(t, err, domain.ErrNotReady)
	assert.Zero(t, f.pred.calls.Load())

	exists, err := afero.DirExists(f.fs, "/scratch")
	require.NoError(t, err)
	assert.False(t, exists, "no scratch arena should be created")
}

func TestRunTimeoutReturnsBatchTimeout(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{Timeout: 20 * time.Millisecond, Workers: 1})
	f.pred.delay = time.Second

	_, err := f.uc.Run(context.Background(), BatchRequest{RequestID: "slow", Items: []domain.UploadItem{
		{Filename: "a.png", Data: pngBytes(t, 2, 2)},
		{Filename: "b.png", Data: pngBytes(t, 2, 2)},
	}})
	require.ErrorIs(t, err, domain.ErrBatchTimeout)
	assert.Zero(t, f.scratchEntries(t))
}

func TestRunCancelledContext(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.uc.Run(ctx, BatchRequest{Items: []domain.UploadItem{
		{Filename: "a.png", Data: pngBytes(t, 2, 2)},
	}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.pred.calls.Load())
}

func TestRunRecordsBatch(t *testing.T) {
	recorder := new(mockRecorder)
	recorder.On("SaveBatch", mock.Anything, mock.MatchedBy(func(log *repository.BatchLog) bool {
		return log.RequestID == "req-log" &&
			log.Mode == "inline" &&
			log.Subject == "user-1" &&
			log.ItemCount == 2 &&
			log.SuccessCount == 1 &&
			log.FailureCount == 1
	})).Return(nil).Once()

	f := newBatchFixture(t, BatchOptions{Recorder: recorder})
	_, err := f.uc.RunInline(context.Background(), BatchRequest{RequestID: "req-log", Subject: "user-1", Items: []domain.UploadItem{
		{Filename: "a.png", Data: pngBytes(t, 2, 2)},
		{Filename: "b.png", Data: []byte("bad")},
	}})
	require.NoError(t, err)
	recorder.AssertExpectations(t)
}

func TestRunRecorderFailureDoesNotFailBatch(t *testing.T) {
	recorder := new(mockRecorder)
	recorder.On("SaveBatch", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()

	f := newBatchFixture(t, BatchOptions{Recorder: recorder})
	resp, err := f.uc.RunInline(context.Background(), BatchRequest{RequestID: "req-x", Items: []domain.UploadItem{
		{Filename: "a.png", Data: pngBytes(t, 2, 2)},
	}})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
	recorder.AssertExpectations(t)
}

func TestRunArchiveMirrorsToStore(t *testing.T) {
	store := new(mockStore)
	store.On("Put", mock.Anything, "req-s3.zip", mock.Anything).Return("https://bucket/req-s3.zip", nil).Once()

	f := newBatchFixture(t, BatchOptions{Store: store})
	res, err := f.uc.RunArchive(context.Background(), BatchRequest{RequestID: "req-s3", Items: []domain.UploadItem{
		{Filename: "a.png", Data: pngBytes(t, 2, 2)},
	}})
	require.NoError(t, err)
	assert.Equal(t, "https://bucket/req-s3.zip", res.URL)
	store.AssertExpectations(t)
}

func TestRunArchiveMirrorFailureIsLogged(t *testing.T) {
	store := new(mockStore)
	store.On("Put", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("access denied")).Once()

	f := newBatchFixture(t, BatchOptions{Store: store})
	res, err := f.uc.RunArchive(context.Background(), BatchRequest{RequestID: "req-s3", Items: []domain.UploadItem{
		{Filename: "a.png", Data: pngBytes(t, 2, 2)},
	}})
	require.NoError(t, err)
	assert.Empty(t, res.URL)
	assert.Equal(t, []string{"a.ply"}, zipNames(t, res.Archive.Data))
}

func TestGetBatch(t *testing.T) {
	recorder := new(mockRecorder)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	recorder.On("FindByRequestID", mock.Anything, "req-1").Return(&repository.BatchLog{
		RequestID:    "req-1",
		Mode:         "archive",
		ItemCount:    2,
		SuccessCount: 1,
		FailureCount: 1,
		Failures:     `[{"filename":"b.jpg","error":"decode b.jpg: bad"}]`,
		CreatedAt:    created,
	}, nil)
	recorder.On("FindByRequestID", mock.Anything, "missing").Return(nil, repository.ErrNotFound)

	f := newBatchFixture(t, BatchOptions{Recorder: recorder})

	summary, err := f.uc.GetBatch(context.Background(), "req-1", "")
	require.NoError(t, err)
	assert.Equal(t, "archive", summary.Mode)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "b.jpg", summary.Failures[0].Filename)
	assert.Equal(t, created, summary.CreatedAt)

	_, err = f.uc.GetBatch(context.Background(), "missing", "")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestGetBatchScopedToSubject(t *testing.T) {
	recorder := new(mockRecorder)
	recorder.On("FindByRequestIDAndSubject", mock.Anything, "req-1", "alice").Return(&repository.BatchLog{
		RequestID: "req-1",
		Mode:      "inline",
		Subject:   "alice",
		Failures:  "[]",
	}, nil)
	recorder.On("FindByRequestIDAndSubject", mock.Anything, "req-1", "bob").Return(nil, repository.ErrNotFound)

	f := newBatchFixture(t, BatchOptions{Recorder: recorder})

	summary, err := f.uc.GetBatch(context.Background(), "req-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", summary.Subject)

	_, err = f.uc.GetBatch(context.Background(), "req-1", "bob")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
	recorder.AssertNotCalled(t, "FindByRequestID", mock.Anything, mock.Anything)
}

func TestHistoryDisabledWithoutRecorder(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{})

	_, err := f.uc.GetBatch(context.Background(), "req-1", "")
	assert.ErrorIs(t, err, domain.ErrHistoryDisabled)

	_, err = f.uc.GetMetricsSummary(context.Background())
	assert.ErrorIs(t, err, domain.ErrHistoryDisabled)
}

func TestGetMetricsSummary(t *testing.T) {
	recorder := new(mockRecorder)
	recorder.On("AggregateMetrics", mock.Anything).Return(&repository.Aggregation{
		TotalBatches:      3,
		TotalItems:        10,
		SuccessfulItems:   8,
		AverageDurationMs: 120.5,
	}, nil)

	f := newBatchFixture(t, BatchOptions{Recorder: recorder})
	summary, err := f.uc.GetMetricsSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalBatches)
	assert.InDelta(t, 0.8, summary.ItemSuccessRate, 1e-9)
	assert.Equal(t, 120.5, summary.AverageDurationMs)
}

func TestRunIsIdempotentWithoutCache(t *testing.T) {
	f := newBatchFixture(t, BatchOptions{})
	data := pngBytes(t, 9, 5)

	run := func(requestID string) *domain.Artifact {
		res, err := f.uc.Run(context.Background(), BatchRequest{RequestID: requestID, Items: []domain.UploadItem{
			{Filename: "scene.png", Data: data},
		}})
		require.NoError(t, err)
		require.Len(t, res.Outcomes, 1)
		require.True(t, res.Outcomes[0].Succeeded())
		return res.Outcomes[0].Artifact
	}

	first := run("req-first")
	second := run("req-second")

	assert.Equal(t, first.Width, second.Width)
	assert.Equal(t, first.Height, second.Height)
	assert.Equal(t, first.FocalLength, second.FocalLength)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int32(2), f.pred.calls.Load(), "both runs must reach the predictor")
}
