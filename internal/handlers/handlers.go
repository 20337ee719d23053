package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/splat-api/internal/auth"
	"github.com/example/splat-api/internal/domain"
	"github.com/example/splat-api/internal/logging"
	"github.com/example/splat-api/internal/middleware"
	"github.com/example/splat-api/internal/output"
	"github.com/example/splat-api/internal/predictor"
	"github.com/example/splat-api/internal/usecase"
)

// FilesField is the repeated multipart field carrying the uploads.
const FilesField = "files"

// HeaderBatchID names the server-assigned batch id on batch responses.
const HeaderBatchID = "X-Batch-ID"

// Response headers on archive downloads.
const (
	HeaderSucceeded  = "X-Batch-Succeeded"
	HeaderFailed     = "X-Batch-Failed"
	HeaderArchiveURL = "X-Archive-URL"
)

// BatchRunner executes upload batches and serves their history.
type BatchRunner interface {
	RunInline(ctx context.Context, req usecase.BatchRequest) (*output.InlineResponse, error)
	RunArchive(ctx context.Context, req usecase.BatchRequest) (*usecase.ArchiveResult, error)
	GetBatch(ctx context.Context, requestID, subject string) (*usecase.BatchSummary, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Readiness reports the predictor lifecycle.
type Readiness interface {
	Ready() bool
	Status() (predictor.State, error)
	Device() string
}

// Options tunes request handling.
type Options struct {
	MaxRequestBytes int64
}

type handler struct {
	runner    BatchRunner
	readiness Readiness
	opts      Options
	logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware
// guards everything except the health endpoints.
func RegisterRoutes(router *gin.Engine, runner BatchRunner, readiness Readiness, opts Options, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	h := &handler{runner: runner, readiness: readiness, opts: opts, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", h.ready)

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}
	protected.POST("/predict", h.predictInline)
	protected.POST("/predict/download", h.predictArchive)
	protected.GET("/batches/:id", h.getBatch)
	protected.GET("/metrics/summary", h.metricsSummary)
}

func (h *handler) ready(c *gin.Context) {
	state, err := h.readiness.Status()
	body := gin.H{"status": string(state), "device": h.readiness.Device()}
	if err != nil {
		body["error"] = err.Error()
	}
	if state != predictor.StateReady {
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) predictInline(c *gin.Context) {
	req, ok := h.readBatch(c)
	if !ok {
		return
	}
	resp, err := h.runner.RunInline(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, req.RequestID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) predictArchive(c *gin.Context) {
	req, ok := h.readBatch(c)
	if !ok {
		return
	}
	res, err := h.runner.RunArchive(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, req.RequestID, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+output.ArchiveFilename)
	c.Header(HeaderSucceeded, strconv.Itoa(res.Archive.Succeeded))
	c.Header(HeaderFailed, strconv.Itoa(res.Archive.Failed))
	if res.URL != "" {
		c.Header(HeaderArchiveURL, res.URL)
	}
	c.Data(http.StatusOK, output.ArchiveContentType, res.Archive.Data)
}

// readBatch checks readiness before touching the body, then reads every
// uploaded file. The batch id is always minted here. It writes the error
// response itself when it returns false.
func (h *handler) readBatch(c *gin.Context) (usecase.BatchRequest, bool) {
	requestID := uuid.NewString()
	correlationID := middleware.GetRequestID(c)
	c.Header(HeaderBatchID, requestID)

	if !h.readiness.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": domain.ErrNotReady.Error()})
		return usecase.BatchRequest{}, false
	}

	if h.opts.MaxRequestBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxRequestBytes)
	}

	form, err := c.MultipartForm()
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return usecase.BatchRequest{}, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form with field \"files\" is required"})
		return usecase.BatchRequest{}, false
	}

	files := form.File[FilesField]
	items := make([]domain.UploadItem, 0, len(files))
	for _, file := range files {
		data, err := readFormFile(file)
		if err != nil {
			logging.WithOperation(h.logger, "handlers.read_upload", requestID).Error("failed to read upload", zap.String("filename", file.Filename), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read " + file.Filename})
			return usecase.BatchRequest{}, false
		}
		items = append(items, domain.UploadItem{Filename: file.Filename, Data: data})
	}

	subject, _ := auth.Subject(c.Request.Context())
	return usecase.BatchRequest{RequestID: requestID, CorrelationID: correlationID, Subject: subject, Items: items}, true
}

func readFormFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func (h *handler) writeError(c *gin.Context, requestID string, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"
	switch {
	case errors.Is(err, domain.ErrNotReady):
		status, message = http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, domain.ErrBatchTimeout):
		status, message = http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, context.Canceled):
		status, message = http.StatusRequestTimeout, "request cancelled"
	case errors.Is(err, domain.ErrHistoryDisabled):
		status, message = http.StatusNotImplemented, err.Error()
	case errors.Is(err, domain.ErrBatchNotFound):
		status, message = http.StatusNotFound, err.Error()
	}
	if status == http.StatusInternalServerError || status == http.StatusGatewayTimeout {
		logging.WithOperation(h.logger, "handlers.request", requestID).Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": message})
}

func (h *handler) getBatch(c *gin.Context) {
	requestID := c.Param("id")
	if _, err := uuid.Parse(requestID); err != nil {
		h.writeError(c, requestID, domain.ErrBatchNotFound)
		return
	}
	subject, _ := auth.Subject(c.Request.Context())
	summary, err := h.runner.GetBatch(c.Request.Context(), requestID, subject)
	if err != nil {
		h.writeError(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.runner.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, middleware.GetRequestID(c), err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
