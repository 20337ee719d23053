package domain

import "errors"

var (
	ErrNotReady     = errors.New("model not ready")
	ErrBatchTimeout = errors.New("batch processing timed out")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

	ErrHistoryDisabled = errors.New("batch history is not configured")
	ErrBatchNotFound   = errors.New("batch not found")
)
