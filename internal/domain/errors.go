package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Envelope errors
	ErrEmptyMessage        = errors.New("message cannot be empty")
	ErrMissingConversation = errors.New("conversation id is required")
	ErrMissingMessageID    = errors.New("message id is required")
	ErrMissingProduct      = errors.New("product id is required")
	ErrEmptyAttachment     = errors.New("attachment data cannot be empty")
	ErrMissingMimeType     = errors.New("attachment mime type is required")
	ErrUnknownEnvelope     = errors.New("unknown envelope type")
)
