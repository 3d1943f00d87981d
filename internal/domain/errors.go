package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRateLimitExceeded = errors.New("rate limit wait ceiling exceeded")
	ErrTransientNetwork  = errors.New("transient network error")
	ErrCorruptImage      = errors.New("corrupt image")
	ErrBelowMinSize      = errors.New("image below minimum dimensions")
	ErrOrphanedRecord    = errors.New("record file missing on disk")
	ErrInvalidInput      = errors.New("invalid input")
)
