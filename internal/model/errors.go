package model

import "errors"

var (
	ErrAlreadyInProgress   = errors.New("generation already in progress")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSubmissionFailed    = errors.New("submission failed")
	ErrInvalidRequest      = errors.New("invalid generation request")
	ErrJobFailed           = errors.New("generation failed")
	ErrMissingMedia        = errors.New("completed without media url")
	ErrNotFound            = errors.New("not found")
)
