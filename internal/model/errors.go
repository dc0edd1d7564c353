package model

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientHistory means too few bars to classify; retry once more history accrues.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrInvalidBarData means the bars are malformed; not retried.
	ErrInvalidBarData = errors.New("invalid bar data")
	// ErrRiskLimitExceeded means a position or allocation cap would be breached.
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")
	// ErrTransientSource is a retryable data-source failure.
	ErrTransientSource = errors.New("transient source failure")
)

// Error tally labels.
const (
	KindInsufficientHistory = "InsufficientHistory"
	KindInvalidBarData      = "InvalidBarData"
	KindRiskLimitExceeded   = "RiskLimitExceeded"
	KindTransientSource     = "TransientSourceFailure"
	KindTimeout             = "Timeout"
	KindOther               = "Other"
)

// ErrorKind maps an error to its tally label.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientHistory):
		return KindInsufficientHistory
	case errors.Is(err, ErrInvalidBarData):
		return KindInvalidBarData
	case errors.Is(err, ErrRiskLimitExceeded):
		return KindRiskLimitExceeded
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransientSource):
		return KindTransientSource
	default:
		return KindOther
	}
}

// Retryable reports whether the caller may retry the operation later.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientSource) ||
		errors.Is(err, ErrInsufficientHistory) ||
		errors.Is(err, context.DeadlineExceeded)
}
