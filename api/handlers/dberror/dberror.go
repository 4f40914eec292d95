// Package dberror classifies registry storage errors for HTTP handling.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorType classifies database errors for appropriate handling.
type ErrorType int

const (
	// ErrorTypeUnknown is an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnectivity indicates the database is unreachable.
	ErrorTypeConnectivity
	// ErrorTypeTimeout indicates the operation timed out.
	ErrorTypeTimeout
	// ErrorTypeContention indicates a serialization failure or deadlock.
	ErrorTypeContention
)

// IsTransient returns true if the error is likely transient and worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// Context errors are not transient (caller cancelled or deadline exceeded)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout, ErrorTypeContention:
		return true
	default:
		return false
	}
}

// Classify determines the type of database error.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03", strings.HasPrefix(pgErr.Code, "53"):
			return ErrorTypeConnectivity
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return ErrorTypeContention
		case pgErr.Code == "57014":
			return ErrorTypeTimeout
		default:
			return ErrorTypeUnknown
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnectivity
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"dial tcp",
		"broken pipe",
		"closed pool",
		"conn closed",
	} {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeConnectivity
		}
	}
	for _, pattern := range []string{"i/o timeout", "timed out"} {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeTimeout
		}
	}
	return ErrorTypeUnknown
}

// UserMessage returns a client-facing message for a transient error.
func UserMessage(err error) string {
	switch Classify(err) {
	case ErrorTypeConnectivity:
		return "Registry temporarily unavailable. Please try again in a moment."
	case ErrorTypeTimeout:
		return "Request timed out. Please try again."
	case ErrorTypeContention:
		return "Record is busy. Please retry."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
