package cve

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the tracking service and scheduler.
var (
	// ErrConflict is returned when creating a record whose id already
	// exists (case-insensitive).
	ErrConflict = errors.New("record already exists")
	// ErrNotFound is returned when operating on a missing record id.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyRunning is returned when crawl admission is rejected
	// because another job holds the single-flight guard.
	ErrAlreadyRunning = errors.New("a crawl is already running")
)

// ValidationError reports a malformed patch or candidate record.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// FetchError wraps a source-specific failure while retrieving raw data.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError wraps a source-specific failure while decoding raw data.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
