package downloader

import (
	"context"
	"errors"
	"fmt"
)

// Category groups failures for exit codes and user-facing messages.
type Category string

const (
	CategoryInvalidURL  Category = "invalid_url"
	CategoryNetwork     Category = "network"
	CategoryFilesystem  Category = "filesystem"
	CategoryUnsupported Category = "unsupported"
	CategoryRestricted  Category = "restricted"
	CategoryParse       Category = "parse"
	CategoryCancelled   Category = "cancelled"
	CategoryInternal    Category = "internal"
)

// ErrCancelled is returned when a download stops because its context was
// cancelled. It is not a failure.
var ErrCancelled = errors.New("download cancelled")

// ErrBlocked is returned when a playlist URL answers with an HTML page,
// usually a bot challenge or an expired link.
var ErrBlocked = errors.New("received HTML instead of a playlist")

// CategorizedError attaches a Category to an underlying error.
type CategorizedError struct {
	Category Category
	Err      error
}

func (e CategorizedError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e CategorizedError) Unwrap() error {
	return e.Err
}

func wrapCategory(category Category, err error) error {
	if err == nil {
		return nil
	}
	var existing CategorizedError
	if errors.As(err, &existing) {
		return err
	}
	return CategorizedError{Category: category, Err: err}
}

// Categorize attaches category to err unless err already carries one.
func Categorize(category Category, err error) error {
	return wrapCategory(category, err)
}

// CategoryOf reports the category of err, or CategoryInternal when none is
// attached.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var ce CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	return CategoryInternal
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return ExitCodeFor(CategoryOf(err))
}

// ExitCodeFor maps a category to a process exit status. The empty category
// is success.
func ExitCodeFor(category Category) int {
	switch category {
	case "":
		return 0
	case CategoryInvalidURL:
		return 2
	case CategoryUnsupported:
		return 3
	case CategoryNetwork:
		return 4
	case CategoryFilesystem:
		return 5
	case CategoryParse:
		return 6
	case CategoryRestricted:
		return 7
	case CategoryCancelled:
		return 130
	default:
		return 1
	}
}

// IsCancelled reports whether err represents a cancellation rather than a
// failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// SegmentFetchError names the segment that failed after every retry.
type SegmentFetchError struct {
	Sequence int
	URI      string
	Attempts int
	Err      error
}

func (e *SegmentFetchError) Error() string {
	return fmt.Sprintf("segment %d failed after %d attempts: %v", e.Sequence, e.Attempts, e.Err)
}

func (e *SegmentFetchError) Unwrap() error {
	return e.Err
}
