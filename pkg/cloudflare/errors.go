package cloudflare

import (
	"errors"
	"fmt"
)

// Category classifies upstream failures. Every category is terminal for the
// current run; nothing here is retried.
type Category string

const (
	// CategoryFetch is a transport failure or non-2xx status on a read.
	CategoryFetch Category = "fetch"

	// CategoryParse is a read whose body is malformed or lacks the expected fields.
	CategoryParse Category = "parse"

	// CategoryUpdate is a transport failure or non-2xx status on the list PATCH.
	CategoryUpdate Category = "update"

	// CategoryTimeout is a call that exceeded its per-call deadline.
	CategoryTimeout Category = "timeout"
)

// Sentinels for errors.Is matching against an *UpstreamError.
var (
	ErrUpstreamFetch  = errors.New("upstream fetch failed")
	ErrUpstreamParse  = errors.New("upstream response malformed")
	ErrUpstreamUpdate = errors.New("upstream update failed")
	ErrTimeout        = errors.New("upstream call timed out")
)

// UpstreamError wraps a failed call to the Cloudflare API.
type UpstreamError struct {
	Category   Category
	Op         string // risk_scores, list_items, list_update
	StatusCode int    // 0 when no response was received
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("cloudflare %s [%s]: %s", e.Op, e.Category, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is matches the category sentinels.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamFetch:
		return e.Category == CategoryFetch
	case ErrUpstreamParse:
		return e.Category == CategoryParse
	case ErrUpstreamUpdate:
		return e.Category == CategoryUpdate
	case ErrTimeout:
		return e.Category == CategoryTimeout
	}
	return false
}

func newUpstreamError(category Category, op string, status int, message string, err error) *UpstreamError {
	return &UpstreamError{
		Category:   category,
		Op:         op,
		StatusCode: status,
		Message:    message,
		Err:        err,
	}
}

// CategoryOf extracts the category of an upstream error, or "" for anything else.
func CategoryOf(err error) Category {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Category
	}
	return ""
}
