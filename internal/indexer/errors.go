package indexer

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the pipeline.
var (
	ErrSiteNotFound  = errors.New("site not found")
	ErrJobInProgress = errors.New("job already in progress for site")
	ErrJobQueued     = errors.New("job already queued for site")
	ErrQueueClosed   = errors.New("queue closed")
)

// ValidationError marks bad input (depth, URL, config). It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CrawlErrorKind classifies crawler failures.
type CrawlErrorKind string

// Crawl error kinds.
const (
	CrawlTimeout        CrawlErrorKind = "timeout"
	CrawlProcessFailure CrawlErrorKind = "process_failure"
	CrawlParseFailure   CrawlErrorKind = "parse_failure"
)

// CrawlError reports a crawler failure. All kinds are retryable.
type CrawlError struct {
	Kind     CrawlErrorKind
	ExitCode int
	Stderr   string
	Line     int
	Err      error
}

func (e *CrawlError) Error() string {
	switch e.Kind {
	case CrawlProcessFailure:
		if e.Stderr != "" {
			return fmt.Sprintf("crawler exited with code %d: %s", e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("crawler exited with code %d", e.ExitCode)
	case CrawlParseFailure:
		return fmt.Sprintf("parse crawler output line %d: %v", e.Line, e.Err)
	case CrawlTimeout:
		return fmt.Sprintf("crawler timed out: %v", e.Err)
	default:
		return fmt.Sprintf("crawler %s: %v", e.Kind, e.Err)
	}
}

func (e *CrawlError) Unwrap() error { return e.Err }

// ExhaustedError is returned once the retry budget has been used up.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// NonFatalError wraps a failed side effect (index submission, progress
// write, publish, best-effort status update). It is logged and counted,
// never returned from a job.
type NonFatalError struct {
	Effect string
	Err    error
}

// NonFatal wraps err as a NonFatalError for effect. A nil err returns nil.
func NonFatal(effect string, err error) error {
	if err == nil {
		return nil
	}
	return &NonFatalError{Effect: effect, Err: err}
}

func (e *NonFatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Effect, e.Err)
}

func (e *NonFatalError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed attempt may be retried. Validation
// errors, missing sites, concurrent jobs, exhaustion and caller cancellation
// are final; crawl and persistence errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return false
	}
	if errors.Is(err, ErrSiteNotFound) || errors.Is(err, ErrJobInProgress) || errors.Is(err, ErrJobQueued) {
		return false
	}
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
