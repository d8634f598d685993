package meilierr

import "fmt"

// Error is the structured error type threaded through the scheduler, the
// indexer, the search pipeline and the HTTP layer. It carries enough
// context to both log usefully and render the {message, code, type, link}
// HTTP error body of spec.md §6.
type Error struct {
	// Code is one of the closed CodeXXX constants.
	Code string

	// Message is the human-readable error message.
	Message string

	// Type is the HTTP-facing classification (invalid_request, auth, …).
	Type Type

	// Severity drives scheduler behaviour: Fatal sets the sticky down flag.
	Severity Severity

	// Link is an optional documentation URL included in the HTTP body.
	Link string

	// Details contains additional structured context (e.g. the offending
	// filter expression, the unsupported facet name).
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates whether the caller may retry the operation.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is compares by code so errors.Is(err, meilierr.New(CodeX, "", nil)) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error. Returns e for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithLink attaches a documentation link. Returns e for chaining.
func (e *Error) WithLink(link string) *Error {
	e.Link = link
	return e
}

// New creates an Error with Type/Severity/Retryable derived from the code.
func New(code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Type:      typeFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error, copying its message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// IsRetryable reports whether err is an *Error with Retryable set.
func IsRetryable(err error) bool {
	var e *Error
	if as(err, &e) {
		return e.Retryable
	}
	return false
}

// IsFatal reports whether err is an *Error with Fatal severity — such
// errors must set the scheduler's sticky down flag (spec.md §4.3).
func IsFatal(err error) bool {
	var e *Error
	if as(err, &e) {
		return e.Severity == SeverityFatal
	}
	return false
}

// Code extracts the error code, or "" if err is not an *Error.
func Code(err error) string {
	var e *Error
	if as(err, &e) {
		return e.Code
	}
	return ""
}

// TypeOf extracts the error's Type, or TypeInternal if err is not an *Error.
func TypeOf(err error) Type {
	var e *Error
	if as(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// as is a tiny local errors.As to avoid importing the stdlib package under
// a name that collides with this package's own name in call sites.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
