package errors

import (
	stderrors "errors"
	"fmt"
)

// BuddyError is the structured error type used across the retrieval core.
// It carries enough context for callers to tell recoverable conditions
// (not found, unsupported) apart from corruption or invalid input.
type BuddyError struct {
	// Code is the unique error code (e.g., "ERR_208_COLLECTION_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *BuddyError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *BuddyError) Unwrap() error {
	return e.Cause
}

// Is matches by code so that errors.Is(err, &BuddyError{Code: ...}) works.
func (e *BuddyError) Is(target error) bool {
	if t, ok := target.(*BuddyError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *BuddyError) WithDetail(key, value string) *BuddyError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *BuddyError) WithSuggestion(suggestion string) *BuddyError {
	e.Suggestion = suggestion
	return e
}

// New creates a new BuddyError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *BuddyError {
	return &BuddyError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code string, format string, args ...any) *BuddyError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a BuddyError from an existing error.
// The error's message becomes the BuddyError message.
func Wrap(code string, err error) *BuddyError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *BuddyError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// NetworkError creates a network-related error.
// Network errors are retryable.
func NetworkError(message string, cause error) *BuddyError {
	return New(ErrCodeNetworkUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *BuddyError {
	return New(ErrCodeInvalidInput, message, cause)
}

// DimensionMismatch reports a vector whose length differs from the
// collection dimension.
func DimensionMismatch(expected, got int) *BuddyError {
	return Newf(ErrCodeDimensionMismatch, "embedding dimension mismatch: expected %d, got %d", expected, got).
		WithDetail("expected", fmt.Sprint(expected)).
		WithDetail("got", fmt.Sprint(got))
}

// NotFound reports an unknown collection.
func NotFound(collection string) *BuddyError {
	return Newf(ErrCodeCollectionNotFound, "collection %q not found", collection).
		WithDetail("collection", collection)
}

// PersistenceError reports a failure to read or write collection files.
func PersistenceError(message string, cause error) *BuddyError {
	return New(ErrCodePersistFailed, message, cause)
}

// Unsupported reports an operation the store deliberately refuses.
func Unsupported(message string) *BuddyError {
	return New(ErrCodeUnsupported, message, nil)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *BuddyError {
	return New(ErrCodeInternal, message, cause)
}

// as finds the first BuddyError in err's chain.
func as(err error) (*BuddyError, bool) {
	var be *BuddyError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	be, ok := as(err)
	return ok && be.Retryable
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	be, ok := as(err)
	return ok && be.Severity == SeverityFatal
}

// IsValidation reports whether err is a validation error (4xx other than
// unsupported operations).
func IsValidation(err error) bool {
	be, ok := as(err)
	return ok && be.Category == CategoryValidation && be.Code != ErrCodeUnsupported
}

// IsNotFound reports whether err names an unknown collection.
func IsNotFound(err error) bool {
	be, ok := as(err)
	return ok && be.Code == ErrCodeCollectionNotFound
}

// IsPersistence reports whether err is a persistence or corruption error.
func IsPersistence(err error) bool {
	be, ok := as(err)
	if !ok {
		return false
	}
	switch be.Code {
	case ErrCodePersistFailed, ErrCodeCorruptIndex, ErrCodeFileCorrupt:
		return true
	}
	return false
}

// IsUnsupported reports whether err is an unsupported-operation error.
func IsUnsupported(err error) bool {
	be, ok := as(err)
	return ok && be.Code == ErrCodeUnsupported
}

// GetCode extracts the error code from a BuddyError anywhere in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	if be, ok := as(err); ok {
		return be.Code
	}
	return ""
}

// GetCategory extracts the category from a BuddyError.
// Returns empty string if there is none.
func GetCategory(err error) Category {
	if be, ok := as(err); ok {
		return be.Category
	}
	return ""
}
