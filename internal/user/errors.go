package user

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound                   = errors.New("user: not found")
	ErrSQL                        = errors.New("user: sql error")
	ErrNoConnection               = errors.New("user: no database connection")
	ErrCacheProblem               = errors.New("user: cache problem")
	ErrConcurrentAttributesUpdate = errors.New("user: concurrent attributes update")
	ErrLockingNotAllowed          = errors.New("user: locking not allowed")
	ErrUnexpected                 = errors.New("user: unexpected error")
)

// Category classifies an Error for callers that decide between retrying,
// reporting an outage or reporting a defect.
type Category string

const (
	CategoryServiceDown   Category = "service-down"
	CategoryConfiguration Category = "configuration"
	CategoryError         Category = "error"
)

// Error is the error type returned by user stores. It matches exactly one of
// the package sentinels with errors.Is and unwraps to its cause.
type Error struct {
	Code     string
	Category Category
	kind     error
	msg      string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.cause)
	}
	return e.Code + ": " + e.msg
}

func (e *Error) Is(target error) bool { return target == e.kind }

func (e *Error) Unwrap() error { return e.cause }

func newError(kind error, code string, cat Category, cause error, format string, args ...any) *Error {
	return &Error{
		Code:     code,
		Category: cat,
		kind:     kind,
		msg:      fmt.Sprintf(format, args...),
		cause:    cause,
	}
}

// NotFound reports a missing user.
func NotFound(contextID, userID int) *Error {
	return newError(ErrNotFound, "USR-0010", CategoryError, nil, "user %d not found in context %d", userID, contextID)
}

// NotFoundBy reports that no user matched a lookup by login, mail or similar.
func NotFoundBy(contextID int, what, value string) *Error {
	return newError(ErrNotFound, "USR-0010", CategoryError, nil, "no user with %s %q in context %d", what, value, contextID)
}

// SQLError wraps a database failure.
func SQLError(cause error) *Error {
	return newError(ErrSQL, "USR-0050", CategoryError, cause, "sql error")
}

// NoConnection reports that no database connection could be obtained.
func NoConnection(cause error) *Error {
	return newError(ErrNoConnection, "USR-0051", CategoryServiceDown, cause, "cannot get database connection")
}

// CacheProblem wraps a cache region failure.
func CacheProblem(cause error) *Error {
	return newError(ErrCacheProblem, "USR-0060", CategoryServiceDown, cause, "cache problem")
}

// ConcurrentAttributesUpdate reports a lost update on user attributes.
func ConcurrentAttributesUpdate(contextID, userID int) *Error {
	return newError(ErrConcurrentAttributesUpdate, "USR-0070", CategoryError, nil,
		"attributes of user %d in context %d were changed concurrently", userID, contextID)
}

// LockingNotAllowed reports a row-lock request spanning several users.
func LockingNotAllowed(users int) *Error {
	return newError(ErrLockingNotAllowed, "USR-0098", CategoryError, nil,
		"row locking is only allowed for a single user, got %d", users)
}

// Unexpected reports a programming or configuration error.
func Unexpected(format string, args ...any) *Error {
	return newError(ErrUnexpected, "USR-0099", CategoryError, nil, format, args...)
}

// MissingService reports a collaborator that was not configured.
func MissingService(name string) *Error {
	return newError(ErrUnexpected, "USR-0099", CategoryConfiguration, nil, "service %s is not available", name)
}

// HTTPStatus maps err to the status code an HTTP facade should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConcurrentAttributesUpdate):
		return http.StatusConflict
	case errors.Is(err, ErrSQL), errors.Is(err, ErrNoConnection), errors.Is(err, ErrCacheProblem):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CategoryOf returns the category of err, or CategoryError for foreign errors.
func CategoryOf(err error) Category {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Category
	}
	return CategoryError
}
