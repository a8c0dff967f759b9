package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents client error codes surfaced by the document store runtime
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Session misuse, fail fast without a round trip
	ErrCodeInvalidOperation          ErrorCode = 1000
	ErrCodeDuplicateKeyInSameSession ErrorCode = 1001
	ErrCodeEntityNotTracked          ErrorCode = 1002
	ErrCodeKeyTooLarge               ErrorCode = 1003
	ErrCodeInvalidArgument           ErrorCode = 1004
	ErrCodeTooManyRequestsInSession  ErrorCode = 1005

	// Optimistic concurrency
	ErrCodeConcurrency                   ErrorCode = 2000
	ErrCodeClusterTransactionConcurrency ErrorCode = 2001

	// Lookup failures reported by the server
	ErrCodeDocumentDoesNotExist     ErrorCode = 3000
	ErrCodeIndexDoesNotExist        ErrorCode = 3001
	ErrCodeSubscriptionDoesNotExist ErrorCode = 3002
	ErrCodeDatabaseDoesNotExist     ErrorCode = 3003

	// Transport and cluster
	ErrCodeRequestTimeout          ErrorCode = 4000
	ErrCodeConnectionPoolExhausted ErrorCode = 4001
	ErrCodeNodeUnavailable         ErrorCode = 4002
	ErrCodeAllTopologyNodesDown    ErrorCode = 4003
	ErrCodeBadResponse             ErrorCode = 4004
	ErrCodeServerError             ErrorCode = 4005
	ErrCodeStoreClosed             ErrorCode = 4006

	// Subscriptions
	ErrCodeSubscriptionInUse              ErrorCode = 5000
	ErrCodeSubscriptionClosed             ErrorCode = 5001
	ErrCodeSubscriptionInvalidState       ErrorCode = 5002
	ErrCodeSubscriber                     ErrorCode = 5003
	ErrCodeSubscriptionMaxErroneousPeriod ErrorCode = 5004
)

// Error represents a structured client error with code and context
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code, so sentinels such as ErrConcurrency work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// Detail returns a detail value or nil
func (e *Error) Detail(key string) interface{} {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidOperation               = &Error{Code: ErrCodeInvalidOperation}
	ErrDuplicateKeyInSameSession      = &Error{Code: ErrCodeDuplicateKeyInSameSession}
	ErrEntityNotTracked               = &Error{Code: ErrCodeEntityNotTracked}
	ErrKeyTooLarge                    = &Error{Code: ErrCodeKeyTooLarge}
	ErrInvalidArgument                = &Error{Code: ErrCodeInvalidArgument}
	ErrTooManyRequestsInSession       = &Error{Code: ErrCodeTooManyRequestsInSession}
	ErrConcurrency                    = &Error{Code: ErrCodeConcurrency}
	ErrClusterTransactionConcurrency  = &Error{Code: ErrCodeClusterTransactionConcurrency}
	ErrDocumentDoesNotExist           = &Error{Code: ErrCodeDocumentDoesNotExist}
	ErrIndexDoesNotExist              = &Error{Code: ErrCodeIndexDoesNotExist}
	ErrSubscriptionDoesNotExist       = &Error{Code: ErrCodeSubscriptionDoesNotExist}
	ErrDatabaseDoesNotExist           = &Error{Code: ErrCodeDatabaseDoesNotExist}
	ErrRequestTimeout                 = &Error{Code: ErrCodeRequestTimeout}
	ErrConnectionPoolExhausted        = &Error{Code: ErrCodeConnectionPoolExhausted}
	ErrNodeUnavailable                = &Error{Code: ErrCodeNodeUnavailable}
	ErrAllTopologyNodesDown           = &Error{Code: ErrCodeAllTopologyNodesDown}
	ErrBadResponse                    = &Error{Code: ErrCodeBadResponse}
	ErrServerError                    = &Error{Code: ErrCodeServerError}
	ErrStoreClosed                    = &Error{Code: ErrCodeStoreClosed}
	ErrSubscriptionInUse              = &Error{Code: ErrCodeSubscriptionInUse}
	ErrSubscriptionClosed             = &Error{Code: ErrCodeSubscriptionClosed}
	ErrSubscriptionInvalidState       = &Error{Code: ErrCodeSubscriptionInvalidState}
	ErrSubscriber                     = &Error{Code: ErrCodeSubscriber}
	ErrSubscriptionMaxErroneousPeriod = &Error{Code: ErrCodeSubscriptionMaxErroneousPeriod}
)

// Convenience constructors for common errors

func InvalidOperation(message string) *Error {
	return NewError(ErrCodeInvalidOperation, message, nil)
}

func InvalidArgument(message string, cause error) *Error {
	return NewError(ErrCodeInvalidArgument, message, cause)
}

func DuplicateKeyInSameSession(key string) *Error {
	return NewError(ErrCodeDuplicateKeyInSameSession,
		fmt.Sprintf("attempted to associate a different object with id '%s'", key), nil).
		WithDetail("key", key)
}

func EntityNotTracked(entityType string) *Error {
	return NewError(ErrCodeEntityNotTracked,
		fmt.Sprintf("%s is not associated with the session, cannot delete unknown entity instance", entityType), nil).
		WithDetail("entity_type", entityType)
}

func KeyTooLarge(key string, size, maxSize int) *Error {
	return NewError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("key", key).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func TooManyRequestsInSession(count, limit int) *Error {
	return NewError(ErrCodeTooManyRequestsInSession,
		fmt.Sprintf("the maximum number of requests (%d) allowed for this session has been reached", limit), nil).
		WithDetail("current", count).
		WithDetail("limit", limit)
}

func Concurrency(key, expected, actual string) *Error {
	return NewError(ErrCodeConcurrency,
		fmt.Sprintf("optimistic concurrency violation on '%s': expected change vector '%s', actual '%s'", key, expected, actual), nil).
		WithDetail("key", key).
		WithDetail("expected_change_vector", expected).
		WithDetail("actual_change_vector", actual)
}

func ClusterTransactionConcurrency(key string, expected, actual int64) *Error {
	return NewError(ErrCodeClusterTransactionConcurrency,
		fmt.Sprintf("compare exchange precondition failed on '%s': expected index %d, actual %d", key, expected, actual), nil).
		WithDetail("key", key).
		WithDetail("expected_index", expected).
		WithDetail("actual_index", actual)
}

func DocumentDoesNotExist(key string) *Error {
	return NewError(ErrCodeDocumentDoesNotExist, fmt.Sprintf("document '%s' does not exist", key), nil).
		WithDetail("key", key)
}

func IndexDoesNotExist(message string) *Error {
	return NewError(ErrCodeIndexDoesNotExist, message, nil)
}

func SubscriptionDoesNotExist(name string) *Error {
	return NewError(ErrCodeSubscriptionDoesNotExist, fmt.Sprintf("subscription '%s' does not exist", name), nil).
		WithDetail("subscription", name)
}

func RequestTimeout(url string, elapsed, limit time.Duration, cause error) *Error {
	return NewError(ErrCodeRequestTimeout,
		fmt.Sprintf("request to %s timed out after %v (timeout %v)", url, elapsed, limit), cause).
		WithDetail("url", url).
		WithDetail("elapsed", elapsed).
		WithDetail("timeout", limit)
}

func ConnectionPoolExhausted(current, limit int) *Error {
	return NewError(ErrCodeConnectionPoolExhausted, fmt.Sprintf("connection pool exhausted: %d/%d", current, limit), nil).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

func NodeUnavailable(url string, cause error) *Error {
	return NewError(ErrCodeNodeUnavailable, fmt.Sprintf("node %s is unavailable", url), cause).
		WithDetail("url", url)
}

func AllTopologyNodesDown(command string, attempts int, cause error) *Error {
	return NewError(ErrCodeAllTopologyNodesDown,
		fmt.Sprintf("tried to send '%s' to all configured nodes in the topology, none of the attempted servers responded (%d attempts)", command, attempts), cause).
		WithDetail("command", command).
		WithDetail("attempts", attempts)
}

func BadResponse(message string, cause error) *Error {
	return NewError(ErrCodeBadResponse, message, cause)
}

func StoreClosed() *Error {
	return NewError(ErrCodeStoreClosed, "document store has been closed", nil)
}

func SubscriptionInUse(name string) *Error {
	return NewError(ErrCodeSubscriptionInUse, fmt.Sprintf("subscription '%s' is in use by another worker", name), nil).
		WithDetail("subscription", name)
}

func SubscriptionClosed(name, reason string) *Error {
	return NewError(ErrCodeSubscriptionClosed, fmt.Sprintf("subscription '%s' was closed: %s", name, reason), nil).
		WithDetail("subscription", name)
}

func SubscriptionInvalidState(name, reason string) *Error {
	return NewError(ErrCodeSubscriptionInvalidState, fmt.Sprintf("subscription '%s' is invalid: %s", name, reason), nil).
		WithDetail("subscription", name)
}

func Subscriber(name string, cause error) *Error {
	return NewError(ErrCodeSubscriber, fmt.Sprintf("subscriber of '%s' failed to process batch", name), cause).
		WithDetail("subscription", name)
}

func SubscriptionMaxErroneousPeriod(name string, period time.Duration, cause error) *Error {
	return NewError(ErrCodeSubscriptionMaxErroneousPeriod,
		fmt.Sprintf("subscription '%s' has been in an erroneous state for more than %v", name, period), cause).
		WithDetail("subscription", name).
		WithDetail("max_erroneous_period", period)
}

// serverError is the JSON body the server returns for failed requests
type serverError struct {
	Type     string `json:"Type"`
	Message  string `json:"Message"`
	Error    string `json:"Error"`
	ID       string `json:"Id"`
	Expected string `json:"ExpectedChangeVector"`
	Actual   string `json:"ActualChangeVector"`
	Key      string `json:"Key"`
	Index    int64  `json:"ExpectedIndex"`
	Current  int64  `json:"ActualIndex"`
	Name     string `json:"Name"`
}

// FromServer maps a non-success response to a coded error
func FromServer(status int, body []byte) *Error {
	var se serverError
	if len(body) > 0 {
		if err := json.Unmarshal(body, &se); err != nil {
			return NewError(ErrCodeServerError, fmt.Sprintf("server returned status %d", status), nil).
				WithDetail("status", status).
				WithDetail("body", string(body))
		}
	}
	message := se.Message
	if message == "" {
		message = se.Error
	}

	switch se.Type {
	case "ConcurrencyException":
		e := Concurrency(se.ID, se.Expected, se.Actual)
		if message != "" {
			e.Message = message
		}
		return e
	case "ClusterTransactionConcurrencyException":
		e := ClusterTransactionConcurrency(se.Key, se.Index, se.Current)
		if message != "" {
			e.Message = message
		}
		return e
	case "IndexDoesNotExistException":
		return IndexDoesNotExist(message)
	case "SubscriptionDoesNotExistException":
		e := SubscriptionDoesNotExist(se.Name)
		if message != "" {
			e.Message = message
		}
		return e
	case "DatabaseDoesNotExistException":
		return NewError(ErrCodeDatabaseDoesNotExist, message, nil)
	case "DocumentDoesNotExistException":
		return DocumentDoesNotExist(se.ID)
	case "SubscriptionInUseException":
		return SubscriptionInUse(se.Name)
	case "SubscriptionClosedException":
		return SubscriptionClosed(se.Name, message)
	case "SubscriptionInvalidStateException":
		return SubscriptionInvalidState(se.Name, message)
	}

	if message == "" {
		message = http.StatusText(status)
	}
	return NewError(ErrCodeServerError, fmt.Sprintf("server returned status %d: %s", status, message), nil).
		WithDetail("status", status).
		WithDetail("type", se.Type)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeServerError
}
