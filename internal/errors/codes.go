package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for set operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidTopology ErrorCode = 1001
	ErrCodeNotBooted       ErrorCode = 1002
	ErrCodeBootstrap       ErrorCode = 1003
	ErrCodePrecondition    ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeInternal    ErrorCode = 2000
	ErrCodeUnreachable ErrorCode = 2001
)

// String returns a short name for the code, used as a metric label
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeInvalidTopology:
		return "invalid_topology"
	case ErrCodeNotBooted:
		return "not_booted"
	case ErrCodeBootstrap:
		return "bootstrap"
	case ErrCodePrecondition:
		return "precondition"
	case ErrCodeUnreachable:
		return "unreachable"
	default:
		return "internal"
	}
}

// StoreError represents a structured error with code and context
type StoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StoreError to gRPC status
func (e *StoreError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StoreError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidTopology:
		return codes.InvalidArgument
	case ErrCodeNotBooted, ErrCodePrecondition:
		return codes.FailedPrecondition
	case ErrCodeBootstrap:
		return codes.NotFound
	case ErrCodeUnreachable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStoreError creates a new StoreError
func NewStoreError(code ErrorCode, message string, cause error) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInvalidArgument, message, cause)
}

func InvalidValue(value, reason string) *StoreError {
	return NewStoreError(ErrCodeInvalidArgument, fmt.Sprintf("invalid value '%s': %s", value, reason), nil).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

func InvalidTopology(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInvalidTopology, message, cause)
}

func NotBooted(operation string) *StoreError {
	return NewStoreError(ErrCodeNotBooted, fmt.Sprintf("tried to %s through a non-booted client", operation), nil).
		WithDetail("operation", operation)
}

func Bootstrap(address string) *StoreError {
	return NewStoreError(ErrCodeBootstrap, fmt.Sprintf("bootstrap store %s not found in topology", address), nil).
		WithDetail("address", address)
}

func Precondition(message string) *StoreError {
	return NewStoreError(ErrCodePrecondition, message, nil)
}

func InternalError(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInternal, message, cause)
}

func Unreachable(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeUnreachable, message, cause)
}

func NoReachableStores(clusterID string) *StoreError {
	return NewStoreError(ErrCodeUnreachable, fmt.Sprintf("no reachable stores in cluster %s", clusterID), nil).
		WithDetail("cluster_id", clusterID)
}

// WrapStore prefixes err with the identity of the store that produced it.
// The code of err is preserved.
func WrapStore(clusterID, storeID string, err error) error {
	if err == nil {
		return nil
	}
	return NewStoreError(GetCode(err), clusterID+":"+storeID, err).
		WithDetail("cluster_id", clusterID).
		WithDetail("store_id", storeID)
}

// FromGRPC converts an error returned by a gRPC call back into a StoreError
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Classify(err)
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.InvalidArgument:
		return NewStoreError(ErrCodeInvalidArgument, st.Message(), nil)
	case codes.FailedPrecondition:
		return NewStoreError(ErrCodePrecondition, st.Message(), nil)
	case codes.NotFound:
		return NewStoreError(ErrCodeBootstrap, st.Message(), nil)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return NewStoreError(ErrCodeUnreachable, st.Message(), nil)
	default:
		return NewStoreError(ErrCodeInternal, st.Message(), nil)
	}
}

// Classify turns a raw backend error into a StoreError. Timeouts and
// network failures become Unreachable, everything else Internal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if stderrors.As(err, &se) {
		return err
	}
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) ||
		stderrors.As(err, &netErr) {
		return Unreachable("store unreachable", err)
	}
	return InternalError("store operation failed", err)
}

// IsStoreError checks if an error is a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsUnreachable reports whether err means the store could not be contacted
func IsUnreachable(err error) bool {
	return err != nil && GetCode(err) == ErrCodeUnreachable
}
