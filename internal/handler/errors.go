package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/middleware"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInvalidValue   ErrorCode = "INVALID_VALUE"
	ErrorCodeNotBooted      ErrorCode = "NOT_BOOTED"
	ErrorCodePrecondition   ErrorCode = "PRECONDITION_FAILED"
	ErrorCodeBootstrap      ErrorCode = "BOOTSTRAP_FAILED"
	ErrorCodeServiceDown    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout        ErrorCode = "TIMEOUT"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// statusFor maps an error to an HTTP status and an error code
func statusFor(err error) (int, ErrorCode) {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorCodeTimeout
	}

	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeInvalidArgument, apperrors.ErrCodeInvalidTopology:
		return http.StatusBadRequest, ErrorCodeInvalidValue
	case apperrors.ErrCodeNotBooted:
		return http.StatusPreconditionFailed, ErrorCodeNotBooted
	case apperrors.ErrCodePrecondition:
		return http.StatusPreconditionFailed, ErrorCodePrecondition
	case apperrors.ErrCodeBootstrap:
		return http.StatusInternalServerError, ErrorCodeBootstrap
	case apperrors.ErrCodeUnreachable:
		return http.StatusServiceUnavailable, ErrorCodeServiceDown
	default:
		return http.StatusInternalServerError, ErrorCodeInternalError
	}
}

// handleError writes the response for err
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode, code := statusFor(err)
	h.writeErrorResponse(w, statusCode, code, err.Error(), middleware.GetRequestID(r.Context()))
}

func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, code ErrorCode, message, requestID string) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(code)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	})
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

// NotFound is the router's handler for unknown paths.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, http.StatusNotFound, ErrorCodeInvalidRequest, "endpoint not found", middleware.GetRequestID(r.Context()))
}

// MethodNotAllowed is the router's handler for known paths hit with the wrong method.
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed", middleware.GetRequestID(r.Context()))
}
