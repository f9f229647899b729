// Package errors provides the structured error taxonomy shared across the
// lattice, bus, orchestrator, and federation layers, grouped by the category
// defined in the error handling design: input, policy, resource, integrity,
// and internal errors.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Input errors (1xxx) — rejected synchronously at the boundary.
	ErrCodeInvalidPayload   ErrorCode = "INPUT_1001"
	ErrCodeInvalidWeights   ErrorCode = "INPUT_1002"
	ErrCodeMissingParameter ErrorCode = "INPUT_1003"
	ErrCodeInvalidFormat    ErrorCode = "INPUT_1004"

	// Policy errors (2xxx) — validator rejections.
	ErrCodePolicyViolation ErrorCode = "POLICY_2001"

	// Resource errors (3xxx) — transient, callers may retry.
	ErrCodeStoreUnavailable ErrorCode = "RESOURCE_3001"
	ErrCodePeerUnreachable  ErrorCode = "RESOURCE_3002"
	ErrCodeTimeout          ErrorCode = "RESOURCE_3003"
	ErrCodeRateLimited      ErrorCode = "RESOURCE_3004"

	// Integrity errors (4xxx) — never retried, always escalated.
	ErrCodeInvalidGraph         ErrorCode = "INTEGRITY_4001"
	ErrCodeInvalidSignature     ErrorCode = "INTEGRITY_4002"
	ErrCodeManifestMismatch     ErrorCode = "INTEGRITY_4003"
	ErrCodeUnresolvedDependency ErrorCode = "INTEGRITY_4004"
	ErrCodeKeyRotationConflict  ErrorCode = "INTEGRITY_4005"

	// Not-found / conflict (5xxx) — resource-shaped but synchronous.
	ErrCodeNotFound      ErrorCode = "RESOURCE_5001"
	ErrCodeAlreadyExists ErrorCode = "RESOURCE_5002"
	ErrCodeConflict      ErrorCode = "RESOURCE_5003"

	// Internal errors (9xxx) — bugs, always critical.
	ErrCodeInternal ErrorCode = "INTERNAL_9001"
)

// ServiceError represents a structured error with a stable code, an HTTP
// status for the external interface layer, and a recoverability flag that
// the orchestrator uses to decide whether to retry.
type ServiceError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	HTTPStatus  int                    `json:"-"`
	Recoverable bool                   `json:"recoverable"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Err         error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// AsRecoverable marks the error as retryable by the orchestrator.
func (e *ServiceError) AsRecoverable() *ServiceError {
	e.Recoverable = true
	return e
}

// Input errors

func InvalidPayload(reason string) *ServiceError {
	return New(ErrCodeInvalidPayload, "invalid request payload", http.StatusBadRequest).
		WithDetails("reason", reason)
}

func InvalidWeights(sum float64) *ServiceError {
	return New(ErrCodeInvalidWeights, "score weights must sum to 1", http.StatusBadRequest).
		WithDetails("sum", sum)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

// Policy errors

func PolicyViolation(ruleID string, severity string) *ServiceError {
	return New(ErrCodePolicyViolation, "action rejected by validator", http.StatusUnprocessableEntity).
		WithDetails("rule_id", ruleID).
		WithDetails("severity", severity)
}

// Resource errors (recoverable by default)

func StoreUnavailable(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStoreUnavailable, "lattice store unavailable", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation).
		AsRecoverable()
}

func PeerUnreachable(peerID string, err error) *ServiceError {
	return Wrap(ErrCodePeerUnreachable, "federation peer unreachable", http.StatusBadGateway, err).
		WithDetails("peer_id", peerID).
		AsRecoverable()
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation).
		AsRecoverable()
}

func RateLimited(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window).
		AsRecoverable()
}

// Integrity errors (never recoverable)

func InvalidGraph(nodeID, reason string) *ServiceError {
	return New(ErrCodeInvalidGraph, "capability graph invariant violated", http.StatusBadRequest).
		WithDetails("node_id", nodeID).
		WithDetails("reason", reason)
}

func InvalidSignature(context string) *ServiceError {
	return New(ErrCodeInvalidSignature, "signature verification failed", http.StatusUnauthorized).
		WithDetails("context", context)
}

func ManifestMismatch(peerID string) *ServiceError {
	return New(ErrCodeManifestMismatch, "manifest hash mismatch", http.StatusConflict).
		WithDetails("peer_id", peerID)
}

func UnresolvedDependency(nodeID, dependencyID string) *ServiceError {
	return New(ErrCodeUnresolvedDependency, "dependency not found in lattice", http.StatusUnprocessableEntity).
		WithDetails("node_id", nodeID).
		WithDetails("dependency_id", dependencyID)
}

func KeyRotationConflict(peerID string) *ServiceError {
	return New(ErrCodeKeyRotationConflict, "key rotation conflicts with an in-flight sync", http.StatusConflict).
		WithDetails("peer_id", peerID)
}

// Resource / not-found errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Internal errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRecoverable reports whether the orchestrator should retry the operation
// that produced err.
func IsRecoverable(err error) bool {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Recoverable
	}
	return false
}
