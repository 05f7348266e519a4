package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error taxonomy surfaced to clients.
var (
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrInvalidMetadata  = errors.New("invalid metadata")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnavailable      = errors.New("dependency unavailable")
	ErrInternal         = errors.New("internal error")
)

// Taxonomy codes, as returned to clients.
const (
	CodePayloadTooLarge  = "PayloadTooLarge"
	CodeInvalidMetadata  = "InvalidMetadata"
	CodeQueueUnavailable = "QueueUnavailable"
	CodeNotFound         = "NotFound"
	CodeInvalidInput     = "InvalidInput"
	CodeUnavailable      = "Unavailable"
	CodeInternal         = "Internal"
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Code returns the taxonomy code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPayloadTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, ErrInvalidMetadata):
		return CodeInvalidMetadata
	case errors.Is(err, ErrQueueUnavailable):
		return CodeQueueUnavailable
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	}
	return CodeInternal
}

// PublicMessage returns a client-safe message for err. Internal causes are
// never exposed; AppError messages are.
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	switch Code(err) {
	case CodeInternal:
		return ErrInternal.Error()
	case CodePayloadTooLarge:
		return ErrPayloadTooLarge.Error()
	case CodeInvalidMetadata:
		return ErrInvalidMetadata.Error()
	case CodeQueueUnavailable:
		return ErrQueueUnavailable.Error()
	case CodeNotFound:
		return ErrNotFound.Error()
	case CodeUnavailable:
		return ErrUnavailable.Error()
	}
	return ErrInvalidInput.Error()
}

// GRPCError converts err into a status error carrying the taxonomy code.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var c codes.Code
	switch Code(err) {
	case CodePayloadTooLarge:
		c = codes.ResourceExhausted
	case CodeInvalidMetadata, CodeInvalidInput:
		c = codes.InvalidArgument
	case CodeQueueUnavailable, CodeUnavailable:
		c = codes.Unavailable
	case CodeNotFound:
		c = codes.NotFound
	default:
		c = codes.Internal
	}
	return status.Error(c, Code(err)+": "+PublicMessage(err))
}

// InvalidArgumentError is a bare InvalidArgument status for request shape
// problems caught before the services run.
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}
