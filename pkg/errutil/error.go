package errutil

import (
	"context"
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func newWithErr(code CoreStatus, msg string, err error, options []Option) error {
	if err != nil {
		options = append([]Option{WithErr(err)}, options...)
	}
	return New(code, msg, options...)
}

func NotFound(msg string, err error, options ...Option) error {
	return newWithErr(StatusNotFound, msg, err, options)
}

func Conflict(msg string, err error, options ...Option) error {
	return newWithErr(StatusConflict, msg, err, options)
}

func BadRequest(msg string, err error, options ...Option) error {
	return newWithErr(StatusBadRequest, msg, err, options)
}

func ValidationFailed(msg string, err error, options ...Option) error {
	return newWithErr(StatusValidationFailed, msg, err, options)
}

func InsufficientBalance(msg string, err error, options ...Option) error {
	return newWithErr(StatusInsufficientBalance, msg, err, options)
}

// ExternalProcessor marks a transient failure talking to the payment processor.
// Callers retry with backoff.
func ExternalProcessor(msg string, err error, options ...Option) error {
	return newWithErr(StatusBadGateway, msg, err, options)
}

// IdempotencyConflict reports a duplicate or stale event. It is logged and
// answered as success, never surfaced to the processor as a failure.
func IdempotencyConflict(msg string, err error, options ...Option) error {
	return newWithErr(StatusIdempotencyConflict, msg, err, options)
}

func Internal(msg string, err error, options ...Option) error {
	return newWithErr(StatusInternal, msg, err, options)
}

func Unauthorized(msg string, err error, options ...Option) error {
	return newWithErr(StatusUnauthorized, msg, err, options)
}

// Code returns the CoreStatus carried by err, or StatusInternal when err is not a BaseError.
func Code(err error) CoreStatus {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return StatusClientClosedRequest
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}

	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return coder.Status()
	}

	return StatusInternal
}

// Is reports whether err carries the given CoreStatus.
func Is(err error, code CoreStatus) bool {
	return err != nil && Code(err) == code
}

// ToBaseError normalises any error into a BaseError suitable for a response body.
func ToBaseError(err error) BaseError {
	var base BaseError
	if errors.As(err, &base) {
		return base
	}

	code := Code(err)
	if code == StatusInternal {
		return BaseError{Code: code, Message: "internal server error", Err: err}
	}
	return BaseError{Code: code, Message: err.Error(), Err: err}
}
