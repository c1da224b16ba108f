// Package apperr описывает таксономию ошибок, видимых клиентам сервиса.
package apperr

import (
	"errors"
	"net/http"
)

// Kind - стабильный машиночитаемый тип ошибки.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindUpstreamFailure     Kind = "upstream_failure"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
)

// Error несёт тип ошибки, сообщение для клиента и исходную причину.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is позволяет сравнивать ошибки по типу: errors.Is(err, apperr.New(KindConflict, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New создаёт ошибку указанного типа.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap создаёт ошибку указанного типа с причиной err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation - сокращение для ошибок входных данных.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// KindOf возвращает тип ошибки; неизвестные ошибки считаются внутренними.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message возвращает сообщение, которое безопасно показать клиенту.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return http.StatusText(http.StatusInternalServerError)
}

// HTTPStatus сопоставляет тип ошибки с кодом ответа HTTP.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindUpstreamFailure:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Body - JSON-представление ошибки в ответе: {"error":{"kind":"...","message":"..."}}.
type Body struct {
	Error BodyError `json:"error"`
}

// BodyError содержит тип и сообщение ошибки.
type BodyError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// BodyOf формирует тело ответа для err.
func BodyOf(err error) Body {
	return Body{Error: BodyError{Kind: KindOf(err), Message: Message(err)}}
}
