package utils

import "net/http"

// Error codes surfaced by the rating core. Handlers map them onto HTTP
// statuses; background workers use them to decide retry vs. fail.
const (
	ErrCodeValidation         = "validation_error"
	ErrCodeUnsupportedFormat  = "unsupported_format"
	ErrCodeInvalidPlayers     = "invalid_players"
	ErrCodeInvalidOrg         = "invalid_organization"
	ErrCodeConflict           = "conflict"
	ErrCodeNotFound           = "not_found"
	ErrCodeInsufficientScope  = "insufficient_scope"
	ErrCodeInsufficientGrants = "insufficient_grants"
	ErrCodeMissingToken       = "missing_token"
	ErrCodeInvalidToken       = "invalid_token"
	ErrCodeInternal           = "internal_error"
)

type AppError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return e.Code + ": " + e.Message
}

func NewAppError(code, message string, details ...interface{}) *AppError {
	err := &AppError{Code: code, Message: message}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func ValidationError(message string, details ...interface{}) *AppError {
	return NewAppError(ErrCodeValidation, message, details...)
}

func NotFoundError(message string) *AppError {
	return NewAppError(ErrCodeNotFound, message)
}

func ConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message)
}

func InternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message)
}

// HTTPStatus maps an error code to the status the API edge responds with.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidation, ErrCodeUnsupportedFormat, ErrCodeInvalidPlayers, ErrCodeInvalidOrg:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInsufficientScope, ErrCodeInsufficientGrants:
		return http.StatusForbidden
	case ErrCodeMissingToken, ErrCodeInvalidToken:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a background handler should reschedule after
// seeing this error. Auth and validation problems never heal on retry.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case ErrCodeInternal:
		return true
	default:
		return false
	}
}

// AsAppError normalizes an arbitrary error into an AppError, wrapping
// unknown errors as internal.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return &AppError{Code: ErrCodeInternal, Message: err.Error()}
}
