package identity

import (
	"errors"
	"fmt"
)

// Code classifies auth failures. The HTTP layer maps each code to a status.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeAccessDenied       Code = "access_denied"
	CodeTokenMissing       Code = "token_missing"
	CodeTokenExpired       Code = "token_expired"
	CodeTokenInvalid       Code = "token_invalid"
	CodeUnauthenticated    Code = "unauthenticated"
	CodePermissionDenied   Code = "permission_denied"
	CodeTooManyAttempts    Code = "too_many_attempts"
	CodeInternal           Code = "internal_error"
)

const (
	MsgInvalidCredentials = "Credenciales inválidas."
	MsgAccessDenied       = "Acceso denegado."
	MsgLoginAgain         = "Sesión expirada o inválida. Por favor, inicie sesión nuevamente."
	MsgUserNotFound       = "Usuario no encontrado."
	MsgPermissionDenied   = "No tiene permisos para realizar esta acción."
	MsgValidation         = "Los datos enviados no son válidos."
	MsgTooManyAttempts    = "Demasiados intentos. Intente nuevamente más tarde."
	MsgInternal           = "Error interno del servidor."
)

type Error struct {
	Code    Code
	Message string
	// Details is merged into the response body (field errors, role and
	// permission diagnostics).
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func AsError(err error) (*Error, bool) {
	var idErr *Error
	if errors.As(err, &idErr) {
		return idErr, true
	}
	return nil, false
}

func invalidCredentials() *Error {
	return &Error{Code: CodeInvalidCredentials, Message: MsgInvalidCredentials}
}

func accessDenied(required []string, actual *string) *Error {
	return &Error{
		Code:    CodeAccessDenied,
		Message: MsgAccessDenied,
		Details: map[string]interface{}{
			"required_roles": required,
			"current_role":   actual,
		},
	}
}

func ValidationFailed(fields map[string]string) *Error {
	return &Error{Code: CodeValidation, Message: MsgValidation, Details: map[string]interface{}{"errors": fields}}
}

func TooManyAttempts() *Error {
	return &Error{Code: CodeTooManyAttempts, Message: MsgTooManyAttempts}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: MsgInternal, Err: err}
}
