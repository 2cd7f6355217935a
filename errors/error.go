package errors

import "errors"

type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Cause   error  // the underlying error
	Details any    `json:"details,omitempty"`
}

func NewError(code int64, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) GetCode() int64 {
	return e.Code
}

func (e *Error) GetMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetDetails() any {
	return e.Details
}

// CodeOf returns the code of the first *Error in err's chain, or 0.
func CodeOf(err error) int64 {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return 0
}
