package channel

import "github.com/opsboard/realtime/errors"

const (
	ErrCodeAuthorizationFailure = 20000 + iota
	ErrCodeRateLimitExceeded
	ErrCodeUnknownCommand
	ErrCodeCollaboratorFailure
)

func NewAuthError(cause error) *errors.Error {
	return errors.NewError(ErrCodeAuthorizationFailure, "not authorized", cause)
}

func NewRateLimitError() *errors.Error {
	return errors.NewError(ErrCodeRateLimitExceeded, "rate limit exceeded", nil)
}

func NewUnknownCommandError(name string) *errors.Error {
	return errors.NewError(ErrCodeUnknownCommand, "unknown command", nil).WithDetails(name)
}

func NewCollaboratorError(cause error) *errors.Error {
	return errors.NewError(ErrCodeCollaboratorFailure, "operation failed", cause)
}

// toErrorPayload maps any handler error onto the wire error body. Errors
// without a code degrade to a generic operation-failed message so internal
// details never leak to the connection.
func toErrorPayload(err error) ErrorPayload {
	code := errors.CodeOf(err)
	if code == 0 {
		return ErrorPayload{Code: ErrCodeCollaboratorFailure, Message: "operation failed"}
	}
	return ErrorPayload{Code: code, Message: err.Error()}
}
