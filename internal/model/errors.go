package model

import "errors"

// ErrorCode identifies a class of domain failure. Codes are stable and exposed
// to API clients.
type ErrorCode string

const (
	CodeInvalidStudent         ErrorCode = "InvalidStudent"
	CodeInvalidSubject         ErrorCode = "InvalidSubject"
	CodeSessionNotActive       ErrorCode = "SessionNotActive"
	CodeSessionClosed          ErrorCode = "SessionClosed"
	CodeDuplicateQuestion      ErrorCode = "DuplicateQuestion"
	CodeInvalidOption          ErrorCode = "InvalidOption"
	CodeConcurrentModification ErrorCode = "ConcurrentModification"
	CodeQuestionBankExhausted  ErrorCode = "QuestionBankExhausted"
	CodeNotFound               ErrorCode = "NotFound"
	CodeInvalidRequest         ErrorCode = "InvalidRequest"
	CodeNameMismatch           ErrorCode = "NameMismatch"
	CodeHintsExhausted         ErrorCode = "HintsExhausted"
	CodeUnauthorized           ErrorCode = "Unauthorized"
	CodeForbidden              ErrorCode = "Forbidden"
)

// Error is a structured domain error. Two errors match under errors.Is when
// their codes are equal, so callers compare against the Err* sentinels.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds an Error with the given code and message.
func Errorf(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidStudent         = &Error{Code: CodeInvalidStudent}
	ErrInvalidSubject         = &Error{Code: CodeInvalidSubject}
	ErrSessionNotActive       = &Error{Code: CodeSessionNotActive}
	ErrSessionClosed          = &Error{Code: CodeSessionClosed}
	ErrDuplicateQuestion      = &Error{Code: CodeDuplicateQuestion}
	ErrInvalidOption          = &Error{Code: CodeInvalidOption}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification}
	ErrQuestionBankExhausted  = &Error{Code: CodeQuestionBankExhausted}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest}
	ErrNameMismatch           = &Error{Code: CodeNameMismatch}
	ErrHintsExhausted         = &Error{Code: CodeHintsExhausted}
	ErrUnauthorized           = &Error{Code: CodeUnauthorized}
	ErrForbidden              = &Error{Code: CodeForbidden}
)

// CodeOf extracts the code of a domain error, or "" for other errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
