package app

import (
	"errors"
	"fmt"
)

// Code classifies a DomainError for callers that branch on it.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeTaken         Code = "CODE_TAKEN"
	CodeGroupNotFound Code = "GROUP_NOT_FOUND"
	CodeNotAMember    Code = "NOT_A_MEMBER"
)

// Sentinels for errors.Is. Any DomainError with the same Code matches.
var (
	ErrValidation    = &DomainError{Code: CodeValidation}
	ErrCodeTaken     = &DomainError{Code: CodeTaken}
	ErrGroupNotFound = &DomainError{Code: CodeGroupNotFound}
	ErrNotAMember    = &DomainError{Code: CodeNotAMember}
)

// DomainError is a refusal the user can act on. Group is the code it concerns,
// when there is one.
type DomainError struct {
	Code    Code
	Message string
	Group   string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Group != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Group)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && e != nil && t.Code == e.Code
}

func domainError(code Code, message, group string) *DomainError {
	return &DomainError{Code: code, Message: message, Group: group}
}

// ErrorCode returns the code of a DomainError anywhere in err's chain, or "".
func ErrorCode(err error) Code {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
