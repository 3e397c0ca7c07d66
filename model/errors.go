package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"xdao.co/audex/fault"
)

type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInvalidPrice   ErrorCode = "INVALID_PRICE"
	ErrInternal       ErrorCode = "INTERNAL"
)

// CodedError is a stable error with a machine-readable code and a human message.
type CodedError struct {
	Code      ErrorCode `json:"code"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message"`
	Abandoned bool      `json:"abandoned,omitempty"`
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

var camel = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// CodeFor turns a fault reason such as StalePrice into STALE_PRICE.
func CodeFor(r fault.Reason) ErrorCode {
	if r == "" {
		return ErrInternal
	}
	return ErrorCode(strings.ToUpper(camel.ReplaceAllString(string(r), "${1}_${2}")))
}

// MapErr converts any error into a *CodedError, keeping the fault
// classification when there is one.
func MapErr(err error) error {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return &CodedError{
			Code:      CodeFor(fe.Reason),
			Kind:      string(fe.Kind),
			Message:   err.Error(),
			Abandoned: fe.Abandoned,
		}
	}
	return NewError(ErrInternal, err.Error())
}
