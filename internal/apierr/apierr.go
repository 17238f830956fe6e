package apierr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNetwork    Kind = "network"
	KindAuthFailed Kind = "auth_failed"
	KindBusiness   Kind = "business"
	KindBusy       Kind = "busy"
	KindIneligible Kind = "ineligible"
	KindCancelled  Kind = "cancelled"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Business(code, message string) *Error {
	return &Error{Kind: KindBusiness, Code: code, Message: message}
}

func Busy(code, message string) *Error {
	return &Error{Kind: KindBusy, Code: code, Message: message}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsBusy(err error) bool       { return KindOf(err) == KindBusy }
func IsAuthFailed(err error) bool { return KindOf(err) == KindAuthFailed }
func IsNetwork(err error) bool    { return KindOf(err) == KindNetwork }
func IsBusiness(err error) bool   { return KindOf(err) == KindBusiness }
func IsCancelled(err error) bool  { return KindOf(err) == KindCancelled }
