package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures so callers can branch without string matching.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindGone           Kind = "gone"
	KindConflict       Kind = "conflict"
	KindInfrastructure Kind = "infrastructure"
	KindConfiguration  Kind = "configuration"
)

// Error is the canonical error for commands and reads.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Kind)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Kind)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(kind Kind, op, message string, cause error) error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func Validation(op, message string) error { return NewError(KindValidation, op, message, nil) }
func NotFound(op, message string) error   { return NewError(KindNotFound, op, message, nil) }
func Forbidden(op, message string) error  { return NewError(KindForbidden, op, message, nil) }
func Gone(op, message string) error       { return NewError(KindGone, op, message, nil) }
func Conflict(op, message string) error   { return NewError(KindConflict, op, message, nil) }

// Infrastructure wraps a store failure; the whole command may be retried.
func Infrastructure(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return NewError(KindInfrastructure, op, cause.Error(), cause)
}

func Configuration(op, message string) error {
	return NewError(KindConfiguration, op, message, nil)
}

// KindOf extracts the kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if !errors.As(err, &de) {
		return ""
	}
	return de.Kind
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsDomain reports rule violations on an existing aggregate (not input validation).
func IsDomain(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindForbidden, KindGone, KindConflict:
		return true
	}
	return false
}
