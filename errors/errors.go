// Package errors adds message wrapping to the standard errors package.
// Wrapped errors read "msg: cause" and unwrap to the cause.
package errors

import (
	"errors"
	"fmt"
)

type annotated struct {
	msg   string
	cause error
}

func (a *annotated) Error() string { return a.msg + ": " + a.cause.Error() }

func (a *annotated) Unwrap() error { return a.cause }

func annotate(cause error, msg string) error {
	switch {
	case cause == nil:
		return nil
	case msg == "":
		return cause
	default:
		return &annotated{msg: msg, cause: cause}
	}
}

// New calls [errors.New].
func New(text string) error {
	return errors.New(text) //nolint:err113
}

// Errorf calls [fmt.Errorf].
func Errorf(format string, vals ...any) error {
	return fmt.Errorf(format, vals...) //nolint:err113
}

// Wrap prefixes cause with text. A nil cause stays nil.
func Wrap(cause error, text string) error {
	return annotate(cause, text)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, format string, vals ...any) error {
	if cause == nil {
		return nil
	}

	return annotate(cause, fmt.Sprintf(format, vals...))
}

// Join calls [errors.Join].
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is calls [errors.Is].
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As calls [errors.As].
func As(err error, target any) bool {
	return errors.As(err, target)
}
