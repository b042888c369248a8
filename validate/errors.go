package validate

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/percona/percona-resharding-applier/errors"
)

// ValidationError is one rejected configuration field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors lists every rejected field of a config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}

	return strings.Join(msgs, "; ")
}

// messages maps a failed tag to its text. "%s" is replaced by the tag param.
//
//nolint:gochecknoglobals
var messages = map[string]string{
	"required":    "is required",
	"uuid":        "must be a valid UUID",
	"oneof":       "must be one of [%s]",
	"min":         "must be at least %s",
	"gte":         "must be at least %s",
	"bytesizemin": "must be at least %s",
	"max":         "must be at most %s",
	"lte":         "must be at most %s",
	"bytesizemax": "must be at most %s",
	"bytesize":    "must be a valid byte size (e.g., '100MB', '1GiB')",
	"mongouri":    "must be a valid MongoDB connection string",
	"namespace":   "must be a db.collection namespace",
}

// TranslateErrors turns validator errors into ValidationErrors. Other errors
// are returned as is.
func TranslateErrors(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{Field: fe.Field(), Message: message(fe)})
	}

	return errs
}

func message(fe validator.FieldError) string {
	msg, ok := messages[fe.Tag()]
	if !ok {
		return "failed " + fe.Tag() + " validation"
	}

	return strings.Replace(msg, "%s", fe.Param(), 1)
}
