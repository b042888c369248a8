// Package validate checks applier configuration with go-playground/validator.
// Besides the stock tags it knows byte sizes, MongoDB URIs and namespaces.
package validate

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// customTags are the rules the applier adds on top of the validator's own.
//
//nolint:gochecknoglobals
var customTags = map[string]validator.Func{
	"bytesize":    validateByteSize,
	"bytesizemin": validateByteSizeMin,
	"bytesizemax": validateByteSizeMax,
	"mongouri":    validateMongoURI,
	"namespace":   validateNamespace,
}

// Validator returns the shared validator. Fields are reported by their flag
// name, taken from the mapstructure tag.
var Validator = sync.OnceValue(func() *validator.Validate { //nolint:gochecknoglobals
	v := validator.New(validator.WithRequiredStructEnabled())

	for tag, fn := range customTags {
		_ = v.RegisterValidation(tag, fn)
	}

	v.RegisterTagNameFunc(flagName)

	return v
})

// flagName falls back to the Go field name for squashed or untagged fields.
func flagName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
	if name == "" || name == "-" {
		return fld.Name
	}

	return name
}

// Struct validates s and returns ValidationErrors listing every bad field.
func Struct(s any) error {
	return TranslateErrors(Validator().Struct(s))
}
