package validate

import (
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

// parseByteSize reads a human readable size ("16MiB", "100MB") from the field.
// Empty and "0" mean the default and report unset.
func parseByteSize(field reflect.Value) (n uint64, set bool, err error) {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return 0, false, nil
		}

		field = field.Elem()
	}

	s := field.String()
	if s == "" || s == "0" {
		return 0, false, nil
	}

	n, err = humanize.ParseBytes(s)

	return n, true, err //nolint:wrapcheck
}

func validateByteSize(fl validator.FieldLevel) bool {
	_, _, err := parseByteSize(fl.Field())

	return err == nil
}

// byteSizeBound builds a bytesizemin/bytesizemax rule, e.g. bytesizemin=1KiB.
func byteSizeBound(within func(v, limit uint64) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		v, set, err := parseByteSize(fl.Field())
		if err != nil {
			return false
		}

		if !set {
			return true
		}

		limit, err := humanize.ParseBytes(fl.Param())
		if err != nil {
			return false
		}

		return within(v, limit)
	}
}

//nolint:gochecknoglobals
var (
	validateByteSizeMin = byteSizeBound(func(v, limit uint64) bool { return v >= limit })
	validateByteSizeMax = byteSizeBound(func(v, limit uint64) bool { return v <= limit })
)
