package validate

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/percona/percona-resharding-applier/errors"
)

// Namespace checks that ns has the "db.collection" form. The collection part
// may contain dots.
func Namespace(ns string) error {
	db, coll, ok := strings.Cut(ns, ".")
	if !ok || db == "" || coll == "" {
		return errors.Errorf("namespace %q must be in the db.collection form", ns)
	}

	if strings.ContainsAny(db, `/\ "$`) {
		return errors.Errorf("namespace %q has an invalid database name", ns)
	}

	return nil
}

func validateNamespace(fl validator.FieldLevel) bool {
	return Namespace(fl.Field().String()) == nil
}

func validateMongoURI(fl validator.FieldLevel) bool {
	_, err := connstring.ParseAndValidate(fl.Field().String())

	return err == nil
}
