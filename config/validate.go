package config

import (
	"strings"

	"github.com/percona/percona-resharding-applier/errors"
	"github.com/percona/percona-resharding-applier/validate"
)

// Validate validates the Config for required fields and value ranges.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err != nil {
		return err //nolint:wrapcheck
	}

	_, err = ParseTimestamp(cfg.Resharding.Boundary)
	if err != nil {
		return errors.Wrap(err, "invalid boundary")
	}

	return nil
}

// SplitNamespace splits a validated "db.collection" namespace.
func SplitNamespace(ns string) (string, string) {
	db, coll, _ := strings.Cut(ns, ".")

	return db, coll
}
