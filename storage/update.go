package storage

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-resharding-applier/errors"
)

// ErrUnsupportedUpdate is returned for oplog update forms that cannot be
// expressed as a single update command.
var ErrUnsupportedUpdate = errors.New("unsupported update")

// updateKind tells how a translated update is sent to the server.
type updateKind int

const (
	updateModifier updateKind = iota
	updateReplacement
)

// translateUpdate converts an oplog update specification ("o" of an "u"
// entry) into an update or replacement document. Three forms exist: a
// replacement document, a modifier document ($set, $unset, ...), and the
// delta format ({$v: 2, diff: {...}}). The internal $v field is dropped.
func translateUpdate(o bson.Raw) (bson.D, updateKind, error) {
	if v, ok := o.Lookup("$v").AsInt64OK(); ok && v == 2 {
		diff, ok := o.Lookup("diff").DocumentOK()
		if !ok {
			return nil, 0, errors.Wrap(ErrUnsupportedUpdate, "delta update without diff")
		}

		b := &deltaBuilder{}

		err := b.document("", diff)
		if err != nil {
			return nil, 0, err
		}

		return b.update(), updateModifier, nil
	}

	elems, err := o.Elements()
	if err != nil {
		return nil, 0, errors.Wrap(err, "read update")
	}

	var (
		doc       bson.D
		modifiers int
	)

	for _, elem := range elems {
		key := elem.Key()
		if key == "$v" {
			continue
		}

		if strings.HasPrefix(key, "$") {
			modifiers++
		}

		doc = append(doc, bson.E{Key: key, Value: elem.Value()})
	}

	if modifiers == 0 {
		return doc, updateReplacement, nil
	}

	// documents mixing operators and fields are sent as modifiers for the server to reject
	return doc, updateModifier, nil
}

// deltaBuilder accumulates a delta ($v: 2) update as modifier operators.
type deltaBuilder struct {
	set   bson.D
	unset bson.D
	push  bson.D
}

func (b *deltaBuilder) update() bson.D {
	var u bson.D

	if len(b.set) != 0 {
		u = append(u, bson.E{Key: "$set", Value: b.set})
	}

	if len(b.unset) != 0 {
		u = append(u, bson.E{Key: "$unset", Value: b.unset})
	}

	if len(b.push) != 0 {
		u = append(u, bson.E{Key: "$push", Value: b.push})
	}

	return u
}

// document applies a document-level diff rooted at prefix.
func (b *deltaBuilder) document(prefix string, diff bson.Raw) error {
	elems, err := diff.Elements()
	if err != nil {
		return errors.Wrap(err, "read diff")
	}

	for _, elem := range elems {
		key := elem.Key()

		switch {
		case key == "u" || key == "i":
			fields, ok := elem.Value().DocumentOK()
			if !ok {
				return errors.Errorf("diff %q section at %q is not a document", key, prefix)
			}

			err = b.fields(prefix, fields, func(path string, v bson.RawValue) {
				b.set = append(b.set, bson.E{Key: path, Value: v})
			})

		case key == "d":
			fields, ok := elem.Value().DocumentOK()
			if !ok {
				return errors.Errorf("diff %q section at %q is not a document", key, prefix)
			}

			err = b.fields(prefix, fields, func(path string, _ bson.RawValue) {
				b.unset = append(b.unset, bson.E{Key: path, Value: ""})
			})

		case strings.HasPrefix(key, "s") && len(key) > 1:
			err = b.subdiff(joinPath(prefix, key[1:]), elem.Value())

		default:
			return errors.Wrapf(ErrUnsupportedUpdate, "diff field %q at %q", key, prefix)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// array applies an array diff ({a: true, ...}) rooted at prefix.
func (b *deltaBuilder) array(prefix string, diff bson.Raw) error {
	elems, err := diff.Elements()
	if err != nil {
		return errors.Wrap(err, "read array diff")
	}

	truncate := -1
	changed := false

	for _, elem := range elems {
		key := elem.Key()

		switch {
		case key == "a":
			continue

		case key == "l":
			n, ok := elem.Value().AsInt64OK()
			if !ok {
				return errors.Errorf("array diff length at %q is not a number", prefix)
			}

			truncate = int(n)

		case strings.HasPrefix(key, "u") && isIndex(key[1:]):
			b.set = append(b.set, bson.E{Key: joinPath(prefix, key[1:]), Value: elem.Value()})
			changed = true

		case strings.HasPrefix(key, "s") && isIndex(key[1:]):
			err = b.subdiff(joinPath(prefix, key[1:]), elem.Value())
			if err != nil {
				return err
			}

			changed = true

		default:
			return errors.Wrapf(ErrUnsupportedUpdate, "array diff field %q at %q", key, prefix)
		}
	}

	if truncate >= 0 {
		// $push on the array path conflicts with $set on its elements
		if changed {
			return errors.Wrapf(ErrUnsupportedUpdate, "array truncate with element updates at %q", prefix)
		}

		b.push = append(b.push, bson.E{Key: prefix, Value: bson.D{
			{Key: "$each", Value: bson.A{}},
			{Key: "$slice", Value: truncate},
		}})
	}

	return nil
}

func (b *deltaBuilder) subdiff(path string, v bson.RawValue) error {
	sub, ok := v.DocumentOK()
	if !ok {
		return errors.Errorf("subdiff at %q is not a document", path)
	}

	if isArray, _ := sub.Lookup("a").BooleanOK(); isArray {
		return b.array(path, sub)
	}

	return b.document(path, sub)
}

func (b *deltaBuilder) fields(prefix string, fields bson.Raw, add func(string, bson.RawValue)) error {
	elems, err := fields.Elements()
	if err != nil {
		return errors.Wrap(err, "read diff fields")
	}

	for _, elem := range elems {
		add(joinPath(prefix, elem.Key()), elem.Value())
	}

	return nil
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}

	return prefix + "." + field
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}

	_, err := strconv.ParseUint(s, 10, 32)

	return err == nil
}
