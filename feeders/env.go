// Package feeders provides configuration feeders for populating host
// configuration from environment variables and JSON, YAML, TOML and .env
// files. Feeders implement the modhost.Feeder interface and are run in
// order, later sources overriding earlier ones.
package feeders

import (
	"encoding"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// EnvFeeder reads environment variables into struct fields tagged `env`.
// An optional prefix namespaces the variables: prefix "MODHOST" turns the
// tag "STATE_FILE" into MODHOST_STATE_FILE. Nested structs are walked;
// untagged fields are skipped.
type EnvFeeder struct {
	Prefix string
}

// NewEnvFeeder creates an EnvFeeder with the given prefix. An empty
// prefix reads the tag names verbatim.
func NewEnvFeeder(prefix string) EnvFeeder {
	return EnvFeeder{Prefix: strings.ToUpper(prefix)}
}

// Feed populates structure from the process environment.
func (f EnvFeeder) Feed(structure interface{}) error {
	rv, err := structValue(structure)
	if err != nil {
		return err
	}
	return f.fillStruct(rv, f.lookup)
}

func (f EnvFeeder) lookup(tag string) (string, bool) {
	name := strings.ToUpper(tag)
	if f.Prefix != "" {
		name = f.Prefix + "_" + name
	}
	value := os.Getenv(name)
	return value, value != ""
}

// fillStruct walks the struct, resolving each `env`-tagged field through
// the lookup function. Shared with the dotenv feeder, which looks up the
// parsed file instead of the process environment.
func (f EnvFeeder) fillStruct(rv reflect.Value, lookup func(tag string) (string, bool)) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)

		if field.Kind() == reflect.Struct && fieldType.Tag.Get("env") == "" {
			if err := f.fillStruct(field, lookup); err != nil {
				return fmt.Errorf("field %s: %w", fieldType.Name, err)
			}
			continue
		}
		if field.Kind() == reflect.Pointer && !field.IsNil() && field.Elem().Kind() == reflect.Struct {
			if err := f.fillStruct(field.Elem(), lookup); err != nil {
				return fmt.Errorf("field %s: %w", fieldType.Name, err)
			}
			continue
		}

		tag, tagged := fieldType.Tag.Lookup("env")
		if !tagged {
			continue
		}
		value, found := lookup(tag)
		if !found {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// setFieldValue converts a string to the field's type and assigns it.
// Types implementing encoding.TextUnmarshaler (the host's Duration wrapper
// among them) parse themselves; everything else goes through golobby/cast.
func setFieldValue(field reflect.Value, strValue string) error {
	if !field.CanSet() {
		return ErrFieldNotSettable
	}

	if reflect.PointerTo(field.Type()).Implements(textUnmarshalerType) {
		unmarshaler := field.Addr().Interface().(encoding.TextUnmarshaler)
		if err := unmarshaler.UnmarshalText([]byte(strValue)); err != nil {
			return fmt.Errorf("parsing %q: %w", strValue, err)
		}
		return nil
	}

	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(strValue)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", strValue, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String {
		parts := strings.Split(strValue, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		field.Set(reflect.ValueOf(out))
		return nil
	}

	converted, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert %q to %v: %w", strValue, field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}

func structValue(structure interface{}) (reflect.Value, error) {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, ErrInvalidStructure
	}
	return rv.Elem(), nil
}
