package pipeline

import (
	"database/sql/driver"
	"reflect"

	"github.com/securhealth/report-uploader/cmd/report"
)

// Value returns the named field of row, or (nil, false) when the row has no
// such field or holds a null for it. It never panics: every report cell goes
// through here, so any surprise in a row turns into an empty cell instead of a
// failed report.
func Value(row report.Row, name string) (value any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			value, ok = nil, false
		}
	}()

	if row == nil {
		return nil, false
	}

	if getter, isGetter := row.(report.FieldGetter); isGetter {
		v, found := getter.Field(name)
		if !found {
			return nil, false
		}
		return normalize(v)
	}

	if m, isMap := row.(map[string]any); isMap {
		v, found := m[name]
		if !found {
			return nil, false
		}
		return normalize(v)
	}

	rv := reflect.ValueOf(row)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		if f, found := structField(rv, name); found {
			return normalize(f.Interface())
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if v.IsValid() {
			return normalize(v.Interface())
		}
	}

	return nil, false
}

// structField looks a field up by exact Go name first, then by `db` tag.
func structField(rv reflect.Value, name string) (reflect.Value, bool) {
	t := rv.Type()
	if sf, found := t.FieldByName(name); found && sf.IsExported() {
		return rv.FieldByIndex(sf.Index), true
	}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.IsExported() && sf.Tag.Get("db") == name {
			return rv.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// normalize unwraps pointers and sql.Null* style values.
func normalize(v any) (any, bool) {
	if v == nil {
		return nil, false
	}

	if valuer, isValuer := v.(driver.Valuer); isValuer {
		inner, err := valuer.Value()
		if err != nil || inner == nil {
			return nil, false
		}
		return inner, true
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	return rv.Interface(), true
}
