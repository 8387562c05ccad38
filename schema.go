package relorm

import (
	"database/sql"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/iancoleman/strcase"
)

// StructInfo holds the reflection data of a struct mapped with ModelOf.
type StructInfo struct {
	Type       reflect.Type
	TableName  string
	PrimaryKey []string
	// Fields are column fields in declaration order.
	Fields  []*FieldInfo
	Columns map[string]*FieldInfo
	// Assocs are struct, pointer and slice fields keyed by field name;
	// Decode fills them from loaded associations.
	Assocs map[string]*FieldInfo
}

// FieldInfo describes one struct field.
type FieldInfo struct {
	Name      string
	Column    string
	IsPrimary bool
	FieldType reflect.Type
	Index     []int
}

var (
	structCache = make(map[reflect.Type]*StructInfo)
	cacheMu     sync.RWMutex

	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// ParseStruct returns the cached mapping of T.
func ParseStruct[T any]() *StructInfo {
	return ParseStructType(reflect.TypeOf((*T)(nil)).Elem())
}

// ParseStructType inspects a struct type. Tags use the form
// `relorm:"column:name;primary"`; `relorm:"-"` skips a field.
func ParseStructType(typ reflect.Type) *StructInfo {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic("relorm: " + typ.String() + " is not a struct")
	}

	cacheMu.RLock()
	if info, ok := structCache[typ]; ok {
		cacheMu.RUnlock()
		return info
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if info, ok := structCache[typ]; ok {
		return info
	}

	info := &StructInfo{
		Type:    typ,
		Columns: make(map[string]*FieldInfo),
		Assocs:  make(map[string]*FieldInfo),
	}

	ptr := reflect.New(typ).Interface()
	if t, ok := ptr.(interface{ TableName() string }); ok {
		info.TableName = t.TableName()
	} else {
		info.TableName = strcase.ToSnake(inflector.Plural(typ.Name()))
	}

	var explicitPK bool
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("relorm")
		if tag == "-" {
			continue
		}

		fi := &FieldInfo{
			Name:      field.Name,
			Column:    strcase.ToSnake(field.Name),
			FieldType: field.Type,
			Index:     field.Index,
		}
		for _, part := range strings.Split(tag, ";") {
			key, val, _ := strings.Cut(part, ":")
			switch strings.TrimSpace(key) {
			case "column":
				fi.Column = strings.TrimSpace(val)
			case "primary":
				fi.IsPrimary = true
				explicitPK = true
			}
		}

		if isAssocField(field.Type) {
			info.Assocs[field.Name] = fi
			continue
		}
		info.Fields = append(info.Fields, fi)
		info.Columns[fi.Column] = fi
		if fi.IsPrimary {
			info.PrimaryKey = append(info.PrimaryKey, fi.Column)
		}
	}

	if p, ok := ptr.(interface{ PrimaryKey() []string }); ok {
		info.PrimaryKey = p.PrimaryKey()
	} else if !explicitPK {
		if fi, ok := info.Columns["id"]; ok {
			fi.IsPrimary = true
			info.PrimaryKey = []string{"id"}
		}
	}

	structCache[typ] = info
	return info
}

// isAssocField reports whether a field holds associated objects rather
// than a column value.
func isAssocField(t reflect.Type) bool {
	if t.Implements(scannerType) || reflect.PointerTo(t).Implements(scannerType) {
		return false
	}
	switch t.Kind() {
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct && t.Elem() != timeType && !reflect.PointerTo(t.Elem()).Implements(scannerType)
	case reflect.Slice:
		e := t.Elem()
		if e.Kind() == reflect.Pointer {
			e = e.Elem()
		}
		return e.Kind() == reflect.Struct && e != timeType
	case reflect.Struct:
		return t != timeType
	}
	return false
}

// ModelOf defines a model named after T with T's table, primary key and
// columns. opts are applied after the struct mapping.
func ModelOf[T any](r *Registry, opts ...ModelOption) *Model {
	info := ParseStruct[T]()
	cols := make([]string, len(info.Fields))
	for i, f := range info.Fields {
		cols[i] = f.Column
	}
	base := []ModelOption{WithPrimaryKey(info.PrimaryKey...), WithColumns(cols...)}
	return r.Define(info.Type.Name(), info.TableName, append(base, opts...)...)
}

// NewFromStruct builds an unsaved instance from src's column fields. Zero
// primary key values are left NULL so the database can generate them.
func (m *Model) NewFromStruct(src any) (*Instance, error) {
	rv := reflect.Indirect(reflect.ValueOf(src))
	if rv.Kind() != reflect.Struct {
		return nil, errors.Newf("relorm: %T is not a struct", src)
	}
	info := ParseStructType(rv.Type())
	values := make(map[string]any, len(info.Fields))
	for _, f := range info.Fields {
		fv := rv.FieldByIndex(f.Index)
		if f.IsPrimary && fv.IsZero() {
			values[f.Column] = nil
			continue
		}
		values[f.Column] = fv.Interface()
	}
	return m.New(values), nil
}

// Decode copies inst's column values and loaded associations into dst, a
// pointer to a struct. Association fields are matched by the camel-cased
// association name.
func Decode(inst *Instance, dst any) error {
	if inst == nil {
		return ErrNilInstance
	}
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return errors.Newf("relorm: decode target %T is not a pointer to a struct", dst)
	}
	return decodeInto(inst, rv.Elem())
}

// DecodeAll decodes every instance into a new T.
func DecodeAll[T any](insts []*Instance) ([]T, error) {
	out := make([]T, len(insts))
	for i, inst := range insts {
		if err := Decode(inst, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeInto(inst *Instance, v reflect.Value) error {
	info := ParseStructType(v.Type())
	for col, val := range inst.values {
		f, ok := info.Columns[col]
		if !ok {
			continue
		}
		if err := assign(v.FieldByIndex(f.Index), val); err != nil {
			return errors.Wrapf(err, "relorm: decode %s.%s", info.Type.Name(), f.Name)
		}
	}

	for _, r := range inst.model.Associations() {
		f, ok := info.Assocs[strcase.ToCamel(r.Name())]
		if !ok {
			continue
		}
		cached, loaded := inst.Cached(r.Name())
		if !loaded {
			continue
		}
		if err := decodeAssociation(v.FieldByIndex(f.Index), cached); err != nil {
			return errors.Wrapf(err, "relorm: decode %s.%s", info.Type.Name(), f.Name)
		}
	}
	return nil
}

func decodeAssociation(field reflect.Value, cached any) error {
	switch c := cached.(type) {
	case *Instance:
		if c == nil {
			field.SetZero()
			return nil
		}
		return decodeObject(field, c)
	case []*Instance:
		if field.Kind() != reflect.Slice {
			return errors.Newf("plural association into %s", field.Type())
		}
		s := reflect.MakeSlice(field.Type(), len(c), len(c))
		for i, inst := range c {
			if err := decodeObject(s.Index(i), inst); err != nil {
				return err
			}
		}
		field.Set(s)
	}
	return nil
}

// decodeObject decodes inst into a struct or pointer-to-struct value.
func decodeObject(v reflect.Value, inst *Instance) error {
	if v.Kind() == reflect.Pointer {
		p := reflect.New(v.Type().Elem())
		if err := decodeInto(inst, p.Elem()); err != nil {
			return err
		}
		v.Set(p)
		return nil
	}
	if v.Kind() != reflect.Struct {
		return errors.Newf("singular association into %s", v.Type())
	}
	return decodeInto(inst, v)
}

// assign stores a driver value in a field, converting between compatible
// kinds.
func assign(field reflect.Value, val any) error {
	if isNil(val) {
		field.SetZero()
		return nil
	}
	if field.CanAddr() {
		if s, ok := field.Addr().Interface().(sql.Scanner); ok {
			return s.Scan(val)
		}
	}
	if field.Kind() == reflect.Pointer {
		p := reflect.New(field.Type().Elem())
		if err := assign(p.Elem(), val); err != nil {
			return err
		}
		field.Set(p)
		return nil
	}

	src := reflect.ValueOf(val)
	if b, ok := val.([]byte); ok && field.Kind() == reflect.String {
		field.SetString(string(b))
		return nil
	}
	if src.Type().AssignableTo(field.Type()) {
		field.Set(src)
		return nil
	}
	switch {
	case field.Kind() == reflect.Bool && src.CanInt():
		field.SetBool(src.Int() != 0)
		return nil
	case src.Kind() == reflect.String && field.Kind() != reflect.String,
		field.Kind() == reflect.String && src.Kind() != reflect.String:
		return errors.Newf("cannot assign %v (%T) to %s", val, val, field.Type())
	}
	if src.Type().ConvertibleTo(field.Type()) {
		field.Set(src.Convert(field.Type()))
		return nil
	}
	return errors.Newf("cannot assign %T to %s", val, field.Type())
}
