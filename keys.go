package relorm

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// keyString normalizes a key value so equal keys of different Go types
// (int vs int64, "1" from a text array vs 1, uuid.UUID vs its string) map
// to the same string.
func keyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case []byte:
		return string(k)
	case int64:
		return strconv.FormatInt(k, 10)
	case int:
		return strconv.Itoa(k)
	case int32:
		return strconv.FormatInt(int64(k), 10)
	case uint64:
		return strconv.FormatUint(k, 10)
	case float64:
		if k == math.Trunc(k) && math.Abs(k) < 1<<53 {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'g', -1, 64)
	case uuid.UUID:
		return k.String()
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return k.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		return keyString(rv.Elem().Interface())
	}
	switch {
	case rv.CanInt():
		return strconv.FormatInt(rv.Int(), 10)
	case rv.CanUint():
		return strconv.FormatUint(rv.Uint(), 10)
	case rv.CanFloat():
		return keyString(rv.Float())
	case rv.Kind() == reflect.String:
		return rv.String()
	}
	return fmt.Sprintf("%v", v)
}

// tupleKey joins the normalized parts of a composite key.
func tupleKey(vals []any) string {
	if len(vals) == 1 {
		return keyString(vals[0])
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = keyString(v)
	}
	return strings.Join(parts, "\x1f")
}

// sameKey compares two key values after normalization.
func sameKey(a, b any) bool {
	if a == nil || b == nil {
		return isNil(a) && isNil(b)
	}
	return keyString(a) == keyString(b)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// keyValues reads cols from a row. ok is false when any part is NULL, since
// a key with a NULL part can never match.
func keyValues(values map[string]any, cols []string) ([]any, bool) {
	out := make([]any, len(cols))
	for i, c := range cols {
		v := values[c]
		if isNil(v) {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
